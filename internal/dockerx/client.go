package dockerx

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/docker/cli/cli/connhelper"
	dclient "github.com/docker/docker/client"
)

// NewAPIClient builds a Docker API client for a host reference. An
// empty host follows the usual DOCKER_HOST environment; ssh:// hosts
// tunnel the API through the docker CLI connection helper.
func NewAPIClient(host string) (*dclient.Client, error) {
	if host == "" {
		return dclient.NewClientWithOpts(dclient.FromEnv, dclient.WithAPIVersionNegotiation())
	}
	if strings.HasPrefix(host, "ssh://") {
		helper, err := connhelper.GetConnectionHelper(host)
		if err != nil {
			return nil, fmt.Errorf("docker host %q: %w", host, err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{DialContext: helper.Dialer},
		}
		return dclient.NewClientWithOpts(
			dclient.WithHTTPClient(httpClient),
			dclient.WithHost(helper.Host),
			dclient.WithDialContext(helper.Dialer),
			dclient.WithAPIVersionNegotiation(),
		)
	}
	return dclient.NewClientWithOpts(
		dclient.WithHost(host),
		dclient.WithAPIVersionNegotiation(),
	)
}

// RunnerFor picks the runner matching a host reference: ssh targets
// get a persistent connection, anything else runs locally.
func RunnerFor(host string) (Runner, func() error, error) {
	if strings.HasPrefix(host, "ssh://") {
		s, err := DialSSH(host)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	noop := func() error { return nil }
	return Local{}, noop, nil
}
