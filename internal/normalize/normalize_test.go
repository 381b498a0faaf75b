package normalize

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/spec"
	"github.com/dockhand/dockhand/internal/util"
)

const emptyFingerprint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

type fakeResolver struct {
	payloads map[string][]byte
	calls    []string
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) ([]byte, error) {
	f.calls = append(f.calls, ref)
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.payloads[ref]
	if !ok {
		return nil, fmt.Errorf("no payload for %q", ref)
	}
	return p, nil
}

func webappStack() *spec.Stack {
	return &spec.Stack{
		Name:  "webapp",
		Mode:  spec.ModeComposition,
		State: spec.StatePresent,
		Services: map[string]spec.Service{
			"web": {
				Image:   "nginx:1.27",
				Ports:   []spec.PortEntry{{Shorthand: "8080:80"}},
				Volumes: []spec.VolumeEntry{{Shorthand: "$_data:/var/lib/app"}},
				Secrets: []string{"app_secret"},
			},
		},
		Secrets: map[string]spec.Secret{
			"app_secret": {Value: "supersecret"},
		},
	}
}

func TestNormalizeWebappComposition(t *testing.T) {
	res, err := Normalize(context.Background(), webappStack(), nil)
	require.NoError(t, err)
	pl := res.Plan

	assert.Equal(t, "webapp", pl.Stack)
	assert.Equal(t, spec.ModeComposition, pl.Mode)
	assert.Equal(t, "/opt/stacks/webapp/data", pl.Directories.Data.Path)

	svc, ok := pl.Service("web")
	require.True(t, ok)
	assert.Equal(t, []plan.Port{{Published: 8080, Target: 80, Protocol: "tcp"}}, svc.Ports)
	assert.Equal(t, []plan.Mount{{Source: "/opt/stacks/webapp/data", Target: "/var/lib/app"}}, svc.Mounts)
	require.Len(t, svc.Secrets, 1)
	assert.Equal(t, "app_secret_f75778f7", svc.Secrets[0].AddressedName)
	assert.Nil(t, svc.Deploy)

	sec, ok := pl.Secret("app_secret")
	require.True(t, ok)
	assert.Equal(t, []byte("supersecret"), sec.Payload)
	assert.Equal(t, util.Fingerprint([]byte("supersecret")), sec.Hash)
	assert.Empty(t, pl.PruneCandidates)
	assert.Empty(t, res.Diagnostics)
}

func TestNormalizeByteIdenticalReplan(t *testing.T) {
	first, err := Normalize(context.Background(), webappStack(), nil)
	require.NoError(t, err)
	second, err := Normalize(context.Background(), webappStack(), nil)
	require.NoError(t, err)

	a, err := first.Plan.Encode()
	require.NoError(t, err)
	b, err := second.Plan.Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalizeSecretsFingerprintLabel(t *testing.T) {
	res, err := Normalize(context.Background(), webappStack(), nil)
	require.NoError(t, err)

	svc, ok := res.Plan.Service("web")
	require.True(t, ok)
	// One referenced secret: the fingerprint is the hash of its
	// addressed name alone.
	assert.Equal(t, util.Fingerprint([]byte("app_secret_f75778f7")), svc.Labels[spec.LabelSecretsFingerprint])
}

func TestNormalizeFingerprintWithoutSecrets(t *testing.T) {
	st := webappStack()
	web := st.Services["web"]
	web.Secrets = nil
	st.Services["web"] = web
	st.Secrets = nil

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	svc, _ := res.Plan.Service("web")
	assert.Equal(t, emptyFingerprint, svc.Labels[spec.LabelSecretsFingerprint])
}

func TestNormalizeAbsentSkipsSecretResolution(t *testing.T) {
	st := webappStack()
	st.State = spec.StateAbsent
	st.Secrets = map[string]spec.Secret{
		"app_secret": {ValueFrom: "vault:kv/data/app#password"},
	}
	resolver := &fakeResolver{err: errors.New("source is down")}

	res, err := Normalize(context.Background(), st, resolver)
	require.NoError(t, err)
	assert.Empty(t, resolver.calls)
	assert.Empty(t, res.Plan.Secrets)
	assert.Empty(t, res.Plan.PruneCandidates)

	svc, _ := res.Plan.Service("web")
	assert.Empty(t, svc.Secrets)
	assert.NotContains(t, svc.Labels, spec.LabelSecretsFingerprint)
}

func TestNormalizeUnreferencedSecretBecomesPruneCandidate(t *testing.T) {
	st := webappStack()
	st.Secrets["old_secret"] = spec.Secret{ValueFrom: "env:OLD_SECRET"}
	resolver := &fakeResolver{}

	res, err := Normalize(context.Background(), st, resolver)
	require.NoError(t, err)
	assert.Empty(t, resolver.calls, "unreferenced secrets must not be resolved")
	assert.Equal(t, []string{"old_secret"}, res.Plan.PruneCandidates)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "secrets.old_secret", res.Diagnostics[0].Path)

	_, ok := res.Plan.Secret("old_secret")
	assert.False(t, ok)
}

func TestNormalizeValueFromUsesResolver(t *testing.T) {
	st := webappStack()
	st.Secrets["app_secret"] = spec.Secret{ValueFrom: "vault:kv/data/app#password"}
	resolver := &fakeResolver{payloads: map[string][]byte{
		"vault:kv/data/app#password": []byte("fromvault"),
	}}

	res, err := Normalize(context.Background(), st, resolver)
	require.NoError(t, err)
	assert.Equal(t, []string{"vault:kv/data/app#password"}, resolver.calls)

	sec, ok := res.Plan.Secret("app_secret")
	require.True(t, ok)
	assert.Equal(t, []byte("fromvault"), sec.Payload)
	assert.Equal(t, "app_secret_"+util.Fingerprint([]byte("fromvault"))[:8], sec.AddressedName)
}

func TestNormalizeResolverErrorNamesSecret(t *testing.T) {
	st := webappStack()
	st.Secrets["app_secret"] = spec.Secret{ValueFrom: "env:MISSING"}
	resolver := &fakeResolver{err: errors.New("variable not set")}

	_, err := Normalize(context.Background(), st, resolver)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets.app_secret")
	assert.Contains(t, err.Error(), "variable not set")
}

func TestNormalizeOrchestratedDefaults(t *testing.T) {
	st := webappStack()
	st.Mode = spec.ModeOrchestrated
	st.Networks = map[string]spec.Network{"front": {}}

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)

	svc, _ := res.Plan.Service("web")
	require.NotNil(t, svc.Deploy)
	assert.Equal(t, 1, svc.Deploy.Replicas)

	net, ok := res.Plan.Network("front")
	require.True(t, ok)
	assert.Equal(t, "overlay", net.Driver)
	assert.True(t, net.Attachable)
}

func TestNormalizeOrchestratedExplicitDeploy(t *testing.T) {
	st := webappStack()
	st.Mode = spec.ModeOrchestrated
	web := st.Services["web"]
	web.Deploy = &spec.Deploy{
		Replicas:  3,
		Placement: &spec.Placement{Constraints: spec.StringOrList{"node.role == worker"}},
	}
	st.Services["web"] = web

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	svc, _ := res.Plan.Service("web")
	assert.Equal(t, &plan.DeployPlan{
		Replicas:    3,
		Constraints: []string{"node.role == worker"},
	}, svc.Deploy)
}

func TestNormalizeCompositionNetworkDefaults(t *testing.T) {
	st := webappStack()
	st.Networks = map[string]spec.Network{
		"front":  {},
		"shared": {External: true},
	}

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)

	front, _ := res.Plan.Network("front")
	assert.Equal(t, "bridge", front.Driver)
	assert.False(t, front.Attachable)

	shared, _ := res.Plan.Network("shared")
	assert.Empty(t, shared.Driver)
	assert.True(t, shared.External)
}

func TestNormalizeServiceNetworkAttachment(t *testing.T) {
	st := webappStack()
	st.Networks = map[string]spec.Network{"front": {}, "back": {}}
	st.Services["db"] = spec.Service{
		Image:    "postgres:17",
		Networks: []string{"back", "back"},
	}

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)

	web, _ := res.Plan.Service("web")
	assert.Equal(t, []string{"back", "front"}, web.Networks, "no explicit list attaches everything")

	db, _ := res.Plan.Service("db")
	assert.Equal(t, []string{"back"}, db.Networks)
	assert.Empty(t, res.Diagnostics, "front is attached via the default")
}

func TestNormalizeUnusedNetworkDiagnostic(t *testing.T) {
	st := webappStack()
	st.Networks = map[string]spec.Network{"front": {}, "back": {}}
	web := st.Services["web"]
	web.Networks = []string{"front"}
	st.Services["web"] = web

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "networks.back", res.Diagnostics[0].Path)
}

func TestNormalizeSecretsSymbolCompositionOnly(t *testing.T) {
	st := webappStack()
	web := st.Services["web"]
	web.Volumes = []spec.VolumeEntry{{Shorthand: "$_secrets:/run/app/secrets"}}
	st.Services["web"] = web

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	svc, _ := res.Plan.Service("web")
	assert.Equal(t, "/opt/stacks/webapp/secrets", svc.Mounts[0].Source)

	st.Mode = spec.ModeOrchestrated
	_, err = Normalize(context.Background(), st, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$_secrets")
	assert.Contains(t, err.Error(), "composition")
}

func TestNormalizeUnknownDirectorySymbol(t *testing.T) {
	st := webappStack()
	web := st.Services["web"]
	web.Volumes = []spec.VolumeEntry{{Shorthand: "$_cache:/var/cache/app"}}
	st.Services["web"] = web

	_, err := Normalize(context.Background(), st, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"$_cache"`)
	assert.Contains(t, err.Error(), "services.web.volumes[0]")
}

func TestNormalizeExtraDirectorySymbol(t *testing.T) {
	st := webappStack()
	st.Directories = map[string]spec.DirOverride{
		"cache": {Mode: "0750"},
	}
	web := st.Services["web"]
	web.Volumes = []spec.VolumeEntry{{Shorthand: "$_cache/nginx:/var/cache/nginx"}}
	st.Services["web"] = web

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	svc, _ := res.Plan.Service("web")
	assert.Equal(t, "/opt/stacks/webapp/cache/nginx", svc.Mounts[0].Source)
}

func TestNormalizeBaseDirOverride(t *testing.T) {
	st := webappStack()
	st.BaseDir = "/srv/stacks"

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/stacks/webapp", res.Plan.Directories.Stack.Path)
	svc, _ := res.Plan.Service("web")
	assert.Equal(t, "/srv/stacks/webapp/data", svc.Mounts[0].Source)
}

func TestNormalizeSecretRefsDeduped(t *testing.T) {
	st := webappStack()
	web := st.Services["web"]
	web.Secrets = []string{"app_secret", "app_secret"}
	st.Services["web"] = web

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	svc, _ := res.Plan.Service("web")
	assert.Len(t, svc.Secrets, 1)
}

func TestNormalizePortOrdering(t *testing.T) {
	st := webappStack()
	web := st.Services["web"]
	web.Ports = []spec.PortEntry{
		{Shorthand: "9090:90/udp"},
		{Shorthand: "8080:80"},
	}
	st.Services["web"] = web

	res, err := Normalize(context.Background(), st, nil)
	require.NoError(t, err)
	svc, _ := res.Plan.Service("web")
	assert.Equal(t, []plan.Port{
		{Published: 8080, Target: 80, Protocol: "tcp"},
		{Published: 9090, Target: 90, Protocol: "udp"},
	}, svc.Ports)
}
