package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/layout"
	"github.com/dockhand/dockhand/internal/spec"
)

func samplePlan() *Plan {
	lay, _ := layout.Resolve("webapp", "", nil)
	return &Plan{
		Stack:       "webapp",
		Mode:        spec.ModeComposition,
		State:       spec.StatePresent,
		Directories: lay,
		Services: []ServicePlan{
			{
				Name:  "web",
				Image: "nginx:1.27",
				Env: map[string]string{
					"LOG_LEVEL": "info",
					"APP_PORT":  "80",
				},
				Ports:  []Port{{Published: 8080, Target: 80, Protocol: "tcp"}},
				Mounts: []Mount{{Source: "/opt/stacks/webapp/data", Target: "/var/lib/app"}},
				Secrets: []SecretRef{
					{Name: "app_secret", AddressedName: "app_secret_f75778f7"},
				},
				Networks: []string{"front"},
				Restart:  "always",
			},
		},
		Secrets: []SecretPlan{
			{
				Name:          "app_secret",
				AddressedName: "app_secret_f75778f7",
				Hash:          "f75778f7425be4db0369d09af37a6c2b9a83dea0e53e7bd57412e4b060e607f7",
				Payload:       []byte("supersecret"),
			},
		},
		Networks: []NetworkPlan{{Name: "front", Driver: "bridge"}},
	}
}

func TestEncodeDeterministic(t *testing.T) {
	a, err := samplePlan().Encode()
	require.NoError(t, err)
	b, err := samplePlan().Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeNeverLeaksPayload(t *testing.T) {
	raw, err := samplePlan().Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "supersecret")
	assert.Contains(t, string(raw), "app_secret_f75778f7")
}

func TestEncodeIndependentOfMapInsertionOrder(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	b.Services[0].Env = map[string]string{
		"APP_PORT":  "80",
		"LOG_LEVEL": "info",
	}
	rawA, err := a.Encode()
	require.NoError(t, err)
	rawB, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)
}

func TestChecksumShape(t *testing.T) {
	sum, err := samplePlan().Checksum()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sum, "sha256:"))
	assert.Len(t, strings.TrimPrefix(sum, "sha256:"), 64)

	again, err := samplePlan().Checksum()
	require.NoError(t, err)
	assert.Equal(t, sum, again)
}

func TestChecksumChangesWithContent(t *testing.T) {
	p := samplePlan()
	base, err := p.Checksum()
	require.NoError(t, err)

	p.Services[0].Image = "nginx:1.28"
	changed, err := p.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestLookups(t *testing.T) {
	p := samplePlan()

	svc, ok := p.Service("web")
	require.True(t, ok)
	assert.Equal(t, "nginx:1.27", svc.Image)
	_, ok = p.Service("db")
	assert.False(t, ok)

	sec, ok := p.Secret("app_secret")
	require.True(t, ok)
	assert.Equal(t, "app_secret_f75778f7", sec.AddressedName)

	net, ok := p.Network("front")
	require.True(t, ok)
	assert.Equal(t, "bridge", net.Driver)
}

func TestAddressedSecretNamesSorted(t *testing.T) {
	p := samplePlan()
	p.Secrets = append(p.Secrets, SecretPlan{
		Name:          "app2",
		AddressedName: "app2_00000000",
	})
	// Addressed names sort differently from declared names because '_'
	// ranks above digits.
	assert.Equal(t, []string{"app2_00000000", "app_secret_f75778f7"}, p.AddressedSecretNames())
}
