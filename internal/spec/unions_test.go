package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPortEntryDecodeShorthand(t *testing.T) {
	var s Service
	require.NoError(t, yaml.Unmarshal([]byte("ports:\n  - \"8080:80/tcp\"\n  - 9090:90\n"), &s))
	require.Len(t, s.Ports, 2)
	assert.Equal(t, "8080:80/tcp", s.Ports[0].Shorthand)
	assert.Equal(t, "9090:90", s.Ports[1].Shorthand)
}

func TestPortEntryDecodeStructured(t *testing.T) {
	var s Service
	require.NoError(t, yaml.Unmarshal([]byte("ports:\n  - published: 8080\n    target: 80\n    protocol: udp\n"), &s))
	require.Len(t, s.Ports, 1)
	p := s.Ports[0]
	assert.Empty(t, p.Shorthand)
	assert.Equal(t, 8080, p.Published)
	assert.Equal(t, 80, p.Target)
	assert.Equal(t, "udp", p.Protocol)
}

func TestPortCanonical(t *testing.T) {
	tests := []struct {
		name      string
		entry     PortEntry
		published int
		target    int
		protocol  string
		wantErr   string
	}{
		{name: "shorthand with protocol", entry: PortEntry{Shorthand: "8080:80/tcp"}, published: 8080, target: 80, protocol: "tcp"},
		{name: "shorthand default protocol", entry: PortEntry{Shorthand: "8080:80"}, published: 8080, target: 80, protocol: "tcp"},
		{name: "shorthand udp", entry: PortEntry{Shorthand: "514:514/udp"}, published: 514, target: 514, protocol: "udp"},
		{name: "structured default protocol", entry: PortEntry{Published: 443, Target: 8443}, published: 443, target: 8443, protocol: "tcp"},
		{name: "missing published", entry: PortEntry{Shorthand: "80"}, wantErr: "expected published:target"},
		{name: "host ip rejected", entry: PortEntry{Shorthand: "127.0.0.1:8080:80"}, wantErr: "host IP"},
		{name: "range rejected", entry: PortEntry{Shorthand: "8080-8081:80-81"}, wantErr: "ranges are not supported"},
		{name: "bad protocol structured", entry: PortEntry{Published: 1, Target: 2, Protocol: "icmp"}, wantErr: "expected tcp or udp"},
		{name: "target out of range", entry: PortEntry{Published: 80, Target: 70000}, wantErr: "outside 1-65535"},
		{name: "zero published", entry: PortEntry{Published: 0, Target: 80}, wantErr: "outside 1-65535"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, tgt, proto, err := tt.entry.Canonical()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.published, pub)
			assert.Equal(t, tt.target, tgt)
			assert.Equal(t, tt.protocol, proto)
		})
	}
}

func TestVolumeEntryDecode(t *testing.T) {
	var s Service
	doc := `
volumes:
  - "$_data:/var/lib/app"
  - source: /etc/app
    target: /config
    read_only: true
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &s))
	require.Len(t, s.Volumes, 2)
	assert.Equal(t, "$_data:/var/lib/app", s.Volumes[0].Shorthand)
	assert.Equal(t, "/etc/app", s.Volumes[1].Source)
	assert.Equal(t, "/config", s.Volumes[1].Target)
	assert.True(t, s.Volumes[1].ReadOnly)
}

func TestVolumeCanonical(t *testing.T) {
	src, tgt, ro, err := VolumeEntry{Shorthand: "/a:/b:ro"}.Canonical()
	require.NoError(t, err)
	assert.Equal(t, "/a", src)
	assert.Equal(t, "/b", tgt)
	assert.True(t, ro)

	src, tgt, ro, err = VolumeEntry{Shorthand: "$_data:/var/lib/app"}.Canonical()
	require.NoError(t, err)
	assert.Equal(t, "$_data", src)
	assert.Equal(t, "/var/lib/app", tgt)
	assert.False(t, ro)

	_, _, _, err = VolumeEntry{Shorthand: "/a:/b:rx"}.Canonical()
	assert.ErrorContains(t, err, "expected ro or rw")

	_, _, _, err = VolumeEntry{Shorthand: "/only-source"}.Canonical()
	assert.ErrorContains(t, err, "expected source:target")

	_, _, _, err = VolumeEntry{Source: "/a"}.Canonical()
	assert.ErrorContains(t, err, "required")
}

func TestCommandUnion(t *testing.T) {
	var s Service
	require.NoError(t, yaml.Unmarshal([]byte(`command: nginx -g "daemon off;"`), &s))
	assert.Equal(t, Command{"nginx", "-g", "daemon off;"}, s.Command)

	s = Service{}
	require.NoError(t, yaml.Unmarshal([]byte("command: [nginx, -g, daemon off;]"), &s))
	assert.Equal(t, Command{"nginx", "-g", "daemon off;"}, s.Command)
}

func TestEnvironmentUnion(t *testing.T) {
	var s Service
	require.NoError(t, yaml.Unmarshal([]byte("environment:\n  PORT: 8080\n  DEBUG: true\n  NAME: app\n"), &s))
	assert.Equal(t, Environment{"PORT": "8080", "DEBUG": "true", "NAME": "app"}, s.Environment)

	s = Service{}
	require.NoError(t, yaml.Unmarshal([]byte("environment:\n  - PORT=8080\n  - EMPTY=\n  - BARE\n"), &s))
	assert.Equal(t, Environment{"PORT": "8080", "EMPTY": "", "BARE": ""}, s.Environment)
}

func TestStringOrList(t *testing.T) {
	var d Deploy
	require.NoError(t, yaml.Unmarshal([]byte("placement:\n  constraints: node.role==worker\n"), &d))
	require.NotNil(t, d.Placement)
	assert.Equal(t, StringOrList{"node.role==worker"}, d.Placement.Constraints)

	d = Deploy{}
	require.NoError(t, yaml.Unmarshal([]byte("placement:\n  constraints: [a, b]\n"), &d))
	assert.Equal(t, StringOrList{"a", "b"}, d.Placement.Constraints)
}

func TestModeString(t *testing.T) {
	m, err := ModeString("0750").FileMode()
	require.NoError(t, err)
	assert.Equal(t, uint32(0o750), uint32(m))

	m, err = ModeString("750").FileMode()
	require.NoError(t, err)
	assert.Equal(t, uint32(0o750), uint32(m), "bare literals read as octal")

	_, err = ModeString("rwxr-x").FileMode()
	assert.ErrorContains(t, err, "octal")

	_, err = ModeString("77777").FileMode()
	assert.ErrorContains(t, err, "range")
}

func TestLayoutOverrideConversion(t *testing.T) {
	ov, err := DirOverride{Path: "/x", Owner: "app", Mode: "0700"}.LayoutOverride()
	require.NoError(t, err)
	assert.Equal(t, "/x", ov.Path)
	assert.Equal(t, "app", ov.Owner)
	assert.True(t, ov.ModeSet)
	assert.Equal(t, uint32(0o700), uint32(ov.Mode))

	ov, err = DirOverride{Owner: "app"}.LayoutOverride()
	require.NoError(t, err)
	assert.False(t, ov.ModeSet)

	_, err = DirOverride{Mode: "nope"}.LayoutOverride()
	assert.Error(t, err)
}
