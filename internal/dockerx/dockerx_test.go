package dockerx

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOutput(t *testing.T) {
	out, err := Local{}.Output(context.Background(), "sh", []string{"-c", "printf hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestLocalOutputFailureCarriesStderr(t *testing.T) {
	_, err := Local{}.Output(context.Background(), "sh", []string{"-c", "echo broken >&2; exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLocalRunStdin(t *testing.T) {
	dir := t.TempDir()
	err := Local{}.Run(context.Background(), "sh",
		[]string{"-c", "cat > " + dir + "/out"}, strings.NewReader("payload"))
	require.NoError(t, err)

	out, err := Local{}.Output(context.Background(), "cat", []string{dir + "/out"})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))
}

func TestShellJoinQuoting(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"docker", []string{"compose", "up", "-d"}, "docker compose up -d"},
		{"sh", []string{"-c", "cat > /tmp/x"}, `sh -c 'cat > /tmp/x'`},
		{"echo", []string{"it's"}, `echo 'it'\''s'`},
		{"echo", []string{""}, "echo ''"},
		{"install", []string{"-m", "0600", "/dev/stdin", "/opt/stacks/webapp/secrets/app_secret_f75778f7"}, "install -m 0600 /dev/stdin /opt/stacks/webapp/secrets/app_secret_f75778f7"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, shellJoin(tc.name, tc.args))
	}
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("ssh://deploy@node1.example.com:2222")
	require.NoError(t, err)
	assert.Equal(t, "deploy", tgt.User)
	assert.Equal(t, "node1.example.com", tgt.Host)
	assert.Equal(t, "2222", tgt.Port)

	tgt, err = ParseTarget("deploy@node1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "deploy", tgt.User)
	assert.Equal(t, "node1.example.com", tgt.Host)
	assert.Equal(t, "22", tgt.Port)

	_, err = ParseTarget("ssh://")
	assert.Error(t, err)
}

func TestRunnerForLocal(t *testing.T) {
	r, closeFn, err := RunnerFor("")
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, Local{}, r)

	r, closeFn, err = RunnerFor("unix:///var/run/docker.sock")
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, Local{}, r)
}
