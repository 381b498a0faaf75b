package dockerx

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH runs commands on a remote host over one shared connection.
type SSH struct {
	client *ssh.Client
}

// Target is a parsed ssh host reference.
type Target struct {
	User string
	Host string
	Port string
}

// ParseTarget splits "ssh://user@host:port" or "user@host" and fills
// the gaps from ssh_config and defaults.
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimPrefix(raw, "ssh://")
	if s == "" {
		return Target{}, fmt.Errorf("ssh target %q: empty host", raw)
	}
	t := Target{}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		t.User = s[:at]
		s = s[at+1:]
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		t.Host, t.Port = host, port
	} else {
		t.Host = s
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("ssh target %q: empty host", raw)
	}

	// ssh_config fills aliases and omitted fields.
	if hn := sshconfig.Get(t.Host, "HostName"); hn != "" {
		t.Host = hn
	}
	if t.User == "" {
		t.User = sshconfig.Get(t.Host, "User")
	}
	if t.User == "" {
		t.User = os.Getenv("USER")
	}
	if t.Port == "" {
		t.Port = sshconfig.Get(t.Host, "Port")
	}
	if t.Port == "" {
		t.Port = "22"
	}
	return t, nil
}

// DialSSH opens a connection to the target. Authentication prefers the
// ssh agent, then identity files; host keys verify against known_hosts.
func DialSSH(raw string) (*SSH, error) {
	t, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}

	var auths []ssh.AuthMethod
	if agentClient, _, err := sshagent.New(); err == nil {
		auths = append(auths, ssh.PublicKeysCallback(agentClient.Signers))
	}
	if signer, err := identitySigner(t.Host); err == nil && signer != nil {
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("ssh %s: no agent and no usable identity file", t.Host)
	}

	hostKeys, err := knownhosts.New(filepath.Join(homeSSH(), "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("ssh %s: known_hosts: %w", t.Host, err)
	}

	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auths,
		HostKeyCallback: hostKeys,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(t.Host, t.Port), cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", t.Host, err)
	}
	return &SSH{client: client}, nil
}

func (s *SSH) Run(ctx context.Context, name string, args []string, stdin io.Reader) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.Stdin = stdin
	sess.Stdout = os.Stdout
	sess.Stderr = os.Stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(shellJoin(name, args)) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func (s *SSH) Output(ctx context.Context, name string, args []string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.Output(shellJoin(name, args))
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", name, r.err)
		}
		return r.out, nil
	}
}

// Close tears down the shared connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

func identitySigner(host string) (ssh.Signer, error) {
	path := sshconfig.Get(host, "IdentityFile")
	// ssh_config reports "~/.ssh/identity" when nothing is configured.
	if path == "" || path == "~/.ssh/identity" {
		path = filepath.Join(homeSSH(), "id_ed25519")
	}
	path = expandHome(path)
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func homeSSH() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return filepath.Join(home, ".ssh")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
