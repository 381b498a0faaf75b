package secretsource

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	vapi "github.com/hashicorp/vault/api"
)

// Env hooks for AppRole authentication. Both files must be set to opt
// in: one holds the role id, the other a response-wrapped secret id as
// delivered by trusted orchestration.
const (
	EnvVaultRoleIDFile          = "DOCKHAND_VAULT_ROLE_ID_FILE"
	EnvVaultWrappedSecretIDFile = "DOCKHAND_VAULT_WRAPPED_SECRET_ID_FILE"
)

// VaultSource reads secrets from Vault KV. Connection settings come
// from the ambient environment (VAULT_ADDR, VAULT_TOKEN and friends),
// and the client is built on first use. Without an ambient token the
// source falls back to AppRole when the env points at credential files.
type VaultSource struct {
	mu     sync.Mutex
	client *vapi.Client
}

// Resolve loads a secret from KV v2, or best-effort generic read, and
// returns a single field. The reference may be "mount/path#field"; with
// no field it tries "value", then a sole field if only one exists.
func (s *VaultSource) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("vault: empty path")
	}
	cli, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	basePath, field := splitField(ref)
	if b, err := readKVv2(ctx, cli, basePath, field); err == nil {
		return b, nil
	}
	sec, err := cli.Logical().ReadWithContext(ctx, basePath)
	if err != nil {
		return nil, err
	}
	if sec == nil || sec.Data == nil {
		return nil, fmt.Errorf("vault: no data at %s", basePath)
	}
	return pickField(sec.Data, field)
}

func (s *VaultSource) connect(ctx context.Context) (*vapi.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	cfg := vapi.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("vault: config: %w", cfg.Error)
	}
	cli, err := vapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: new client: %w", err)
	}
	if cli.Token() == "" {
		if err := approleLogin(ctx, cli); err != nil {
			return nil, err
		}
	}
	s.client = cli
	return cli, nil
}

// approleLogin authenticates via AppRole when both credential files are
// configured. A missing pair is not an error here; reads simply fail
// later with vault's own permission error. No renewer is started: a run
// is one-shot and the login TTL outlives it.
func approleLogin(ctx context.Context, cli *vapi.Client) error {
	roleFile := os.Getenv(EnvVaultRoleIDFile)
	wrappedFile := os.Getenv(EnvVaultWrappedSecretIDFile)
	if roleFile == "" || wrappedFile == "" {
		return nil
	}
	roleID, err := os.ReadFile(roleFile)
	if err != nil {
		return fmt.Errorf("vault: read role id: %w", err)
	}
	wrapped, err := os.ReadFile(wrappedFile)
	if err != nil {
		return fmt.Errorf("vault: read wrapped secret id: %w", err)
	}
	secretID, err := unwrapSecretID(ctx, cli, strings.TrimSpace(string(wrapped)))
	if err != nil {
		return err
	}
	sec, err := cli.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
		"role_id":   strings.TrimSpace(string(roleID)),
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("vault: approle login: %w", err)
	}
	if sec == nil || sec.Auth == nil || sec.Auth.ClientToken == "" {
		return fmt.Errorf("vault: approle login: empty auth token")
	}
	cli.SetToken(sec.Auth.ClientToken)
	return nil
}

// unwrapSecretID trades a response-wrapped token for the secret id
// inside it. The wrapped token authenticates the unwrap call itself.
func unwrapSecretID(ctx context.Context, cli *vapi.Client, wrapped string) (string, error) {
	orig := cli.Token()
	cli.SetToken(wrapped)
	defer cli.SetToken(orig)

	sec, err := cli.Logical().UnwrapWithContext(ctx, "")
	if err != nil {
		return "", fmt.Errorf("vault: unwrap: %w", err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("vault: unwrap: empty response")
	}
	if v, ok := sec.Data["secret_id"].(string); ok && v != "" {
		return v, nil
	}
	// Some wrapping setups deliver the id under a custom key.
	for _, val := range sec.Data {
		if s, ok := val.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("vault: unwrap: secret_id not found")
}

func splitField(s string) (string, string) {
	parts := strings.SplitN(s, "#", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return s, ""
}

func readKVv2(ctx context.Context, client *vapi.Client, basePath, field string) ([]byte, error) {
	kvPath := toKVv2Path(basePath)
	sec, err := client.Logical().ReadWithContext(ctx, kvPath)
	if err != nil {
		return nil, err
	}
	if sec == nil || sec.Data == nil {
		return nil, fmt.Errorf("no data")
	}
	// KV v2 shape: data.data
	rawData, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("not kvv2")
	}
	return pickField(rawData, field)
}

func toKVv2Path(base string) string {
	// heuristic: insert /data/ after first path element (mount name)
	base = strings.TrimLeft(base, "/")
	parts := strings.SplitN(base, "/", 2)
	if len(parts) == 1 {
		return parts[0] + "/data"
	}
	return parts[0] + "/data/" + parts[1]
}

func pickField(m map[string]interface{}, field string) ([]byte, error) {
	if field != "" {
		if v, ok := m[field]; ok {
			if s, ok := v.(string); ok {
				return []byte(s), nil
			}
			return nil, fmt.Errorf("field %q exists but is not a string", field)
		}
		return nil, fmt.Errorf("field %q not found", field)
	}
	// prefer "value"
	if v, ok := m["value"]; ok {
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	}
	// if only one key, return it
	if len(m) == 1 {
		for _, v := range m {
			if s, ok := v.(string); ok {
				return []byte(s), nil
			}
		}
	}
	return nil, fmt.Errorf("could not choose a value; specify #field in the path")
}
