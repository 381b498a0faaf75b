package secretsource

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openbao/openbao/api/auth/approle/v2"
	bao "github.com/openbao/openbao/api/v2"
)

// Env hooks for OpenBao AppRole authentication, same contract as the
// vault pair.
const (
	EnvBaoRoleIDFile          = "DOCKHAND_BAO_ROLE_ID_FILE"
	EnvBaoWrappedSecretIDFile = "DOCKHAND_BAO_WRAPPED_SECRET_ID_FILE"
)

// BaoSource reads secrets from OpenBao KV. The wire protocol matches
// vault, but the dedicated client honors BAO_* environment settings and
// ships its own AppRole helper with wrapped secret-id support.
type BaoSource struct {
	mu     sync.Mutex
	client *bao.Client
}

// Resolve mirrors VaultSource.Resolve: KV v2 first, then a raw logical
// read, with "mount/path#field" selection.
func (s *BaoSource) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("bao: empty path")
	}
	cli, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	basePath, field := splitField(ref)
	if b, err := baoReadKVv2(ctx, cli, basePath, field); err == nil {
		return b, nil
	}
	sec, err := cli.Logical().ReadWithContext(ctx, basePath)
	if err != nil {
		return nil, err
	}
	if sec == nil || sec.Data == nil {
		return nil, fmt.Errorf("bao: no data at %s", basePath)
	}
	return pickField(sec.Data, field)
}

func (s *BaoSource) connect(ctx context.Context) (*bao.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	cfg := bao.DefaultConfig() // honors BAO_* and VAULT_* env vars
	if cfg.Error != nil {
		return nil, fmt.Errorf("bao: config: %w", cfg.Error)
	}
	cli, err := bao.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("bao: new client: %w", err)
	}
	if cli.Token() == "" {
		if err := baoApproleLogin(ctx, cli); err != nil {
			return nil, err
		}
	}
	s.client = cli
	return cli, nil
}

// baoApproleLogin authenticates via bao's AppRole helper when both
// credential files are configured. The secret-id file holds a
// response-wrapped token; WithWrappingToken makes the helper unwrap it.
func baoApproleLogin(ctx context.Context, cli *bao.Client) error {
	roleFile := os.Getenv(EnvBaoRoleIDFile)
	wrappedFile := os.Getenv(EnvBaoWrappedSecretIDFile)
	if roleFile == "" || wrappedFile == "" {
		return nil
	}
	roleID, err := os.ReadFile(roleFile)
	if err != nil {
		return fmt.Errorf("bao: read role id: %w", err)
	}
	auth, err := approle.NewAppRoleAuth(strings.TrimSpace(string(roleID)), &approle.SecretID{
		FromFile: wrappedFile,
	}, approle.WithWrappingToken())
	if err != nil {
		return fmt.Errorf("bao: approle auth: %w", err)
	}
	sec, err := cli.Auth().Login(ctx, auth)
	if err != nil {
		return fmt.Errorf("bao: approle login: %w", err)
	}
	if sec == nil || sec.Auth == nil || sec.Auth.ClientToken == "" {
		return fmt.Errorf("bao: approle login: empty auth token")
	}
	return nil
}

func baoReadKVv2(ctx context.Context, cli *bao.Client, basePath, field string) ([]byte, error) {
	kvPath := toKVv2Path(basePath)
	sec, err := cli.Logical().ReadWithContext(ctx, kvPath)
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
