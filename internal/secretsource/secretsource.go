// Package secretsource resolves value_from references to secret bytes.
// References are "scheme:rest" strings; each scheme maps to a Source.
package secretsource

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Known reference schemes.
const (
	SchemeVault = "vault"
	SchemeBao   = "bao"
	SchemeEnv   = "env"
	SchemeFile  = "file"
)

// Source fetches the payload for one scheme-local reference.
type Source interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// Resolver dispatches full value_from references to registered sources.
type Resolver struct {
	sources map[string]Source
}

// NewResolver returns a resolver with the built-in schemes registered.
// The vault and bao sources connect lazily, so stacks without such
// references never touch them.
func NewResolver() *Resolver {
	r := &Resolver{sources: map[string]Source{}}
	r.Register(SchemeEnv, EnvSource{})
	r.Register(SchemeFile, FileSource{})
	r.Register(SchemeVault, &VaultSource{})
	r.Register(SchemeBao, &BaoSource{})
	return r
}

// Register adds or replaces the source for a scheme.
func (r *Resolver) Register(scheme string, src Source) {
	r.sources[scheme] = src
}

// Resolve splits the reference into scheme and rest and delegates.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || rest == "" {
		return nil, fmt.Errorf("secret reference %q: expected scheme:reference", ref)
	}
	src, ok := r.sources[scheme]
	if !ok {
		return nil, fmt.Errorf("secret reference %q: unknown scheme %q", ref, scheme)
	}
	b, err := src.Resolve(ctx, rest)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	return b, nil
}

// EnvSource reads secrets from process environment variables. An unset
// variable is an error; an empty value is a valid empty payload.
type EnvSource struct{}

func (EnvSource) Resolve(_ context.Context, ref string) ([]byte, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return nil, fmt.Errorf("environment variable %q is not set", ref)
	}
	return []byte(v), nil
}

// FileSource reads secrets from local files, bytes untouched.
type FileSource struct{}

func (FileSource) Resolve(_ context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref)
}

// Static resolves full references from a fixed table. Test double.
type Static map[string][]byte

func (s Static) Resolve(_ context.Context, ref string) ([]byte, error) {
	if b, ok := s[ref]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no secret for reference %q", ref)
}
