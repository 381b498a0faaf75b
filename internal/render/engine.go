// Package render turns canonical plans into artifacts: the compose
// document a composition backend deploys, and user-supplied templates
// expanded against the plan.
package render

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/dockhand/dockhand/internal/plan"
)

type Options struct{}

// Engine renders text templates with the sprig function set plus the
// plan-aware functions from FuncsFor.
type Engine struct {
	funcs template.FuncMap
}

func NewEngine(_ Options) *Engine {
	return &Engine{funcs: sprig.TxtFuncMap()}
}

// WithFuncs returns a copy of the engine with extra functions merged in.
func (e *Engine) WithFuncs(extra template.FuncMap) *Engine {
	fm := make(template.FuncMap, len(e.funcs)+len(extra))
	for k, v := range e.funcs {
		fm[k] = v
	}
	for k, v := range extra {
		fm[k] = v
	}
	return &Engine{funcs: fm}
}

func (e *Engine) RenderString(name, tpl string, data map[string]any) (string, error) {
	t, err := template.New(name).Funcs(e.funcs).Option("missingkey=error").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *Engine) RenderFile(path string, data map[string]any) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := e.RenderString(path, string(b), data)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// FuncsFor exposes plan facts to templates. Secret material is never
// reachable from here; only names and paths are.
func FuncsFor(pl *plan.Plan) template.FuncMap {
	return template.FuncMap{
		// secretPath returns the in-container path of a referenced secret.
		"secretPath": func(name string) (string, error) {
			if _, ok := pl.Secret(name); !ok {
				return "", fmt.Errorf("secretPath: stack %s references no secret %q", pl.Stack, name)
			}
			return "/run/secrets/" + name, nil
		},
		// secretFile returns the host-side materialized secret file.
		"secretFile": func(name string) (string, error) {
			s, ok := pl.Secret(name)
			if !ok {
				return "", fmt.Errorf("secretFile: stack %s references no secret %q", pl.Stack, name)
			}
			return pl.Directories.Secrets.Path + "/" + s.AddressedName, nil
		},
		// networkName returns the engine-side name of a declared network.
		"networkName": func(name string) (string, error) {
			n, ok := pl.Network(name)
			if !ok {
				return "", fmt.Errorf("networkName: stack %s declares no network %q", pl.Stack, name)
			}
			if n.External {
				return n.Name, nil
			}
			return pl.ScopedNetworkName(name), nil
		},
		"stackDir":   func() string { return pl.Directories.Stack.Path },
		"configDir":  func() string { return pl.Directories.Config.Path },
		"dataDir":    func() string { return pl.Directories.Data.Path },
		"secretsDir": func() string { return pl.Directories.Secrets.Path },
	}
}

// Context is the data map user templates render against.
func Context(pl *plan.Plan) map[string]any {
	return map[string]any{
		"stack": pl.Stack,
		"mode":  string(pl.Mode),
		"state": string(pl.State),
		"plan":  pl,
	}
}
