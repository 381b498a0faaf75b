// Package layout computes the canonical filesystem layout for a stack.
// Resolution is pure: no directory is ever created here.
package layout

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Defaults applied to every directory entry unless overridden.
const (
	DefaultBase       = "/opt/stacks"
	DefaultOwner      = "root"
	DefaultGroup      = "root"
	DefaultDirMode    = fs.FileMode(0o755)
	DefaultSecretMode = fs.FileMode(0o700)
)

// Symbolic directory names usable as volume source prefixes.
const (
	SymbolStack   = "$_stack"
	SymbolConfig  = "$_config"
	SymbolData    = "$_data"
	SymbolSecrets = "$_secrets"
)

// Reserved logical directory names.
const (
	NameBase    = "base"
	NameStack   = "stack"
	NameConfig  = "config"
	NameData    = "data"
	NameSecrets = "secrets"
)

// Dir is one resolved directory entry.
type Dir struct {
	Path  string      `json:"path"`
	Owner string      `json:"owner"`
	Group string      `json:"group"`
	Mode  fs.FileMode `json:"mode"`
}

// Override adjusts a single logical directory, or declares an extra one.
// Zero fields keep their defaults.
type Override struct {
	Path  string
	Owner string
	Group string
	Mode  fs.FileMode
	// ModeSet distinguishes "mode 0" from "mode not given".
	ModeSet bool
}

// Layout is the full resolved directory set for one stack.
type Layout struct {
	Base    Dir            `json:"base"`
	Stack   Dir            `json:"stack"`
	Config  Dir            `json:"config"`
	Data    Dir            `json:"data"`
	Secrets Dir            `json:"secrets"`
	Extra   map[string]Dir `json:"extra,omitempty"`
}

// Resolve computes the layout for stackName. baseOverride replaces the
// global base when non-empty. overrides are keyed by logical name: the
// reserved names adjust the fixed entries, anything else declares an
// extra directory (relative paths are joined under the stack directory).
func Resolve(stackName, baseOverride string, overrides map[string]Override) (Layout, error) {
	if stackName == "" {
		return Layout{}, fmt.Errorf("layout: empty stack name")
	}
	if strings.ContainsAny(stackName, "/\x00") {
		return Layout{}, fmt.Errorf("layout: stack name %q is not filesystem-safe", stackName)
	}

	base := DefaultBase
	if baseOverride != "" {
		base = path.Clean(baseOverride)
	}

	lay := Layout{Base: defaultDir(base), Extra: map[string]Dir{}}
	if ov, ok := overrides[NameBase]; ok {
		applyOverride(&lay.Base, ov)
	}

	lay.Stack = defaultDir(path.Join(lay.Base.Path, stackName))
	if ov, ok := overrides[NameStack]; ok {
		applyOverride(&lay.Stack, ov)
	}

	stack := lay.Stack.Path
	lay.Config = defaultDir(path.Join(stack, NameConfig))
	lay.Data = defaultDir(path.Join(stack, NameData))
	lay.Secrets = defaultDir(path.Join(stack, NameSecrets))
	lay.Secrets.Mode = DefaultSecretMode

	if ov, ok := overrides[NameConfig]; ok {
		applyOverride(&lay.Config, ov)
	}
	if ov, ok := overrides[NameData]; ok {
		applyOverride(&lay.Data, ov)
	}
	if ov, ok := overrides[NameSecrets]; ok {
		applyOverride(&lay.Secrets, ov)
	}

	for name, ov := range overrides {
		switch name {
		case NameBase, NameStack, NameConfig, NameData, NameSecrets:
			continue
		}
		if name == "" {
			return Layout{}, fmt.Errorf("layout: empty extra directory name")
		}
		p := ov.Path
		if p == "" {
			p = name
		}
		if !path.IsAbs(p) {
			p = path.Join(stack, p)
		}
		d := defaultDir(path.Clean(p))
		applyOverride(&d, Override{Owner: ov.Owner, Group: ov.Group, Mode: ov.Mode, ModeSet: ov.ModeSet})
		lay.Extra[name] = d
	}
	return lay, nil
}

// Lookup maps a symbolic name ($_stack, $_config, $_data, $_secrets, or
// $_<extra>) to its resolved directory.
func (l Layout) Lookup(symbol string) (Dir, bool) {
	switch symbol {
	case SymbolStack:
		return l.Stack, true
	case SymbolConfig:
		return l.Config, true
	case SymbolData:
		return l.Data, true
	case SymbolSecrets:
		return l.Secrets, true
	}
	name, ok := strings.CutPrefix(symbol, "$_")
	if !ok {
		return Dir{}, false
	}
	d, ok := l.Extra[name]
	return d, ok
}

// All returns every directory entry keyed by logical name.
func (l Layout) All() map[string]Dir {
	out := map[string]Dir{
		NameBase:    l.Base,
		NameStack:   l.Stack,
		NameConfig:  l.Config,
		NameData:    l.Data,
		NameSecrets: l.Secrets,
	}
	for name, d := range l.Extra {
		out[name] = d
	}
	return out
}

func defaultDir(p string) Dir {
	return Dir{Path: p, Owner: DefaultOwner, Group: DefaultGroup, Mode: DefaultDirMode}
}

func applyOverride(d *Dir, ov Override) {
	if ov.Path != "" {
		d.Path = path.Clean(ov.Path)
	}
	if ov.Owner != "" {
		d.Owner = ov.Owner
	}
	if ov.Group != "" {
		d.Group = ov.Group
	}
	if ov.ModeSet {
		d.Mode = ov.Mode
	}
}
