// Package normalize turns a validated stack into its canonical plan.
// Every shorthand is expanded, every default applied and every secret
// resolved and content-addressed, so two runs over unchanged inputs
// produce byte-identical plans.
package normalize

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dockhand/dockhand/internal/layout"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/secretaddr"
	"github.com/dockhand/dockhand/internal/spec"
)

// PayloadResolver fetches secret material for value_from references.
type PayloadResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// Diagnostic is a non-fatal finding surfaced alongside the plan.
type Diagnostic struct {
	Path    string
	Message string
}

func (d Diagnostic) String() string {
	return d.Path + ": " + d.Message
}

// Result pairs the canonical plan with its diagnostics.
type Result struct {
	Plan        *plan.Plan
	Diagnostics []Diagnostic
}

// Normalize computes the canonical plan for a validated stack. Absent
// stacks skip secret resolution entirely: teardown never needs secret
// material, and a vanished source must not block removal.
func Normalize(ctx context.Context, st *spec.Stack, resolver PayloadResolver) (*Result, error) {
	lay, err := resolveLayout(st)
	if err != nil {
		return nil, err
	}

	pl := &plan.Plan{
		Stack:       st.Name,
		Mode:        st.Mode,
		State:       st.State,
		AllowPrune:  st.AllowPrune,
		Directories: lay,
	}
	res := &Result{Plan: pl}

	referenced := referencedSecrets(st)

	if st.State == spec.StatePresent {
		secrets, err := resolveSecrets(ctx, st, referenced, resolver)
		if err != nil {
			return nil, err
		}
		pl.Secrets = secrets
		pl.PruneCandidates = unreferencedSecrets(st, referenced, res)
	}

	addressed := map[string]string{}
	for _, s := range pl.Secrets {
		addressed[s.Name] = s.AddressedName
	}

	for _, name := range st.ServiceNames() {
		svc, err := normalizeService(st, name, lay, addressed)
		if err != nil {
			return nil, err
		}
		pl.Services = append(pl.Services, svc)
	}

	pl.Networks = normalizeNetworks(st, res)

	return res, nil
}

func resolveLayout(st *spec.Stack) (layout.Layout, error) {
	overrides := map[string]layout.Override{}
	for name, d := range st.Directories {
		ov, err := d.LayoutOverride()
		if err != nil {
			return layout.Layout{}, fmt.Errorf("directories.%s: %w", name, err)
		}
		overrides[name] = ov
	}
	return layout.Resolve(st.Name, st.BaseDir, overrides)
}

// referencedSecrets returns the set of declared secret names referenced
// by at least one service.
func referencedSecrets(st *spec.Stack) map[string]struct{} {
	out := map[string]struct{}{}
	for _, svc := range st.Services {
		for _, ref := range svc.Secrets {
			out[ref] = struct{}{}
		}
	}
	return out
}

// resolveSecrets fetches and content-addresses every referenced secret.
// Unreferenced declarations stay untouched: nothing consumes them, so
// their sources are never contacted.
func resolveSecrets(ctx context.Context, st *spec.Stack, referenced map[string]struct{}, resolver PayloadResolver) ([]plan.SecretPlan, error) {
	var out []plan.SecretPlan
	for _, name := range st.SecretNames() {
		if _, ok := referenced[name]; !ok {
			continue
		}
		decl := st.Secrets[name]
		var payload []byte
		switch {
		case decl.Value != "":
			payload = []byte(decl.Value)
		case decl.ValueFrom != "":
			if resolver == nil {
				return nil, fmt.Errorf("secrets.%s: no resolver for value_from reference", name)
			}
			p, err := resolver.Resolve(ctx, decl.ValueFrom)
			if err != nil {
				return nil, fmt.Errorf("secrets.%s: %w", name, err)
			}
			payload = p
		default:
			return nil, fmt.Errorf("secrets.%s: secret has no source", name)
		}
		addr := secretaddr.For(name, payload)
		out = append(out, plan.SecretPlan{
			Name:          name,
			AddressedName: addr.AddressedName,
			Hash:          addr.Hash,
			Payload:       payload,
		})
	}
	return out, nil
}

func unreferencedSecrets(st *spec.Stack, referenced map[string]struct{}, res *Result) []string {
	var out []string
	for _, name := range st.SecretNames() {
		if _, ok := referenced[name]; ok {
			continue
		}
		out = append(out, name)
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Path:    "secrets." + name,
			Message: "declared but referenced by no service",
		})
	}
	return out
}

func normalizeService(st *spec.Stack, name string, lay layout.Layout, addressed map[string]string) (plan.ServicePlan, error) {
	svc := st.Services[name]
	out := plan.ServicePlan{
		Name:    name,
		Image:   svc.Image,
		Command: slices.Clone(svc.Command),
		Restart: svc.Restart,
	}

	for i, entry := range svc.Ports {
		published, target, proto, err := entry.Canonical()
		if err != nil {
			return plan.ServicePlan{}, fmt.Errorf("services.%s.ports[%d]: %w", name, i, err)
		}
		out.Ports = append(out.Ports, plan.Port{Published: published, Target: target, Protocol: proto})
	}
	slices.SortFunc(out.Ports, comparePorts)

	for i, entry := range svc.Volumes {
		source, target, readOnly, err := entry.Canonical()
		if err != nil {
			return plan.ServicePlan{}, fmt.Errorf("services.%s.volumes[%d]: %w", name, i, err)
		}
		expanded, err := expandSymbol(lay, st.Mode, source)
		if err != nil {
			return plan.ServicePlan{}, fmt.Errorf("services.%s.volumes[%d]: %w", name, i, err)
		}
		out.Mounts = append(out.Mounts, plan.Mount{Source: expanded, Target: target, ReadOnly: readOnly})
	}
	slices.SortFunc(out.Mounts, compareMounts)

	if len(svc.Environment) > 0 {
		out.Env = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			out.Env[k] = v
		}
	}

	out.Labels = make(map[string]string, len(svc.Labels)+1)
	for k, v := range svc.Labels {
		out.Labels[k] = v
	}

	refs := slices.Compact(slices.Sorted(slices.Values(svc.Secrets)))
	var addressedNames []string
	for _, ref := range refs {
		an, ok := addressed[ref]
		if !ok {
			// Only possible for absent stacks, which resolve nothing.
			continue
		}
		out.Secrets = append(out.Secrets, plan.SecretRef{Name: ref, AddressedName: an})
		addressedNames = append(addressedNames, an)
	}
	if st.State == spec.StatePresent {
		out.Labels[spec.LabelSecretsFingerprint] = secretaddr.Fingerprint(addressedNames)
	}

	out.Networks = serviceNetworks(st, svc)

	if st.Mode == spec.ModeOrchestrated {
		out.Deploy = deployPlan(svc.Deploy)
	}

	return out, nil
}

// serviceNetworks resolves the attachment list: explicit lists are
// sorted and deduplicated, an empty list means every declared network.
func serviceNetworks(st *spec.Stack, svc spec.Service) []string {
	if len(svc.Networks) == 0 {
		return st.NetworkNames()
	}
	return slices.Compact(slices.Sorted(slices.Values(svc.Networks)))
}

// deployPlan fills orchestration defaults: a service without a deploy
// block still runs with one replica.
func deployPlan(d *spec.Deploy) *plan.DeployPlan {
	out := &plan.DeployPlan{Replicas: 1}
	if d == nil {
		return out
	}
	if d.Replicas > 0 {
		out.Replicas = d.Replicas
	}
	if d.Placement != nil && len(d.Placement.Constraints) > 0 {
		out.Constraints = slices.Clone(d.Placement.Constraints)
	}
	return out
}

func normalizeNetworks(st *spec.Stack, res *Result) []plan.NetworkPlan {
	attached := map[string]struct{}{}
	for _, svc := range st.Services {
		for _, n := range serviceNetworks(st, svc) {
			attached[n] = struct{}{}
		}
	}

	var out []plan.NetworkPlan
	for _, name := range st.NetworkNames() {
		n := st.Networks[name]
		np := plan.NetworkPlan{
			Name:       name,
			Driver:     n.Driver,
			Internal:   n.Internal,
			Attachable: n.Attachable,
			External:   n.External,
		}
		if !np.External && np.Driver == "" {
			if st.Mode == spec.ModeOrchestrated {
				np.Driver = "overlay"
			} else {
				np.Driver = "bridge"
			}
		}
		if st.Mode == spec.ModeOrchestrated && !np.External {
			// Overlay networks must accept standalone attachments or
			// one-off containers cannot join for debugging.
			np.Attachable = true
		}
		if _, ok := attached[name]; !ok {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Path:    "networks." + name,
				Message: "declared but attached to no service",
			})
		}
		out = append(out, np)
	}
	return out
}

// expandSymbol replaces a leading $_ directory symbol in a volume
// source with its resolved path. Literal paths pass through unchanged.
// The secrets directory exists on disk only in composition mode, so
// orchestrated stacks cannot mount it.
func expandSymbol(lay layout.Layout, mode spec.Mode, source string) (string, error) {
	if !strings.HasPrefix(source, "$_") {
		return source, nil
	}
	symbol, rest, _ := strings.Cut(source, "/")
	if symbol == layout.SymbolSecrets && mode != spec.ModeComposition {
		return "", fmt.Errorf("%s is only available in composition mode", layout.SymbolSecrets)
	}
	dir, ok := lay.Lookup(symbol)
	if !ok {
		return "", fmt.Errorf("unknown directory symbol %q", symbol)
	}
	if rest == "" {
		return dir.Path, nil
	}
	return dir.Path + "/" + rest, nil
}

func comparePorts(a, b plan.Port) int {
	if a.Published != b.Published {
		return a.Published - b.Published
	}
	if a.Target != b.Target {
		return a.Target - b.Target
	}
	return strings.Compare(a.Protocol, b.Protocol)
}

func compareMounts(a, b plan.Mount) int {
	if c := strings.Compare(a.Target, b.Target); c != 0 {
		return c
	}
	return strings.Compare(a.Source, b.Source)
}
