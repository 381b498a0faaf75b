// Package planner runs the pipeline from raw stack mappings to
// converged engines: merge the configuration layers, validate the
// merged mapping, decode, normalize into a canonical plan, and drive a
// backend per stack. Stacks are isolated: one failing stack never
// blocks the others unless fail-fast is requested.
package planner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dockhand/dockhand/internal/backend"
	"github.com/dockhand/dockhand/internal/diff"
	"github.com/dockhand/dockhand/internal/manifest"
	"github.com/dockhand/dockhand/internal/merge"
	"github.com/dockhand/dockhand/internal/normalize"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/spec"
	"github.com/dockhand/dockhand/internal/validate"
)

// Options configures a planner. Layer precedence from lowest to
// highest: BaseDir, Defaults, the stack mapping itself, Override.
type Options struct {
	// BaseDir replaces the built-in base directory for every stack
	// that does not set its own.
	BaseDir string
	// Defaults is a partial stack mapping merged under every stack.
	Defaults merge.Layer
	// Override is a partial stack mapping merged over every stack.
	Override merge.Layer
	// Resolver resolves value_from secret references. May be nil when
	// every secret is inline.
	Resolver normalize.PayloadResolver
	Log      *zap.Logger
}

type Planner struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Planner {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{opts: opts, log: log}
}

// BuildResult is one stack's trip through the pipeline.
type BuildResult struct {
	Stack       string
	Plan        *plan.Plan
	Diagnostics []normalize.Diagnostic
}

// Build runs one raw stack mapping through merge, validation, decode
// and normalization.
func (p *Planner) Build(ctx context.Context, raw map[string]any) (*BuildResult, error) {
	merged := p.mergeLayers(raw)
	name := stackName(merged)

	if errs := validate.Validate(merged); len(errs) > 0 {
		return nil, fmt.Errorf("stack %s: %w", name, errs)
	}
	st, err := manifest.Decode(merged)
	if err != nil {
		return nil, fmt.Errorf("stack %s: %w", name, err)
	}
	res, err := normalize.Normalize(ctx, st, p.opts.Resolver)
	if err != nil {
		return nil, fmt.Errorf("stack %s: %w", name, err)
	}
	for _, d := range res.Diagnostics {
		p.log.Warn("stack diagnostic",
			zap.String("stack", st.Name),
			zap.String("path", d.Path),
			zap.String("note", d.Message))
	}
	p.log.Debug("stack planned",
		zap.String("stack", st.Name),
		zap.String("mode", string(res.Plan.Mode)),
		zap.String("state", string(res.Plan.State)),
		zap.Int("services", len(res.Plan.Services)),
		zap.Int("secrets", len(res.Plan.Secrets)))
	return &BuildResult{Stack: st.Name, Plan: res.Plan, Diagnostics: res.Diagnostics}, nil
}

// BuildAll builds every raw mapping, collecting per-stack failures
// instead of stopping. Successful results come back alongside the
// joined error of the failed stacks.
func (p *Planner) BuildAll(ctx context.Context, raws []map[string]any) ([]*BuildResult, error) {
	var (
		results []*BuildResult
		errs    []error
	)
	seen := map[string]bool{}
	for _, raw := range raws {
		res, err := p.Build(ctx, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[res.Stack] {
			errs = append(errs, fmt.Errorf("stack %s: duplicate stack name", res.Stack))
			continue
		}
		seen[res.Stack] = true
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// BuildFiles loads every stack mapping from the given files and builds
// them. An optional override file path is merged over every stack.
func (p *Planner) BuildFiles(ctx context.Context, files []string, overridePath string) ([]*BuildResult, error) {
	scoped, raws, err := p.scopedLoad(files, overridePath)
	if err != nil {
		return nil, err
	}
	return scoped.BuildAll(ctx, raws)
}

// ValidateFiles merges and validates every stack mapping without
// resolving secrets or touching any engine. It returns the validated
// stack names in input order.
func (p *Planner) ValidateFiles(files []string, overridePath string) ([]string, error) {
	scoped, raws, err := p.scopedLoad(files, overridePath)
	if err != nil {
		return nil, err
	}
	var (
		names []string
		errs  []error
	)
	seen := map[string]bool{}
	for _, raw := range raws {
		merged := scoped.mergeLayers(raw)
		name := stackName(merged)
		if verrs := validate.Validate(merged); len(verrs) > 0 {
			errs = append(errs, fmt.Errorf("stack %s: %w", name, verrs))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("stack %s: duplicate stack name", name))
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, errors.Join(errs...)
}

// scopedLoad reads the raw mappings and returns a planner copy with the
// override file merged in, so overrides never stick to the receiver.
func (p *Planner) scopedLoad(files []string, overridePath string) (*Planner, []map[string]any, error) {
	scoped := *p
	if overridePath != "" {
		ov, err := manifest.LoadOverride(overridePath)
		if err != nil {
			return nil, nil, err
		}
		scoped.opts.Override = merge.Merge(p.opts.Override, ov)
	}
	var raws []map[string]any
	for _, path := range files {
		docs, err := manifest.LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		raws = append(raws, docs...)
	}
	return &scoped, raws, nil
}

func (p *Planner) mergeLayers(raw map[string]any) merge.Layer {
	layers := make([]merge.Layer, 0, 4)
	if p.opts.BaseDir != "" {
		layers = append(layers, merge.Layer{"base_dir": p.opts.BaseDir})
	}
	if len(p.opts.Defaults) > 0 {
		layers = append(layers, p.opts.Defaults)
	}
	layers = append(layers, raw)
	if len(p.opts.Override) > 0 {
		layers = append(layers, p.opts.Override)
	}
	return merge.Merge(layers...)
}

// Execute drives the adapter the way the plan's state asks: present
// converges, absent tears down.
func (p *Planner) Execute(ctx context.Context, pl *plan.Plan, adapter backend.Adapter) (*diff.Changeset, error) {
	if pl.State == spec.StateAbsent {
		return adapter.Destroy(ctx, pl)
	}
	return adapter.Apply(ctx, pl)
}

// AdapterFactory builds the adapter for one plan. Commands close over
// their transports here; tests inject fakes.
type AdapterFactory func(pl *plan.Plan) (backend.Adapter, error)

// Outcome is the result of executing one stack.
type Outcome struct {
	Stack     string
	Changeset *diff.Changeset
	Err       error
}

// Run executes every plan with bounded parallelism. With failFast, the
// first failure cancels the context the remaining stacks run under;
// otherwise each stack fails or converges on its own.
func (p *Planner) Run(ctx context.Context, plans []*plan.Plan, factory AdapterFactory, parallel int, failFast bool) []Outcome {
	if parallel < 1 {
		parallel = 1
	}
	outcomes := make([]Outcome, len(plans))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, pl := range plans {
		g.Go(func() error {
			outcomes[i].Stack = pl.Stack
			adapter, err := factory(pl)
			if err == nil {
				outcomes[i].Changeset, err = p.Execute(ctx, pl, adapter)
			}
			outcomes[i].Err = err
			if err != nil {
				p.log.Error("stack failed", zap.String("stack", pl.Stack), zap.Error(err))
				if failFast {
					return err
				}
			}
			return nil
		})
	}
	// Errors are reported per stack; the group only propagates the
	// fail-fast cancellation.
	_ = g.Wait()
	return outcomes
}

func stackName(merged map[string]any) string {
	if v, ok := merged["name"].(string); ok && v != "" {
		return v
	}
	return "(unnamed)"
}
