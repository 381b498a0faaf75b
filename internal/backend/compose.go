package backend

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/diff"
	"github.com/dockhand/dockhand/internal/dockerx"
	"github.com/dockhand/dockhand/internal/layout"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/render"
	"github.com/dockhand/dockhand/internal/secretaddr"
	"github.com/dockhand/dockhand/internal/status"
)

// secretFileMode is the mode of every materialized secret file.
const secretFileMode = "0600"

// Composition converges a stack through its on-disk layout and docker
// compose. Every filesystem operation goes through the runner, so local
// and ssh targets behave identically.
type Composition struct {
	run    dockerx.Runner
	engine EngineAPI
	log    *zap.Logger
}

func NewComposition(run dockerx.Runner, engine EngineAPI, log *zap.Logger) *Composition {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composition{run: run, engine: engine, log: log}
}

func (c *Composition) Apply(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error) {
	cs, err := c.converge(ctx, pl, false)
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "apply", Err: err}
	}
	return cs, nil
}

func (c *Composition) Diff(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error) {
	cs, err := c.converge(ctx, pl, true)
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "diff", Err: err}
	}
	return cs, nil
}

func (c *Composition) converge(ctx context.Context, pl *plan.Plan, dry bool) (*diff.Changeset, error) {
	cs := diff.New(pl.Stack)
	if err := c.ensureDirectories(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	if err := c.ensureSecrets(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	if err := c.pruneSecrets(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	if err := c.ensureArtifact(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	if dry {
		return cs, nil
	}
	// Up is run even for an empty changeset: compose restores stopped
	// containers that no file-level comparison can see.
	if err := c.run.Run(ctx, "docker", []string{"compose", "-f", c.artifactPath(pl), "up", "-d", "--remove-orphans"}, nil); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *Composition) Destroy(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error) {
	cs := diff.New(pl.Stack)
	artifact := c.artifactPath(pl)

	if c.exists(ctx, "-f", artifact) {
		if err := c.run.Run(ctx, "docker", []string{"compose", "-f", artifact, "down", "--remove-orphans"}, nil); err != nil {
			return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
		}
		for _, svc := range pl.Services {
			cs.Delete(diff.KindService, svc.Name, "compose down")
		}
		for _, n := range pl.Networks {
			if !n.External {
				cs.Delete(diff.KindNetwork, pl.ScopedNetworkName(n.Name), "compose down")
			}
		}
		if err := c.remove(ctx, artifact); err != nil {
			return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
		}
		cs.Delete(diff.KindArtifact, plan.ComposeFileName, "")
	}

	names, err := c.materializedSecrets(ctx, pl)
	if err != nil {
		// Nothing was ever materialized.
		names = nil
	}
	for _, name := range names {
		if err := c.remove(ctx, path.Join(pl.Directories.Secrets.Path, name)); err != nil {
			return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
		}
		cs.Delete(diff.KindSecret, name, "")
	}

	if pl.AllowPrune {
		if err := c.run.Run(ctx, "rm", []string{"-rf", "--", pl.Directories.Stack.Path}, nil); err != nil {
			return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
		}
		cs.Delete(diff.KindDirectory, pl.Directories.Stack.Path, "allow_prune")
		return cs, nil
	}
	// Without allow_prune the directories stay: data under them
	// outlives the stack.
	return cs, nil
}

func (c *Composition) Status(ctx context.Context, pl *plan.Plan) (*status.Report, error) {
	rep := &status.Report{Stack: pl.Stack, Mode: string(pl.Mode)}

	names, err := c.materializedSecrets(ctx, pl)
	if err == nil {
		rep.Secrets = names
	} else {
		rep.Notes = append(rep.Notes, fmt.Sprintf("secrets directory unreadable: %v", err))
	}

	if c.engine == nil {
		rep.Notes = append(rep.Notes, "engine api unavailable; container state unknown")
		for _, svc := range pl.Services {
			rep.Services = append(rep.Services, status.ServiceReport{
				Name: svc.Name, Image: svc.Image, Desired: 1, Running: 0, Health: status.HealthMissing,
			})
		}
		return rep, nil
	}

	f := filters.NewArgs()
	f.Add("label", LabelComposeProject+"="+pl.Stack)
	containers, err := c.engine.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "status", Err: err}
	}
	running := map[string]int{}
	for _, ct := range containers {
		if string(ct.State) == "running" {
			running[ct.Labels[LabelComposeService]]++
		}
	}
	for _, svc := range pl.Services {
		rep.Services = append(rep.Services, status.ServiceReport{
			Name:    svc.Name,
			Image:   svc.Image,
			Desired: 1,
			Running: running[svc.Name],
			Health:  status.HealthFor(1, running[svc.Name]),
		})
	}

	nets, err := c.engine.NetworkList(ctx, network.ListOptions{Filters: f})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "status", Err: err}
	}
	for _, n := range nets {
		rep.Networks = append(rep.Networks, n.Name)
	}
	slices.Sort(rep.Networks)
	return rep, nil
}

func (c *Composition) ensureDirectories(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	for _, d := range orderedDirs(pl.Directories) {
		if c.exists(ctx, "-d", d.Path) {
			continue
		}
		cs.Create(diff.KindDirectory, d.Path, "")
		if dry {
			continue
		}
		args := []string{"-d", "-m", fmt.Sprintf("%#o", d.Mode.Perm()), "-o", d.Owner, "-g", d.Group, d.Path}
		if err := c.run.Run(ctx, "install", args, nil); err != nil {
			return fmt.Errorf("directory %s: %w", d.Path, err)
		}
	}
	return nil
}

func (c *Composition) ensureSecrets(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	for _, sp := range pl.Secrets {
		p := path.Join(pl.Directories.Secrets.Path, sp.AddressedName)
		if c.exists(ctx, "-f", p) {
			got, err := c.fileHash(ctx, p)
			if err != nil {
				return err
			}
			if got != sp.Hash {
				return &secretaddr.AddressingError{
					AddressedName: sp.AddressedName,
					Detail:        fmt.Sprintf("file %s holds content %s, want %s", p, got, sp.Hash),
				}
			}
			continue
		}
		cs.Create(diff.KindSecret, sp.AddressedName, "")
		if dry {
			continue
		}
		args := []string{"-m", secretFileMode, "/dev/stdin", p}
		if err := c.run.Run(ctx, "install", args, bytes.NewReader(sp.Payload)); err != nil {
			return fmt.Errorf("secret %s: %w", sp.AddressedName, err)
		}
	}
	return nil
}

func (c *Composition) pruneSecrets(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	existing, err := c.materializedSecrets(ctx, pl)
	if err != nil {
		// Nothing materialized yet.
		return nil
	}
	candidates := secretaddr.PruneCandidates(existing, pl.AddressedSecretNames())
	if len(candidates) == 0 {
		return nil
	}
	if !pl.AllowPrune {
		c.log.Info("secret prune skipped",
			zap.String("stack", pl.Stack),
			zap.Int("candidates", len(candidates)))
		return nil
	}
	for _, name := range candidates {
		cs.Delete(diff.KindSecret, name, "unreferenced")
		if dry {
			continue
		}
		if err := c.remove(ctx, path.Join(pl.Directories.Secrets.Path, name)); err != nil {
			return fmt.Errorf("prune secret %s: %w", name, err)
		}
	}
	return nil
}

func (c *Composition) ensureArtifact(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	rendered, err := render.RenderComposition(ctx, pl)
	if err != nil {
		return err
	}
	p := c.artifactPath(pl)
	if c.exists(ctx, "-f", p) {
		current, err := c.run.Output(ctx, "cat", []string{p})
		if err != nil {
			return err
		}
		if bytes.Equal(current, rendered) {
			return nil
		}
		cs.Update(diff.KindArtifact, plan.ComposeFileName, "content changed")
	} else {
		cs.Create(diff.KindArtifact, plan.ComposeFileName, "")
	}
	if dry {
		return nil
	}
	if err := c.run.Run(ctx, "install", []string{"-m", "0644", "/dev/stdin", p}, bytes.NewReader(rendered)); err != nil {
		return fmt.Errorf("artifact %s: %w", p, err)
	}
	return nil
}

// materializedSecrets lists the addressed secret files on the target,
// sorted. Filenames that do not follow the addressed pattern are left
// alone.
func (c *Composition) materializedSecrets(ctx context.Context, pl *plan.Plan) ([]string, error) {
	out, err := c.run.Output(ctx, "ls", []string{"-1", pl.Directories.Secrets.Path})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if _, ok := secretaddr.MatchAddressed(name); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (c *Composition) fileHash(ctx context.Context, p string) (string, error) {
	out, err := c.run.Output(ctx, "sha256sum", []string{p})
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("sha256sum %s: empty output", p)
	}
	return fields[0], nil
}

func (c *Composition) exists(ctx context.Context, flag, p string) bool {
	return c.run.Run(ctx, "test", []string{flag, p}, nil) == nil
}

func (c *Composition) remove(ctx context.Context, p string) error {
	return c.run.Run(ctx, "rm", []string{"-f", "--", p}, nil)
}

func (c *Composition) artifactPath(pl *plan.Plan) string {
	return path.Join(pl.Directories.Stack.Path, plan.ComposeFileName)
}

type dirEntry struct {
	Name string
	layout.Dir
}

// orderedDirs returns directories in creation order, parents first.
func orderedDirs(lay layout.Layout) []dirEntry {
	out := []dirEntry{
		{layout.NameBase, lay.Base},
		{layout.NameStack, lay.Stack},
		{layout.NameConfig, lay.Config},
		{layout.NameData, lay.Data},
		{layout.NameSecrets, lay.Secrets},
	}
	for _, name := range slices.Sorted(maps.Keys(lay.Extra)) {
		out = append(out, dirEntry{name, lay.Extra[name]})
	}
	return out
}
