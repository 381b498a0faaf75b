// Package backend converges canonical stack plans against a deploy
// target. Composition stacks are driven through rendered compose
// artifacts and the docker compose CLI; orchestrated stacks talk to the
// swarm API directly. Both report their work as a diff.Changeset.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/diff"
	"github.com/dockhand/dockhand/internal/dockerx"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/spec"
	"github.com/dockhand/dockhand/internal/status"
)

// Options tunes convergence behavior shared by all adapters.
type Options struct {
	// Wait blocks Apply until updated services reach their desired
	// task count. Only the orchestrated backend can observe that.
	Wait        bool
	WaitTimeout time.Duration
}

// Adapter is one deployment engine. Apply converges a present-state
// plan, Destroy removes everything the stack owns, Diff records what
// Apply would do without touching anything, and Status reports the
// observed state.
type Adapter interface {
	Apply(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error)
	Destroy(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error)
	Diff(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error)
	Status(ctx context.Context, pl *plan.Plan) (*status.Report, error)
}

// Deps carries the transports an adapter may need. Composition needs a
// command runner and optionally the engine API for status; orchestrated
// needs the swarm API.
type Deps struct {
	Runner  dockerx.Runner
	Swarm   SwarmAPI
	Engine  EngineAPI
	Log     *zap.Logger
	Options Options
}

// For picks the adapter matching the plan's mode.
func For(pl *plan.Plan, deps Deps) (Adapter, error) {
	switch pl.Mode {
	case spec.ModeComposition:
		if deps.Runner == nil {
			return nil, fmt.Errorf("backend: composition mode needs a command runner")
		}
		return NewComposition(deps.Runner, deps.Engine, deps.Log), nil
	case spec.ModeOrchestrated:
		if deps.Swarm == nil {
			return nil, fmt.Errorf("backend: orchestrated mode needs a swarm client")
		}
		return NewSwarm(deps.Swarm, deps.Log, deps.Options), nil
	}
	return nil, fmt.Errorf("backend: no adapter for mode %q", pl.Mode)
}
