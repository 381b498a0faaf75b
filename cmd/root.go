package cmd

import (
	"context"
	"os"
	"path/filepath"

	dclient "github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/backend"
	"github.com/dockhand/dockhand/internal/config"
	"github.com/dockhand/dockhand/internal/dockerx"
	"github.com/dockhand/dockhand/internal/gitmeta"
	"github.com/dockhand/dockhand/internal/logging"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/planner"
	"github.com/dockhand/dockhand/internal/secretsource"
)

// rootCmd represents the base command when called without any subcommands
var (
	cfgPath      string
	hostFlag     string
	logLevelFlag string
	stackFiles   []string
	overridePath string

	cfg      *config.Config
	logger   *zap.Logger
	revision string

	rootCmd = &cobra.Command{
		Use:          "dockhand",
		Short:        "deploy layered stack files to compose hosts and swarm clusters",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = hostFlag
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevelFlag
			}
			logger, err = logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			// Provenance of the stack files, when they live in a git
			// checkout. Reported in output, never embedded in plans.
			revision = ""
			if len(stackFiles) > 0 {
				if rev, rerr := gitmeta.Describe(filepath.Dir(stackFiles[0])); rerr == nil {
					revision = rev.String()
					logger.Debug("stack revision", zap.String("revision", revision))
				}
			}
			return nil
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Runtime config file (default: dockhand.yaml on the search path)")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "Docker endpoint, e.g. ssh://deploy@node or unix:///var/run/docker.sock")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringSliceVarP(&stackFiles, "file", "f", []string{"stacks.yaml"}, "Stack file(s) to load, repeatable")
	rootCmd.PersistentFlags().StringVarP(&overridePath, "override", "o", "", "Override file merged over every stack")
}

func newPlanner() *planner.Planner {
	return planner.New(planner.Options{
		BaseDir:  cfg.BaseDir,
		Defaults: cfg.Defaults,
		Resolver: secretsource.NewResolver(),
		Log:      logger,
	})
}

// transports are the live engine connections one command run shares
// across all its stacks.
type transports struct {
	runner dockerx.Runner
	api    *dclient.Client
}

func (t *transports) factory(opts backend.Options) planner.AdapterFactory {
	return func(pl *plan.Plan) (backend.Adapter, error) {
		return backend.For(pl, backend.Deps{
			Runner:  t.runner,
			Swarm:   t.api,
			Engine:  t.api,
			Log:     logger,
			Options: opts,
		})
	}
}

// withTransports connects to the configured host, runs fn, and closes
// the connections afterwards.
func withTransports(fn func(t *transports) error) error {
	runner, closeRunner, err := dockerx.RunnerFor(cfg.Host)
	if err != nil {
		return err
	}
	defer func() { _ = closeRunner() }()
	api, err := dockerx.NewAPIClient(cfg.Host)
	if err != nil {
		return err
	}
	defer func() { _ = api.Close() }()
	return fn(&transports{runner: runner, api: api})
}
