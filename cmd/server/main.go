// Command oksai runs the multi-tenant API server and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/config"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "oksai",
		Short: "Oksai multi-tenant API server",
		Long: `Oksai composes the API server from plugins. Plugins are ordered by their
declared dependencies and priority, bootstrapped in that order and shut down
in reverse.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to the YAML config file")

	root.AddCommand(
		newServeCommand(&configPath),
		newSeedCommand(&configPath),
		newMigrateCommand(&configPath),
		newPluginsCommand(&configPath),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap all plugins and serve HTTP until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			svc, err := a.service(a.httpServer())
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
}

func newSeedCommand(configPath *string) *cobra.Command {
	var seedType string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Bootstrap plugins, run one seed pass and shut down",
		Example: `  # Stock roles and the super admin
  oksai seed --type basic

  # Default tenant and organization
  oksai seed --type default`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := plugin.ParseSeedType(seedType)
			if err != nil {
				return err
			}
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), a, t)
		},
	}
	cmd.Flags().StringVar(&seedType, "type", string(plugin.SeedBasic), "seed type: basic, default or random")
	return cmd
}

func runSeed(ctx context.Context, a *app, t plugin.SeedType) (err error) {
	svc, err := a.service(nil)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Lifecycle.ShutdownTimeout)
		defer cancel()
		if serr := svc.Stop(stopCtx); serr != nil && err == nil {
			err = serr
		}
	}()
	if err := svc.Seed(ctx, t); err != nil {
		return err
	}
	a.log.WithField("seed", string(t)).Info("seed complete")
	return nil
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			if err := a.db.Connect(cmd.Context()); err != nil {
				return err
			}
			defer a.db.Close()
			if err := a.db.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("migrations applied")
			return nil
		},
	}
}

func newPluginsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "Print the resolved plugin bootstrap order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()
			for name, err := range a.registry.ApplyStates(a.cfg.PluginStates()) {
				a.log.WithError(err).WithField("plugin", name).Warn("ignoring plugin state")
			}
			order, err := a.registry.Resolve()
			if err != nil {
				return err
			}
			return printPlugins(cmd.OutOrStdout(), order)
		},
	}
}

func printPlugins(out io.Writer, order []plugin.Descriptor) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tTYPE\tPRIORITY\tPROTECTED\tDEPENDENCIES")
	for i, d := range order {
		deps := "-"
		if len(d.Dependencies) > 0 {
			deps = strings.Join(d.Dependencies, ",")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\tP%d\t%t\t%s\n", i+1, d.Name, d.Type, d.Priority, d.Protected, deps)
	}
	return w.Flush()
}
