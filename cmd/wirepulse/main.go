package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirepulse/wirepulse/internal/app"
	"github.com/wirepulse/wirepulse/internal/config"
	"github.com/wirepulse/wirepulse/internal/tools/common"
	"github.com/wirepulse/wirepulse/internal/tools/loadgen"
)

func main() {
	root := &cobra.Command{
		Use:           "wirepulse",
		Short:         "Realtime query synchronization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var envFile string
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before config")
	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		return common.LoadEnvFile(envFile)
	}
	root.AddCommand(newServeCommand(), newLoadgenCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			config.RecordValidationEvent(cmd.Context(), cfgProfile(cfg), err)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, app.Overrides{})
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func cfgProfile(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Profile
}

func newLoadgenCommand() *cobra.Command {
	cfg := loadgen.Config{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate synthetic websocket traffic against a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := loadgen.Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loadgen.Render(cfg, res))
			if res.Dialed == 0 {
				return fmt.Errorf("no session could connect to %s", cfg.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.URL, "url", "ws://localhost:8080/ws", "websocket endpoint")
	cmd.Flags().IntVar(&cfg.Sessions, "sessions", 8, "concurrent simulated clients")
	cmd.Flags().IntVar(&cfg.SubsPerSession, "subs", 2, "standing queries per client")
	cmd.Flags().DurationVar(&cfg.WriteEvery, "write-every", 250*time.Millisecond, "per-client mutation interval")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "run duration")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 1, "workload rng seed")
	return cmd
}
