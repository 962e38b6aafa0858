package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/runtime"
)

func newRunCmd() *cobra.Command {
	var tasksFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator",
		Long: `Run the orchestrator until interrupted. Tasks are dispatched from the
sqlite backlog; use --tasks to seed it from a YAML file on startup.

The first interrupt shuts down gracefully (running agents are killed and
their tasks reclaimed on the next start); a second interrupt forces exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tasksFile != "" {
				cfg.TasksFile = tasksFile
			}

			log := runtime.NewLogger(cfg)
			rt, err := runtime.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&tasksFile, "tasks", "", "YAML task seed file")
	return cmd
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. A second
// signal forces immediate exit.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nreceived %s, shutting down gracefully\n", sig)
		cancel()

		sig = <-sigCh
		fmt.Fprintf(os.Stderr, "\nreceived %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
