// Command accessrelay serves the access relay and administers its store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cfg, cfgErr := loadConfig()

	cmd := &cobra.Command{
		Use:           "accessrelay",
		Short:         "accessrelay brokers scoped access tokens between clients and an identity provider",
		SilenceErrors: true,
		Example: `
  # Single process, in-memory state
  ACCESS_RELAY_AUTHENTICATION_URL=https://idp.example.com/authorize accessrelay serve

  # Shared state in Redis, assertions verified against the provider's JWKS
  accessrelay serve --store redis --bus redis \
    --idp-issuer https://idp.example.com --idp-audience accessrelay

  # Bootstrap a system client and print its client-only token
  accessrelay provision client --store postgres --pg-dsn postgres://localhost/relay --name "Looking Glass"
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return cfgErr
		},
	}
	cmd.AddCommand(
		newServeCommand(&cfg),
		newProvisionCommand(&cfg),
		newDeleteCommand(&cfg),
		newSweepCommand(&cfg),
		newVersionCommand(),
	)
	return cmd
}

func newLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.slogLevel()})).
		With(slog.String("app", "accessrelay"))
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
