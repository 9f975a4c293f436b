package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linhsiu/gofepd/internal/server"
)

var listenOverride string

// serverCmd represents the server command (default action)
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the transaction gateway",
	Long: `Start the gofepd gateway: accept acquiring traffic on the configured
listener, keep the interbank switch links signed on and process
transactions until interrupted.

This is the default command when no subcommand is specified.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Running the binary bare starts the gateway.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}

	serverCmd.Flags().StringVar(&listenOverride, "listen", "", "override the configured listen address")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Server.Listen = listenOverride
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	eng, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("listen", cfg.Server.Listen).
		Int("channels", len(cfg.Channels)).
		Msg("gateway starting")
	return eng.Run(ctx)
}
