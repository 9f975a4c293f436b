// Package cli wires the gofepd commands: the long-running gateway
// plus the operational tools that share its configuration.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linhsiu/gofepd/internal/config"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gofepd",
	Short: "gofepd - front-end transaction gateway",
	Long: `gofepd sits between the acquiring channels (ATM, POS, e-banking) and
the switches and core systems behind them: it speaks ISO 8583 on both
sides, deduplicates and routes every transaction, translates PIN
blocks between key zones and keeps the record the clearing day is
reconciled against.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log errors only")
}

// loadConfig reads the configuration every subcommand shares: defaults,
// then the --conf file when one is given, then GOFEPD_ environment
// overrides.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.LoadDefault()
	}
	return config.Load(configFile)
}

// newLogger builds the process logger from the [log] section, with the
// global verbosity flags taking precedence over the configured level.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := cfg.Log.ZerologLevel()
	if err != nil {
		return zerolog.Nop(), err
	}
	switch {
	case quiet:
		level = zerolog.ErrorLevel
	case debug:
		level = zerolog.DebugLevel
	case verbose:
		level = zerolog.TraceLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Log.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
