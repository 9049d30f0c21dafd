package main

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/gallery/internal/config"
)

// cli carries what every subcommand needs once flags are parsed.
type cli struct {
	cfg      config.Config
	logger   *log.Logger
	envFile  string
	storeDSN string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "gallery",
		Short: "Chat with an on-device model and manage its interaction history",
		Long: `gallery runs a streaming chat service in front of a local model runtime and
keeps every request and response in an interaction store.

Quick Start:
  gallery serve                        # HTTP + websocket API
  gallery history list --pending       # turns that never finished
  gallery history export --format md   # dump the history`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "KEY=value file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&c.storeDSN, "store", "", "Interaction store DSN (overrides STORE_DSN)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(c),
		newHistoryCmd(c),
	)
	return rootCmd
}

func (c *cli) load(stderr io.Writer) error {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.storeDSN != "" {
		cfg.StoreDSN = c.storeDSN
	}
	if c.verbose {
		cfg.LogLevel = "debug"
	}
	c.cfg = cfg
	c.logger = newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	return nil
}

func newLogger(w io.Writer, level, format string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "gallery",
	})
}
