package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/strata/internal/config"
)

var version = "dev"

var noColor bool

// errSilent marks failures that were already reported to the user.
var errSilent = errors.New("command failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errSilent) {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// cliState is shared by the commands of one invocation.
type cliState struct {
	cfg config.Config
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	root := &cobra.Command{
		Use:           "strata",
		Short:         "Bitemporal document history for version-controlled repositories",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("NO_COLOR") != "" {
				noColor = true
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			st.cfg = cfg
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	root.AddCommand(
		newIngestCmd(st),
		newQueryCmd(st),
		newVerifyCmd(st),
		newRunsCmd(st),
		newReposCmd(st),
		newServeCmd(st),
		newStopCmd(st),
		newStatusCmd(st),
		newConfigCmd(st),
	)
	return root
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
