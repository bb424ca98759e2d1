package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dbprocessor/pipeline"
)

// Exit codes. Scripts branch on these, so they are part of the interface.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitLockHeld = 3
)

var (
	flagConfig  string
	flagDB      string
	flagMission string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:           "dbprocessor",
	Short:         "database-driven processing controller for science data pipelines",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "mission config file (yaml)")
	pf.StringVar(&flagDB, "db", "", "catalog path (overrides config)")
	pf.StringVarP(&flagMission, "mission", "m", "", "mission name (overrides config)")
	pf.BoolVar(&flagDebug, "debug", false, "debug logging")

	// Bad flags are caller mistakes and must exit 2 like any other.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &pipeline.ConfigError{Reason: err.Error()}
	})
}

// usageArgs wraps a positional-arg validator so violations report as caller
// mistakes.
func usageArgs(pos cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := pos(cmd, args); err != nil {
			return &pipeline.ConfigError{Reason: err.Error()}
		}
		return nil
	}
}

// appContext bundles everything a subcommand needs.
type appContext struct {
	cfg     *pipeline.MissionConfig
	cat     *pipeline.Catalog
	mission *pipeline.Mission
	codec   *pipeline.Codec
	runID   string
	logger  *slog.Logger
	close   func()
}

// newAppContext loads the config, opens the catalog and resolves the
// mission. Flag values override the file.
func newAppContext() (*appContext, error) {
	var cfg *pipeline.MissionConfig
	if flagConfig != "" {
		loaded, err := pipeline.LoadConfig(flagConfig)
		if err != nil {
			return nil, &pipeline.ConfigError{Reason: fmt.Sprintf("loading %s: %v", flagConfig, err)}
		}
		cfg = loaded
	} else {
		cfg = &pipeline.MissionConfig{}
	}
	if flagDB != "" {
		cfg.DB = flagDB
	}
	if flagMission != "" {
		cfg.Mission = flagMission
	}
	if flagDebug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger, closeLog := pipeline.NewLogger(cfg.Debug, cfg.LogDir, runID)

	cat, err := pipeline.OpenCatalog(cfg.DB)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening catalog %s: %w", cfg.DB, err)
	}
	mission, err := cat.MissionByName(cfg.Mission)
	if err != nil {
		closeLog()
		return nil, &pipeline.ConfigError{Reason: fmt.Sprintf("unknown mission %q", cfg.Mission)}
	}
	if cfg.RootDir != "" {
		mission.RootDir = cfg.RootDir
	}

	return &appContext{
		cfg:     cfg,
		cat:     cat,
		mission: mission,
		codec:   pipeline.NewCodec(cat),
		runID:   runID,
		logger:  logger,
		close:   func() { _ = closeLog() },
	}, nil
}

// exitCode maps an error to the process exit code: lock contention is 3,
// caller mistakes (bad flags, bad config, unknown names) are 2, everything
// else is 1.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, pipeline.ErrLockHeld) {
		return exitLockHeld
	}
	var cfgErr *pipeline.ConfigError
	if errors.As(err, &cfgErr) {
		return exitUsage
	}
	return exitFailure
}

func reportErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "dbprocessor:", err)
}
