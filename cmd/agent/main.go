package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/qcut/export-agent/internal/config"
	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/media"
	"github.com/qcut/export-agent/internal/metrics"
)

var Version = "0.1.0"

func main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := &cobra.Command{
		Use:          "qcut-agent",
		Short:        "Local export agent for the QCut editor",
		SilenceUsage: true,
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.PersistentFlags().String("ffmpeg", "", "Transcoder binary (overrides "+config.EnvFFmpegPath+")")
	root.PersistentFlags().Duration("stall-timeout", 0, "Cancel a transcoder that reports no progress for this long")

	root.AddCommand(
		newServeCommand(),
		newPlanCommand(),
		newExportCommand(),
		newDoctorCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "qcut-agent", Version)
		},
	}
}

// agent holds the components every subcommand shares.
type agent struct {
	cfg     *config.EnvConfig
	logger  *slog.Logger
	handles *handles.Manager
	library *media.Library
	doctor  *export.CachedDoctor
}

// newAgent loads configuration, applies the persistent flags and builds the
// shared components. Nothing is started.
func newAgent(cmd *cobra.Command) (*agent, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if p, _ := cmd.Flags().GetString("ffmpeg"); p != "" {
		cfg.SetFFmpegPath(p)
	}
	if d, _ := cmd.Flags().GetDuration("stall-timeout"); d > 0 {
		cfg.SetStallTimeout(d)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.TempDir(), cfg.SpillDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())

	var prober media.Prober
	if ff, err := media.NewFFprobe(cfg.FFprobePath(), logger); err != nil {
		logger.Warn("ffprobe unavailable, media properties must come from the timeline", "error", err)
	} else {
		prober = ff
	}

	metrics.InitializeMetrics(lo.Map(export.Modes, func(m export.Mode, _ int) string { return m.String() }))

	return &agent{
		cfg:    cfg,
		logger: logger,
		handles: handles.NewManager(handles.Options{
			MaxAge:        cfg.HandleMaxAge(),
			SweepInterval: cfg.HandleSweepInterval(),
			Logger:        logger,
		}),
		library: media.NewLibrary(cfg.SpillDir(), prober, logger),
		doctor:  export.NewCachedDoctor(cfg.FFmpegPath(), logger),
	}, nil
}

// orchestrator probes the transcoder and builds an orchestrator for it. A
// missing transcoder is reported but not fatal; exports then fail with a
// binary-missing error.
func (a *agent) orchestrator(ctx context.Context) *export.Orchestrator {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	caps, err := a.doctor.Refresh(probeCtx)
	if err != nil {
		a.logger.Warn("transcoder unavailable", "error", err)
	} else {
		a.logger.Info("transcoder detected", "version", caps.Version, "path", logging.SanitizePath(caps.FFmpegPath))
	}

	var c export.Capabilities
	if caps != nil {
		c = *caps
	}
	return export.NewOrchestrator(export.Options{
		Handles:          a.handles,
		Capabilities:     c,
		TempDir:          a.cfg.TempDir(),
		StallTimeout:     a.cfg.StallTimeout(),
		NormalizeWorkers: a.cfg.NormalizeWorkers(),
		Logger:           a.logger,
	})
}
