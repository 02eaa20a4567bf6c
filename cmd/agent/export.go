package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/timeline"
)

func addTimelineFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("start", 0, "Range start in seconds")
	cmd.Flags().Float64("end", 0, "Range end in seconds (0 exports to the end)")
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <timeline.json|timeline.yaml>",
		Short: "Show which export mode a timeline selects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return planTimeline(cmd, args[0])
		},
	}
	addTimelineFlags(cmd)
	cmd.Flags().String("edl", "", "Also write the video track as a CMX3600 EDL to this file")
	return cmd
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <timeline.json|timeline.yaml>",
		Short: "Export a timeline to a video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportTimeline(cmd, args[0])
		},
	}
	addTimelineFlags(cmd)
	cmd.Flags().String("out", "", "Output file (.mp4, .mov, .mkv)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// loadPlan reads a snapshot, registers its media and plans the export.
func loadPlan(ctx context.Context, cmd *cobra.Command, a *agent, path string) (*export.Plan, error) {
	snap, err := timeline.Load(path)
	if err != nil {
		return nil, err
	}
	for id, p := range snap.Media {
		a.library.RegisterFile(id, p)
	}

	start, _ := cmd.Flags().GetFloat64("start")
	end, _ := cmd.Flags().GetFloat64("end")
	if start < 0 || (end > 0 && end <= start) {
		return nil, fmt.Errorf("--end must be after --start")
	}

	tl, err := timeline.Collect(ctx, snap, snap, timeline.Range{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	if err := a.library.Enrich(ctx, tl); err != nil {
		return nil, err
	}

	var spec *timeline.OutputSpec
	if s, ok := snap.OutputSpec(ctx); ok {
		spec = &s
	}
	return export.NewAnalyzer(a.library, a.logger).PlanExport(tl, spec)
}

func planTimeline(cmd *cobra.Command, path string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}

	plan, err := loadPlan(cmd.Context(), cmd, a, path)
	if err != nil {
		return userError(err)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return err
	}

	edlPath, _ := cmd.Flags().GetString("edl")
	if edlPath == "" {
		return nil
	}

	paths := make(map[string]string)
	for _, s := range plan.Sources() {
		if s.Source == nil {
			continue
		}
		if p, err := s.Source.Path(); err == nil {
			paths[s.MediaID] = p
		}
	}
	title := export.SanitizeName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), 120)
	if title == "" {
		title = "qcut_export"
	}
	if err := os.WriteFile(edlPath, []byte(export.GenerateEDL(plan, title, paths)), 0o644); err != nil {
		return fmt.Errorf("write edl: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d clips)\n", edlPath, len(plan.Sources()))
	return nil
}

func exportTimeline(cmd *cobra.Command, path string) error {
	a, err := newAgent(cmd)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("out")
	if abs, err := filepath.Abs(output); err == nil {
		output = abs
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan, err := loadPlan(ctx, cmd, a, path)
	if err != nil {
		return userError(err)
	}

	a.handles.Start(ctx)
	defer a.handles.Shutdown()
	orch := a.orchestrator(ctx)

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "mode: %s (%s)\n", plan.Mode(), plan.Reason())

	onProgress := logProgress(a)
	if f, ok := stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bar := progressbar.NewOptions(100,
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("Exporting"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "█",
				SaucerHead:    "█",
				SaucerPadding: "░",
				BarStart:      "▐",
				BarEnd:        "▌",
			}),
			progressbar.OptionSetWidth(50),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionClearOnFinish(),
		)
		onProgress = func(p export.Progress) {
			bar.Describe(p.Stage)
			_ = bar.Set(int(p.Percent))
		}
		defer bar.Finish()
	}

	res, err := orch.Export(ctx, plan, output, onProgress)
	if err != nil {
		if errors.Is(err, export.ErrCancelled) || ctx.Err() != nil {
			return errors.New(export.UserMessage(export.ErrCancelled))
		}
		return userError(err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exported %s (%s) in %s\n",
		res.OutputPath, humanize.Bytes(uint64(res.Size)), res.Elapsed.Round(100*time.Millisecond))
	return nil
}

// logProgress reports progress as log lines every ten percent, for
// non-interactive runs.
func logProgress(a *agent) func(export.Progress) {
	next := 0.0
	return func(p export.Progress) {
		if p.Percent < next {
			return
		}
		a.logger.Info("export progress", "percent", int(p.Percent), "stage", p.Stage, "speed", p.Speed)
		next = float64(int(p.Percent)/10*10 + 10)
	}
}

// userError prefixes the error code so scripted callers can match on it.
func userError(err error) error {
	code := export.Code(err)
	if code == export.CodeInternal {
		return err
	}
	return fmt.Errorf("%s: %s (%w)", code, export.UserMessage(err), err)
}
