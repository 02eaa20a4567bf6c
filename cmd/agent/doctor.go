package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/logging"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the transcoder can be found and run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			caps, err := a.doctor.Refresh(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "transcoder: unavailable (%s)\n", a.cfg.FFmpegPath())
				return fmt.Errorf("%s: %s", export.Code(err), export.UserMessage(err))
			}

			fmt.Fprintf(out, "transcoder: %s\n", logging.SanitizePath(caps.FFmpegPath))
			fmt.Fprintf(out, "version:    %s\n", caps.Version)
			fmt.Fprintf(out, "probed:     %s\n", humanize.Time(caps.ProbedAt))
			fmt.Fprintf(out, "data dir:   %s\n", logging.SanitizePath(a.cfg.DataDir()))
			return nil
		},
	}
}
