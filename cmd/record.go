package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/duocapture/internal/capture"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a single camera",
	Long: `Switch to the requested camera and record it until Ctrl+C is pressed or the
optional duration elapses. The recording is written to the output directory as
<uuid>.<container> and handed to the configured persistence when it finishes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		posFlag, _ := cmd.Flags().GetString("position")
		duration, _ := cmd.Flags().GetDuration("duration")

		pos, err := capture.ParsePosition(posFlag)
		if err != nil {
			return err
		}
		if duration < 0 {
			return fmt.Errorf("duration must not be negative")
		}

		svc, err := startService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeService(svc)

		if err := svc.SwitchCamera(pos); err != nil && !isLockFailure(err) {
			return fmt.Errorf("failed to switch to %s camera: %w", pos, err)
		}

		outcomes := make(chan capture.Outcome, 1)
		svc.OnFinished(func(o capture.Outcome) {
			select {
			case outcomes <- o:
			default:
			}
		})

		handle, err := svc.StartRecording()
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Printf("Recording %s camera to %s - Press Ctrl+C to stop\n", pos, handle.Destination)

		sigChan, stopSignals := interrupted()
		defer stopSignals()

		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}

		select {
		case <-sigChan:
			slog.Info("Stopping recording...")
		case <-timeout:
			slog.Info("Duration reached, stopping recording", "duration", duration)
		case o := <-outcomes:
			// The sink ended the recording on its own
			return reportOutcome(o)
		}

		if err := svc.StopRecording(); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		select {
		case o := <-outcomes:
			return reportOutcome(o)
		case <-ctx.Done():
			return fmt.Errorf("recording did not finish: %w", ctx.Err())
		}
	},
}

func reportOutcome(o capture.Outcome) error {
	if !o.OK() {
		return fmt.Errorf("recording failed: %w", o.Err)
	}
	fmt.Printf("Saved %s (%s)\n", o.Path, o.FinishedAt.Sub(o.Handle.StartedAt).Round(time.Millisecond))
	return nil
}

func init() {
	recordCmd.Flags().StringP("position", "p", "front", "camera to record: front or back")
	recordCmd.Flags().DurationP("duration", "d", 0, "stop automatically after this long (0 records until Ctrl+C)")
}
