package cmd

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/duocapture/internal/capture"
)

var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Record the front camera, pause, then record the back camera",
	Long: `Run the timed two-phase routine: switch to the front camera and record it,
wait for the gap, switch to the back camera and record it. Only one camera is
ever attached. Press Ctrl+C to cancel; the active recording is finalized first.

Durations default to the sequence section of the active profile.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		front, gap, back := cfg.Sequence.Front, cfg.Sequence.Gap, cfg.Sequence.Back
		if cmd.Flags().Changed("front") {
			front, _ = cmd.Flags().GetDuration("front")
		}
		if cmd.Flags().Changed("gap") {
			gap, _ = cmd.Flags().GetDuration("gap")
		}
		if cmd.Flags().Changed("back") {
			back, _ = cmd.Flags().GetDuration("back")
		}
		if _, err := capture.FrontThenBack(front, gap, back); err != nil {
			return err
		}

		svc, err := startService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeService(svc)

		var (
			mu   sync.Mutex
			last *capture.State
		)
		stopObserve := svc.Observe(func(st capture.State) {
			mu.Lock()
			printState(last, st)
			last = &st
			mu.Unlock()
		})
		defer stopObserve()

		h, err := svc.RecordFrontThenBack(front, gap, back)
		if err != nil {
			return fmt.Errorf("failed to start sequence: %w", err)
		}
		fmt.Printf("Sequence %s: front %s, gap %s, back %s - Press Ctrl+C to cancel\n", h.ID(), front, gap, back)

		sigChan, stopSignals := interrupted()
		defer stopSignals()

		select {
		case <-h.Done():
		case <-sigChan:
			slog.Info("Cancelling sequence...")
			svc.CancelSequence()
			<-h.Done()
		}

		for _, o := range h.Outcomes() {
			if o.OK() {
				fmt.Printf("  %s: %s\n", o.Handle.Position, o.Path)
			} else {
				fmt.Printf("  %s: failed: %v\n", o.Handle.Position, o.Err)
			}
		}

		switch {
		case h.Cancelled():
			fmt.Println("Sequence cancelled")
			return nil
		case h.Err() != nil:
			return fmt.Errorf("sequence failed: %w", h.Err())
		}
		fmt.Println("Sequence completed")
		return nil
	},
}

func init() {
	sequenceCmd.Flags().Duration("front", 0, "front camera recording length (overrides config)")
	sequenceCmd.Flags().Duration("gap", 0, "pause between the two recordings (overrides config)")
	sequenceCmd.Flags().Duration("back", 0, "back camera recording length (overrides config)")
}
