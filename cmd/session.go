package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/service"
)

const shutdownTimeout = 10 * time.Second

// startService creates the service from the loaded config and configures the default camera
func startService(ctx context.Context) (*service.DuoCaptureService, error) {
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	if err := svc.Start(); err != nil {
		closeService(svc)
		return nil, fmt.Errorf("failed to start capture session: %w", err)
	}
	return svc, nil
}

// closeService finalizes any recording and waits for persistence
func closeService(svc *service.DuoCaptureService) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		slog.Warn("Shutdown did not complete cleanly", "error", err)
	}
}

// isLockFailure reports a frame rate lock failure, which leaves the session running
func isLockFailure(err error) bool {
	return errors.Is(err, capture.ErrConfigurationLockFailed)
}

// interrupted returns a channel that fires on Ctrl+C or SIGTERM
func interrupted() (<-chan os.Signal, func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan, func() { signal.Stop(sigChan) }
}

// printState writes a one-line progress update for state changes
func printState(prev *capture.State, st capture.State) {
	if prev != nil && prev.IsRecording == st.IsRecording && prev.Session == st.Session && samePosition(prev.Input, st.Input) {
		return
	}
	pos := "-"
	if st.Input != nil {
		pos = string(*st.Input)
	}
	line := fmt.Sprintf("[%s] session=%s camera=%s", time.Now().Format("15:04:05"), st.Session, pos)
	if st.IsRecording && st.Recording != nil {
		line += " recording=" + st.Recording.Destination
	}
	fmt.Println(line)
}

func samePosition(a, b *capture.Position) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
