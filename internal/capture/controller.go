package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ControllerOptions configures a Controller
type ControllerOptions struct {
	Devices DeviceProvider
	Sink    OutputSink

	// OutputDirectory receives recordings named <uuid>.<Container>
	OutputDirectory string
	Container       string

	// MaxFrameRate makes SwitchCamera lock the device to its fastest frame rate
	MaxFrameRate bool

	Clock Clock
}

// Controller owns the capture session: at most one attached input, the output sink
// and at most one recording job. Every mutation runs on its Loop.
type Controller struct {
	loop    *Loop
	devices DeviceProvider
	sink    OutputSink

	outputDir    string
	container    string
	maxFrameRate bool

	// Loop-owned state
	state          SessionState
	input          Input
	outputAttached bool
	job            *recordingJob
	stopRequested  bool
	lastOutcome    *Outcome
	closed         bool
	closeWait      chan struct{}

	changeHooks   []func()
	finishedHooks []func(Outcome)
}

// NewController creates an unconfigured controller and starts its loop
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("device provider is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("output sink is required")
	}
	if opts.OutputDirectory == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	container := strings.TrimPrefix(opts.Container, ".")
	if container == "" {
		container = "mov"
	}

	return &Controller{
		loop:         NewLoop(opts.Clock),
		devices:      opts.Devices,
		sink:         opts.Sink,
		outputDir:    opts.OutputDirectory,
		container:    container,
		maxFrameRate: opts.MaxFrameRate,
		state:        StateUnconfigured,
	}, nil
}

// Configure (re)builds the session bound to the camera at pos
func (c *Controller) Configure(pos Position) error {
	return c.exec(func() error { return c.configure(pos, false) })
}

// ConfigureMaxFrameRate is Configure plus locking the device to its fastest frame rate.
// A lock failure returns ErrConfigurationLockFailed with the session left running.
func (c *Controller) ConfigureMaxFrameRate(pos Position) error {
	return c.exec(func() error { return c.configure(pos, true) })
}

// SwitchCamera stops the running session and configures the camera at pos
func (c *Controller) SwitchCamera(pos Position) error {
	return c.exec(func() error { return c.switchCamera(pos) })
}

// StartRecording begins writing to a freshly named destination
func (c *Controller) StartRecording() (RecordingHandle, error) {
	var handle RecordingHandle
	err := c.exec(func() error {
		var err error
		handle, err = c.startRecording()
		return err
	})
	return handle, err
}

// StopRecording asks the sink to finalize the active recording.
// The outcome arrives through OnFinished.
func (c *Controller) StopRecording() error {
	return c.exec(c.stopRecording)
}

// OnFinished registers fn to receive every recording outcome.
// fn runs on the controller loop and must not call Controller methods.
func (c *Controller) OnFinished(fn func(Outcome)) {
	c.loop.Do(func() {
		c.finishedHooks = append(c.finishedHooks, fn)
	})
}

// Snapshot returns the current session view
func (c *Controller) Snapshot() State {
	var s State
	if err := c.loop.Do(func() { s = c.snapshot() }); err != nil {
		return State{Session: StateUnconfigured}
	}
	return s
}

// Close finalizes any active recording, waits for its outcome (bounded by ctx),
// detaches the input and stops the loop.
func (c *Controller) Close(ctx context.Context) error {
	var wait chan struct{}
	alreadyClosed := false
	err := c.loop.Do(func() {
		if c.closed {
			alreadyClosed = true
			return
		}
		c.closed = true
		if c.job != nil {
			wait = make(chan struct{})
			c.closeWait = wait
			if err := c.stopRecording(); err != nil {
				slog.Warn("Failed to stop recording during teardown", "error", err)
			}
		}
	})
	if err != nil || alreadyClosed {
		return nil
	}

	var waitErr error
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			slog.Warn("Recording did not finish before teardown deadline", "error", ctx.Err())
			waitErr = fmt.Errorf("waiting for recording to finish: %w", ctx.Err())
		}
	}

	c.loop.Do(func() {
		if c.job != nil {
			slog.Error("Abandoning recording at teardown", "path", c.job.handle.Destination)
			c.completeJob("", fmt.Errorf("%w: recording did not finish before teardown", ErrClosed))
		}
		c.stopSession()
	})
	c.loop.Close()
	slog.Debug("Capture controller closed")
	return waitErr
}

// exec runs fn on the loop unless the controller has been closed
func (c *Controller) exec(fn func() error) error {
	var err error
	if doErr := c.loop.Do(func() {
		if c.closed {
			err = ErrClosed
			return
		}
		err = fn()
	}); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) configure(pos Position, maxFrameRate bool) error {
	if c.job != nil {
		return ErrCannotSwitchWhileRecording
	}
	if c.state == StateRunning {
		c.stopSession()
	}

	c.setState(StateConfiguring)
	c.detachInput()

	dev, ok := c.devices.EnumerateDevice(pos)
	if !ok {
		c.setState(StateUnconfigured)
		slog.Error("Could not find camera", "position", pos)
		return fmt.Errorf("%w: no %s camera", ErrDeviceUnavailable, pos)
	}

	input, err := c.devices.OpenInput(dev)
	if err != nil {
		c.setState(StateUnconfigured)
		slog.Error("Could not add camera input", "position", pos, "device", dev.Path, "error", err)
		return fmt.Errorf("%w: open %s camera: %w", ErrDeviceUnavailable, pos, err)
	}
	c.input = input

	var lockErr error
	if maxFrameRate {
		lockErr = c.lockMaxFrameRate(dev)
	}

	if !c.outputAttached {
		if err := c.sink.Attach(sessionView{c}); err != nil {
			c.detachInput()
			c.setState(StateUnconfigured)
			slog.Error("Could not attach recording output", "error", err)
			return fmt.Errorf("%w: attach output: %w", ErrDeviceUnavailable, err)
		}
		c.outputAttached = true
	}

	c.setState(StateRunning)
	slog.Info("Capture session running", "position", pos, "device", dev.Path)
	return lockErr
}

func (c *Controller) lockMaxFrameRate(dev Device) error {
	best, ok := MaxFrameRateRange(c.devices.SupportedFrameRateRanges(dev))
	if !ok {
		slog.Warn("Camera reported no frame rate ranges", "device", dev.Path)
		return fmt.Errorf("%w: no frame rate ranges for %s", ErrConfigurationLockFailed, dev.Path)
	}
	if err := c.devices.LockFrameRate(dev, best.MaxFPS); err != nil {
		slog.Warn("Could not set frame rate", "device", dev.Path, "fps", best.MaxFPS, "error", err)
		return fmt.Errorf("%w: %w", ErrConfigurationLockFailed, err)
	}
	slog.Info("Set camera to max FPS", "device", dev.Path, "fps", best.MaxFPS)
	return nil
}

func (c *Controller) switchCamera(pos Position) error {
	if c.job != nil {
		slog.Warn("Refusing camera switch while recording", "position", pos)
		return ErrCannotSwitchWhileRecording
	}
	c.stopSession()
	return c.configure(pos, c.maxFrameRate)
}

// stopSession moves Running -> Stopping -> Unconfigured and detaches the input
func (c *Controller) stopSession() {
	if c.state == StateUnconfigured && c.input == nil {
		return
	}
	c.setState(StateStopping)
	c.detachInput()
	c.setState(StateUnconfigured)
}

func (c *Controller) detachInput() {
	if c.input == nil {
		return
	}
	dev := c.input.Device()
	if err := c.input.Close(); err != nil {
		slog.Warn("Failed to release camera input", "device", dev.Path, "error", err)
	}
	c.input = nil
	slog.Debug("Camera input detached", "position", dev.Position)
}

func (c *Controller) startRecording() (RecordingHandle, error) {
	if c.job != nil {
		slog.Warn("Already recording.")
		return RecordingHandle{}, ErrAlreadyRecording
	}
	if c.state != StateRunning || c.input == nil {
		return RecordingHandle{}, fmt.Errorf("%w: current state %s", ErrSessionNotRunning, c.state)
	}

	if err := os.MkdirAll(c.outputDir, 0755); err != nil {
		return RecordingHandle{}, fmt.Errorf("%w: create output directory: %w", ErrWriteFailed, err)
	}

	id := uuid.New().String()
	handle := RecordingHandle{
		ID:          id,
		Destination: filepath.Join(c.outputDir, id+"."+c.container),
		Position:    c.input.Device().Position,
		StartedAt:   c.loop.Now(),
	}

	ticket, err := c.sink.BeginWrite(handle.Destination, c.notify)
	if err != nil {
		slog.Error("Output refused to start recording", "path", handle.Destination, "error", err)
		return RecordingHandle{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.job = &recordingJob{handle: handle, ticket: ticket, status: JobRunning}
	c.stopRequested = false
	c.changed()

	slog.Info("Recording started", "path", handle.Destination, "position", handle.Position)
	return handle, nil
}

func (c *Controller) stopRecording() error {
	if c.job == nil {
		slog.Warn("Not currently recording.")
		return ErrNotRecording
	}
	if c.stopRequested {
		return nil
	}
	c.stopRequested = true
	c.sink.Finalize(c.job.ticket)
	slog.Info("Recording stopped", "path", c.job.handle.Destination)
	return nil
}

// notify marshals sink events from any goroutine back onto the loop
func (c *Controller) notify(ev SinkEvent) {
	if !c.loop.Post(func() { c.handleSinkEvent(ev) }) {
		slog.Warn("Dropping recording event after teardown", "ticket", ev.Ticket)
	}
}

func (c *Controller) handleSinkEvent(ev SinkEvent) {
	if c.job == nil || c.job.ticket != ev.Ticket {
		slog.Debug("Ignoring stale recording event", "ticket", ev.Ticket)
		return
	}

	var err error
	if ev.Err != nil {
		err = fmt.Errorf("%w: %w", ErrWriteFailed, ev.Err)
		slog.Error("Error recording file", "path", c.job.handle.Destination, "error", ev.Err)
	}
	c.completeJob(ev.Path, err)
}

// completeJob ends the active job with its single outcome. A nil err means success.
func (c *Controller) completeJob(path string, err error) {
	job := c.job
	c.job = nil
	c.stopRequested = false

	outcome := Outcome{Handle: job.handle, FinishedAt: c.loop.Now()}
	if err != nil {
		job.status = JobFailed
		outcome.Err = err
	} else {
		job.status = JobCompleted
		outcome.Path = path
		if outcome.Path == "" {
			outcome.Path = job.handle.Destination
		}
		slog.Info("Recording finished", "path", outcome.Path)
	}
	c.lastOutcome = &outcome

	c.changed()
	for _, hook := range c.finishedHooks {
		hook(outcome)
	}

	if c.closeWait != nil {
		close(c.closeWait)
		c.closeWait = nil
	}
}

func (c *Controller) setState(s SessionState) {
	if c.state == s {
		return
	}
	slog.Debug("Capture session state", "from", c.state, "to", s)
	c.state = s
	c.changed()
}

func (c *Controller) changed() {
	for _, hook := range c.changeHooks {
		hook()
	}
}

func (c *Controller) snapshot() State {
	s := State{
		IsRecording: c.job != nil,
		Session:     c.state,
	}
	if c.input != nil {
		pos := c.input.Device().Position
		s.Input = &pos
	}
	if c.job != nil {
		h := c.job.handle
		s.Recording = &h
	}
	if c.lastOutcome != nil {
		o := *c.lastOutcome
		s.LastOutcome = &o
		if o.Err != nil {
			s.LastOutcomeErr = o.Err.Error()
		}
	}
	return s
}

// sessionView exposes the session to the output sink. Only valid on the loop.
type sessionView struct {
	c *Controller
}

func (v sessionView) State() SessionState {
	return v.c.state
}

func (v sessionView) Input() (Input, bool) {
	return v.c.input, v.c.input != nil
}
