package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SequenceHandle tracks one front-then-back run. It settles exactly once.
type SequenceHandle struct {
	id   string
	done chan struct{}

	mu        sync.Mutex
	err       error
	cancelled bool
	outcomes  []Outcome
}

func newSequenceHandle() *SequenceHandle {
	return &SequenceHandle{
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

// ID returns the sequence identifier
func (h *SequenceHandle) ID() string {
	return h.id
}

// Done is closed once the sequence has settled
func (h *SequenceHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that ended the sequence, if any
func (h *SequenceHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancelled reports whether the sequence ended because of a cancellation
func (h *SequenceHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Outcomes returns the recordings completed by the sequence so far
func (h *SequenceHandle) Outcomes() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Outcome, len(h.outcomes))
	copy(out, h.outcomes)
	return out
}

// Wait blocks until the sequence settles or ctx ends
func (h *SequenceHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SequenceHandle) addOutcome(o Outcome) {
	h.mu.Lock()
	h.outcomes = append(h.outcomes, o)
	h.mu.Unlock()
}

func (h *SequenceHandle) settle(err error, cancelled bool) {
	h.mu.Lock()
	h.err = err
	h.cancelled = cancelled
	h.mu.Unlock()
	close(h.done)
}

// sequenceRun is the loop-owned execution state of one plan
type sequenceRun struct {
	handle   *SequenceHandle
	plan     Plan
	next     int
	timer    Timer
	awaiting string

	cancelRequested bool
	failure         error
}

type observer struct {
	id int
	fn func(State)
}

// Coordinator drives timed sequences over a Controller and publishes the observable state.
// Direct commands and sequences share the controller, so overlapping commands fail with ErrBusy.
type Coordinator struct {
	ctrl *Controller
	loop *Loop

	persister      Persister
	persistCtx     context.Context
	persistCancel  context.CancelFunc
	persistWG      sync.WaitGroup
	persistPending atomic.Int64

	// Loop-owned
	run       *sequenceRun
	observers []observer
	nextObsID int

	mu           sync.RWMutex
	snapshot     State
	persistHooks []func(error)
}

// NewCoordinator attaches a coordinator to ctrl. p may be nil when recordings are kept in place.
func NewCoordinator(ctrl *Controller, p Persister) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		ctrl:          ctrl,
		loop:          ctrl.loop,
		persister:     p,
		persistCtx:    ctx,
		persistCancel: cancel,
	}
	co.loop.Do(func() {
		ctrl.changeHooks = append(ctrl.changeHooks, co.publish)
		ctrl.finishedHooks = append(ctrl.finishedHooks, co.handleFinished)
		co.publish()
	})
	return co
}

// Controller returns the underlying session controller
func (co *Coordinator) Controller() *Controller {
	return co.ctrl
}

// RecordFrontThenBack starts the two-phase routine. When a sequence or recording is already
// active it returns an already-cancelled handle together with ErrBusy.
func (co *Coordinator) RecordFrontThenBack(front, gap, back time.Duration) (*SequenceHandle, error) {
	plan, err := FrontThenBack(front, gap, back)
	if err != nil {
		h := newSequenceHandle()
		h.settle(err, true)
		return h, err
	}

	var (
		handle *SequenceHandle
		runErr error
	)
	doErr := co.loop.Do(func() {
		if co.ctrl.closed {
			runErr = ErrClosed
			return
		}
		if co.run != nil || co.ctrl.job != nil {
			slog.Warn("Rejecting sequence while capture is busy", "sequence_running", co.run != nil, "recording", co.ctrl.job != nil)
			runErr = ErrBusy
			return
		}

		handle = newSequenceHandle()
		co.run = &sequenceRun{handle: handle, plan: plan}
		slog.Info("Sequence started", "id", handle.id, "front", front, "gap", gap, "back", back)
		co.publish()
		co.advance()
	})
	if doErr != nil {
		runErr = doErr
	}
	if runErr != nil {
		h := newSequenceHandle()
		h.settle(runErr, true)
		return h, runErr
	}
	return handle, nil
}

// Cancel asks the sequence behind h to stop at the next step boundary.
// It reports whether h was the running sequence.
func (co *Coordinator) Cancel(h *SequenceHandle) bool {
	found := false
	co.loop.Do(func() {
		if co.run == nil || co.run.handle != h {
			return
		}
		found = true
		co.cancelRun()
	})
	return found
}

// CancelSequence cancels whichever sequence is running
func (co *Coordinator) CancelSequence() bool {
	found := false
	co.loop.Do(func() {
		if co.run == nil {
			return
		}
		found = true
		co.cancelRun()
	})
	return found
}

// SwitchCamera is the direct single-camera switch command
func (co *Coordinator) SwitchCamera(pos Position) error {
	return co.direct(func() error { return co.ctrl.switchCamera(pos) })
}

// StartRecording is the direct start command
func (co *Coordinator) StartRecording() (RecordingHandle, error) {
	var handle RecordingHandle
	err := co.direct(func() error {
		var err error
		handle, err = co.ctrl.startRecording()
		return err
	})
	return handle, err
}

// StopRecording is the direct stop command
func (co *Coordinator) StopRecording() error {
	return co.direct(co.ctrl.stopRecording)
}

// Snapshot returns the last published state
func (co *Coordinator) Snapshot() State {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.snapshot
}

// IsRecording reports whether a recording job is active
func (co *Coordinator) IsRecording() bool {
	return co.Snapshot().IsRecording
}

// Observe registers fn to receive the state after every transition, starting with the
// current one. fn runs on the controller loop and must not block or call back into the core.
func (co *Coordinator) Observe(fn func(State)) (cancel func()) {
	id := -1
	co.loop.Do(func() {
		co.nextObsID++
		id = co.nextObsID
		co.observers = append(co.observers, observer{id: id, fn: fn})
		fn(co.Snapshot())
	})
	return func() {
		co.loop.Do(func() {
			for i, o := range co.observers {
				if o.id == id {
					co.observers = append(co.observers[:i], co.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// OnPersistError registers fn to receive persistence failures
func (co *Coordinator) OnPersistError(fn func(error)) {
	co.mu.Lock()
	co.persistHooks = append(co.persistHooks, fn)
	co.mu.Unlock()
}

// Close cancels a running sequence, tears the controller down and waits for pending
// persistence hand-offs, all bounded by ctx.
func (co *Coordinator) Close(ctx context.Context) error {
	co.loop.Do(func() {
		if co.run != nil {
			co.cancelRun()
		}
	})
	err := co.ctrl.Close(ctx)

	if co.persistPending.Load() == 0 {
		co.persistCancel()
		return err
	}

	done := make(chan struct{})
	go func() {
		co.persistWG.Wait()
		close(done)
	}()
	if perr := waitOrExpire(ctx, done); perr != nil {
		slog.Warn("Persistence still in progress at shutdown", "error", perr)
		if err == nil {
			err = fmt.Errorf("waiting for persistence: %w", perr)
		}
	}
	co.persistCancel()
	return err
}

// waitOrExpire waits for done, preferring it over an already expired ctx
func waitOrExpire(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (co *Coordinator) direct(fn func() error) error {
	return co.ctrl.exec(func() error {
		if co.run != nil {
			return fmt.Errorf("%w: sequence %s is running", ErrBusy, co.run.handle.id)
		}
		return fn()
	})
}

func (co *Coordinator) cancelRun() {
	run := co.run
	if run.cancelRequested {
		return
	}
	run.cancelRequested = true
	slog.Info("Sequence cancel requested", "id", run.handle.id)
	if run.timer != nil {
		run.timer.Stop()
		run.timer = nil
	}
	co.advance()
}

// advance executes steps until the run blocks on a wait or a completion signal
func (co *Coordinator) advance() {
	for co.run != nil {
		run := co.run
		if run.awaiting != "" || run.timer != nil {
			return
		}

		if run.cancelRequested || run.failure != nil {
			if co.ctrl.job != nil {
				run.awaiting = co.ctrl.job.handle.ID
				if err := co.ctrl.stopRecording(); err != nil {
					slog.Error("Failed to stop recording while ending sequence", "error", err)
				}
				return
			}
			co.finish(run.failure, run.cancelRequested)
			return
		}

		if run.next >= len(run.plan) {
			co.finish(nil, false)
			return
		}

		step := run.plan[run.next]
		run.next++
		slog.Debug("Sequence step", "id", run.handle.id, "step", step.String())

		switch step.Kind {
		case StepSwitchTo:
			if err := co.ctrl.switchCamera(step.Position); err != nil {
				if errors.Is(err, ErrConfigurationLockFailed) {
					slog.Warn("Continuing at default frame rate", "position", step.Position, "error", err)
					continue
				}
				run.failure = fmt.Errorf("switch to %s camera: %w", step.Position, err)
			}

		case StepStartRecording:
			if _, err := co.ctrl.startRecording(); err != nil {
				run.failure = fmt.Errorf("start recording: %w", err)
			}

		case StepStopRecording:
			if co.ctrl.job == nil {
				slog.Debug("Recording already ended before stop step", "id", run.handle.id)
				continue
			}
			run.awaiting = co.ctrl.job.handle.ID
			if err := co.ctrl.stopRecording(); err != nil {
				run.awaiting = ""
				run.failure = fmt.Errorf("stop recording: %w", err)
			}

		case StepWait:
			var timer Timer
			timer = co.loop.After(step.Duration, func() {
				if co.run != run || run.timer != timer {
					return
				}
				run.timer = nil
				co.advance()
			})
			run.timer = timer
		}
	}
}

func (co *Coordinator) handleFinished(o Outcome) {
	if o.OK() {
		co.handOff(o.Path)
	}

	run := co.run
	if run == nil {
		return
	}
	run.handle.addOutcome(o)
	if run.awaiting == o.Handle.ID {
		run.awaiting = ""
	}
	if !o.OK() && run.failure == nil {
		run.failure = o.Err
		if run.timer != nil {
			run.timer.Stop()
			run.timer = nil
		}
	}
	co.advance()
}

func (co *Coordinator) finish(err error, cancelled bool) {
	run := co.run
	co.run = nil
	run.handle.settle(err, cancelled)
	switch {
	case err != nil:
		slog.Error("Sequence failed", "id", run.handle.id, "error", err)
	case cancelled:
		slog.Info("Sequence cancelled", "id", run.handle.id, "recordings", len(run.handle.outcomes))
	default:
		slog.Info("Sequence completed", "id", run.handle.id, "recordings", len(run.handle.outcomes))
	}
	co.publish()
}

// publish stores and fans out the current state. Runs on the loop.
func (co *Coordinator) publish() {
	s := co.ctrl.snapshot()
	s.SequenceRunning = co.run != nil

	co.mu.Lock()
	co.snapshot = s
	co.mu.Unlock()

	for _, o := range co.observers {
		o.fn(s)
	}
}

func (co *Coordinator) handOff(path string) {
	if co.persister == nil {
		return
	}
	co.persistWG.Add(1)
	co.persistPending.Add(1)
	go func() {
		defer co.persistWG.Done()
		defer co.persistPending.Add(-1)
		if err := co.persister.Persist(co.persistCtx, path); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrPersist, path, err)
			slog.Error("Failed to persist recording", "path", path, "error", err)
			co.mu.RLock()
			hooks := append([]func(error){}, co.persistHooks...)
			co.mu.RUnlock()
			for _, hook := range hooks {
				hook(err)
			}
			return
		}
		slog.Info("Recording handed to persistence", "path", path)
	}()
}
