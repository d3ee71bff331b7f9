package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/config"
	"github.com/audiolibrelab/duocapture/internal/device"
	"github.com/audiolibrelab/duocapture/internal/persist"
)

// Service represents the core DuoCapture service interface
type Service interface {
	// Session lifecycle
	Start() error
	Close(ctx context.Context) error

	// Direct camera operations
	SwitchCamera(pos capture.Position) error
	StartRecording() (capture.RecordingHandle, error)
	StopRecording() error

	// Sequence operations
	RecordFrontThenBack(front, gap, back time.Duration) (*capture.SequenceHandle, error)
	CancelSequence() bool

	// Observation
	Status() Status
	Observe(fn func(capture.State)) (cancel func())
	OnFinished(fn func(capture.Outcome))

	// Information operations
	Cameras() []device.CameraStatus
	GetConfig() *config.Config
	GetLastError() string
}

// Status is the state reported to remote controls
type Status struct {
	Capture   capture.State `json:"capture"`
	Backend   string        `json:"backend"`
	Sequence  SequenceInfo  `json:"sequence_defaults"`
	LastError string        `json:"last_error,omitempty"`
}

// SequenceInfo carries the configured phase durations
type SequenceInfo struct {
	Front string `json:"front"`
	Gap   string `json:"gap"`
	Back  string `json:"back"`
}

// Options overrides collaborators, mainly for tests
type Options struct {
	Backend   *device.Backend
	Persister capture.Persister
	Clock     capture.Clock
}

// DuoCaptureService is the main service implementation
type DuoCaptureService struct {
	cfg       *config.Config
	backend   *device.Backend
	persister capture.Persister
	co        *capture.Coordinator

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates the service from configuration: backend, persister, controller and coordinator
func New(ctx context.Context, cfg *config.Config) (*DuoCaptureService, error) {
	backend, err := device.New(cfg)
	if err != nil {
		return nil, err
	}
	persister, err := persist.New(ctx, cfg.Persist)
	if err != nil {
		return nil, fmt.Errorf("failed to set up persistence: %w", err)
	}
	return NewWithOptions(cfg, Options{Backend: backend, Persister: persister})
}

// NewWithOptions creates the service with explicit collaborators
func NewWithOptions(cfg *config.Config, opts Options) (*DuoCaptureService, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("camera backend is required")
	}
	if err := os.MkdirAll(cfg.Output.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	ctrl, err := capture.NewController(capture.ControllerOptions{
		Devices:         opts.Backend.Devices,
		Sink:            opts.Backend.Sink,
		OutputDirectory: cfg.Output.Directory,
		Container:       cfg.Output.Container,
		MaxFrameRate:    cfg.Camera.MaxFrameRate,
		Clock:           opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create capture controller: %w", err)
	}

	s := &DuoCaptureService{
		cfg:       cfg,
		backend:   opts.Backend,
		persister: opts.Persister,
		co:        capture.NewCoordinator(ctrl, opts.Persister),
	}

	ctrl.OnFinished(s.logOutcome)
	s.co.OnPersistError(func(err error) {
		s.setLastError(err.Error())
	})
	return s, nil
}

// Start configures the default camera so the first command finds a running session.
// A missing default camera is recorded as the last error and leaves the session
// unconfigured, so callers can still switch to the other position.
func (s *DuoCaptureService) Start() error {
	pos, err := capture.ParsePosition(s.cfg.Camera.DefaultPosition)
	if err != nil {
		pos = capture.Front
	}

	ctrl := s.co.Controller()
	if s.cfg.Camera.MaxFrameRate {
		err = ctrl.ConfigureMaxFrameRate(pos)
	} else {
		err = ctrl.Configure(pos)
	}

	switch {
	case err == nil:
		slog.Info("Capture session ready", "position", pos, "backend", s.backend.Type)
		return nil
	case errors.Is(err, capture.ErrConfigurationLockFailed):
		slog.Warn("Running at the camera's default frame rate", "position", pos, "error", err)
		return nil
	case errors.Is(err, capture.ErrDeviceUnavailable):
		s.setLastError(fmt.Sprintf("Failed to configure %s camera: %v", pos, err))
		slog.Warn("Default camera unavailable, session left unconfigured", "position", pos)
		return nil
	default:
		s.setLastError(fmt.Sprintf("Failed to configure %s camera: %v", pos, err))
		return err
	}
}

// Close tears down the session, bounded by ctx
func (s *DuoCaptureService) Close(ctx context.Context) error {
	err := s.co.Close(ctx)
	if c, ok := s.persister.(interface{ Close() error }); ok {
		if cerr := c.Close(); cerr != nil {
			slog.Warn("Failed to close persister", "error", cerr)
		}
	}
	return err
}

// SwitchCamera rebinds the session to the camera at pos
func (s *DuoCaptureService) SwitchCamera(pos capture.Position) error {
	err := s.co.SwitchCamera(pos)
	if err != nil && !errors.Is(err, capture.ErrConfigurationLockFailed) {
		s.setLastError(fmt.Sprintf("Failed to switch to %s camera: %v", pos, err))
		return err
	}
	s.clearLastError()
	slog.Info("Switched camera", "position", pos)
	return err
}

// StartRecording starts a single recording on the current camera
func (s *DuoCaptureService) StartRecording() (capture.RecordingHandle, error) {
	handle, err := s.co.StartRecording()
	if err != nil {
		if errors.Is(err, capture.ErrAlreadyRecording) {
			slog.Info("Already recording.")
		}
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return handle, err
	}
	s.clearLastError()
	slog.Info("Recording started", "path", handle.Destination, "position", handle.Position)
	return handle, nil
}

// StopRecording stops the current recording; the outcome arrives through OnFinished
func (s *DuoCaptureService) StopRecording() error {
	if err := s.co.StopRecording(); err != nil {
		if errors.Is(err, capture.ErrNotRecording) {
			slog.Info("Not recording.")
		}
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	return nil
}

// RecordFrontThenBack runs the timed two-phase recording
func (s *DuoCaptureService) RecordFrontThenBack(front, gap, back time.Duration) (*capture.SequenceHandle, error) {
	h, err := s.co.RecordFrontThenBack(front, gap, back)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start sequence: %v", err))
		return h, err
	}
	s.clearLastError()

	go func() {
		<-h.Done()
		if err := h.Err(); err != nil && !h.Cancelled() {
			s.setLastError(fmt.Sprintf("Sequence failed: %v", err))
		}
	}()
	return h, nil
}

// CancelSequence cancels the running sequence, if any
func (s *DuoCaptureService) CancelSequence() bool {
	return s.co.CancelSequence()
}

// Status returns the capture state together with service-level details
func (s *DuoCaptureService) Status() Status {
	return Status{
		Capture: s.co.Snapshot(),
		Backend: string(s.backend.Type),
		Sequence: SequenceInfo{
			Front: s.cfg.Sequence.Front.String(),
			Gap:   s.cfg.Sequence.Gap.String(),
			Back:  s.cfg.Sequence.Back.String(),
		},
		LastError: s.GetLastError(),
	}
}

// Observe registers fn for every state change, starting with the current state
func (s *DuoCaptureService) Observe(fn func(capture.State)) (cancel func()) {
	return s.co.Observe(fn)
}

// OnFinished registers fn for every recording outcome. fn must not block.
func (s *DuoCaptureService) OnFinished(fn func(capture.Outcome)) {
	s.co.Controller().OnFinished(fn)
}

// Cameras reports the configured cameras and their availability
func (s *DuoCaptureService) Cameras() []device.CameraStatus {
	return s.backend.Cameras(s.cfg)
}

// GetConfig returns the current configuration
func (s *DuoCaptureService) GetConfig() *config.Config {
	return s.cfg
}

func (s *DuoCaptureService) logOutcome(o capture.Outcome) {
	if o.OK() {
		slog.Info("Recording finished", "path", o.Path, "position", o.Handle.Position,
			"duration", o.FinishedAt.Sub(o.Handle.StartedAt).Round(time.Millisecond))
		return
	}
	s.setLastError(fmt.Sprintf("Recording %s failed: %v", o.Handle.ID, o.Err))
}

// GetLastError returns the last error message (thread-safe)
func (s *DuoCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *DuoCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *DuoCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
