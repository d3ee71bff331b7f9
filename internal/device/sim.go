package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/config"
)

// Sim is an in-process camera pair for machines without video hardware
type Sim struct {
	cameras map[capture.Position]config.Camera

	mu     sync.Mutex
	locked map[capture.Position]float64
}

var simFrameRates = []capture.FrameRateRange{
	{MinFPS: 1, MaxFPS: 30},
	{MinFPS: 1, MaxFPS: 60},
	{MinFPS: 30, MaxFPS: 60},
}

func NewSim(cfg config.CameraConfig) *Sim {
	return &Sim{
		cameras: map[capture.Position]config.Camera{
			capture.Front: cfg.Front,
			capture.Back:  cfg.Back,
		},
		locked: make(map[capture.Position]float64),
	}
}

func (s *Sim) EnumerateDevice(pos capture.Position) (capture.Device, bool) {
	cam, ok := s.cameras[pos]
	if !ok || cam.ID == "" {
		return capture.Device{}, false
	}
	return capture.Device{ID: cam.ID, Name: cam.Name, Position: pos, Path: "sim://" + cam.ID}, true
}

func (s *Sim) OpenInput(dev capture.Device) (capture.Input, error) {
	return simInput{dev: dev}, nil
}

func (s *Sim) SupportedFrameRateRanges(dev capture.Device) []capture.FrameRateRange {
	return append([]capture.FrameRateRange(nil), simFrameRates...)
}

func (s *Sim) LockFrameRate(dev capture.Device, fps float64) error {
	s.mu.Lock()
	s.locked[dev.Position] = fps
	s.mu.Unlock()
	return nil
}

type simInput struct {
	dev capture.Device
}

func (i simInput) Device() capture.Device { return i.dev }
func (i simInput) Close() error { return nil }

// SimSink writes a small JSON manifest in place of encoded video
type SimSink struct {
	mu      sync.Mutex
	session capture.Session
	writes  map[capture.Ticket]*simWrite
}

type simWrite struct {
	destination string
	position    capture.Position
	device      string
	started     time.Time
	notify      func(capture.SinkEvent)
}

// simManifest is the content of a simulated recording
type simManifest struct {
	Device    string           `json:"device"`
	Position  capture.Position `json:"position"`
	StartedAt time.Time        `json:"started_at"`
	StoppedAt time.Time        `json:"stopped_at"`
	Duration  string           `json:"duration"`
}

func NewSimSink() *SimSink {
	return &SimSink{writes: make(map[capture.Ticket]*simWrite)}
}

func (s *SimSink) Attach(session capture.Session) error {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	return nil
}

func (s *SimSink) BeginWrite(destination string, notify func(capture.SinkEvent)) (capture.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return "", fmt.Errorf("sink is not attached to a session")
	}
	input, ok := s.session.Input()
	if !ok {
		return "", fmt.Errorf("no camera input attached")
	}

	f, err := os.Create(destination)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destination, err)
	}
	f.Close()

	ticket := capture.Ticket(uuid.New().String())
	s.writes[ticket] = &simWrite{
		destination: destination,
		position:    input.Device().Position,
		device:      input.Device().Path,
		started:     time.Now(),
		notify:      notify,
	}
	slog.Debug("Simulated recording started", "path", destination)
	return ticket, nil
}

func (s *SimSink) Finalize(t capture.Ticket) {
	s.mu.Lock()
	w, ok := s.writes[t]
	delete(s.writes, t)
	s.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		stopped := time.Now()
		manifest := simManifest{
			Device:    w.device,
			Position:  w.position,
			StartedAt: w.started,
			StoppedAt: stopped,
			Duration:  stopped.Sub(w.started).String(),
		}
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err == nil {
			err = os.WriteFile(w.destination, data, 0644)
		}
		if err != nil {
			w.notify(capture.SinkEvent{Ticket: t, Err: err})
			return
		}
		w.notify(capture.SinkEvent{Ticket: t, Path: w.destination})
	}()
}
