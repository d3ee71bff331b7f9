package device

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/config"
)

// BackendType represents the type of camera backend
type BackendType string

const (
	BackendTypeV4L2 BackendType = "v4l2"
	BackendTypeSim  BackendType = "sim"
)

// Backend pairs the device provider and output sink the capture core runs on
type Backend struct {
	Type    BackendType
	Devices capture.DeviceProvider
	Sink    capture.OutputSink

	v4l2 *V4L2
}

// New creates the backend selected by configuration
func New(cfg *config.Config) (*Backend, error) {
	switch determineBackend(cfg) {
	case BackendTypeV4L2:
		v := NewV4L2(cfg.Camera)
		return &Backend{
			Type:    BackendTypeV4L2,
			Devices: v,
			Sink:    NewFFmpegSink(v, cfg.Output.Codec),
			v4l2:    v,
		}, nil
	case BackendTypeSim:
		return &Backend{
			Type:    BackendTypeSim,
			Devices: NewSim(cfg.Camera),
			Sink:    NewSimSink(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown camera backend: %s", cfg.Camera.Backend)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Camera.Backend) {
	case "", "v4l2":
		return BackendTypeV4L2
	case "sim":
		return BackendTypeSim
	}
	return BackendType(cfg.Camera.Backend)
}

// GetAvailableBackends returns list of available backends
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeV4L2, BackendTypeSim}
}

// CameraStatus describes a configured camera and what the backend reports for it
type CameraStatus struct {
	Position   capture.Position         `json:"position" yaml:"position"`
	ID         string                   `json:"id" yaml:"id"`
	Name       string                   `json:"name" yaml:"name"`
	Path       string                   `json:"path" yaml:"path"`
	Available  bool                     `json:"available" yaml:"available"`
	FrameRates []capture.FrameRateRange `json:"frame_rates,omitempty" yaml:"frame_rates,omitempty"`
	MaxFPS     float64                  `json:"max_fps,omitempty" yaml:"max_fps,omitempty"`
}

// Cameras reports the configured front and back cameras
func (b *Backend) Cameras(cfg *config.Config) []CameraStatus {
	slots := []struct {
		pos capture.Position
		cam config.Camera
	}{
		{capture.Front, cfg.Camera.Front},
		{capture.Back, cfg.Camera.Back},
	}

	var statuses []CameraStatus
	for _, slot := range slots {
		status := CameraStatus{Position: slot.pos, ID: slot.cam.ID, Name: slot.cam.Name, Path: slot.cam.Device}
		if dev, ok := b.Devices.EnumerateDevice(slot.pos); ok {
			status.Available = true
			status.Path = dev.Path
			status.FrameRates = b.Devices.SupportedFrameRateRanges(dev)
			if best, ok := capture.MaxFrameRateRange(status.FrameRates); ok {
				status.MaxFPS = best.MaxFPS
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ListNodes returns every video node the backend can see
func (b *Backend) ListNodes() ([]DeviceNode, error) {
	if b.v4l2 == nil {
		return nil, nil
	}
	return b.v4l2.ListDevices()
}
