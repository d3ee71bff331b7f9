package device

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/config"
)

var (
	discreteFPS = regexp.MustCompile(`\(([\d.]+) fps\)`)
	stepwiseFPS = regexp.MustCompile(`\(([\d.]+)-([\d.]+) fps\)`)
)

// runFunc executes an external command and returns its stdout
type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// V4L2 reaches cameras through video4linux device nodes using v4l2-ctl
type V4L2 struct {
	cameras map[capture.Position]config.Camera
	run     runFunc
	stat    func(string) (os.FileInfo, error)

	mu     sync.Mutex
	locked map[string]float64
	open   map[string]bool
}

// NewV4L2 creates a V4L2 provider for the configured front and back cameras
func NewV4L2(cfg config.CameraConfig) *V4L2 {
	return &V4L2{
		cameras: map[capture.Position]config.Camera{
			capture.Front: cfg.Front,
			capture.Back:  cfg.Back,
		},
		run:    runCommand,
		stat:   os.Stat,
		locked: make(map[string]float64),
		open:   make(map[string]bool),
	}
}

// EnumerateDevice returns the camera configured for pos if its device node exists
func (v *V4L2) EnumerateDevice(pos capture.Position) (capture.Device, bool) {
	cam, ok := v.cameras[pos]
	if !ok || cam.Device == "" {
		return capture.Device{}, false
	}
	if _, err := v.stat(cam.Device); err != nil {
		slog.Debug("Camera device node not present", "position", pos, "device", cam.Device, "error", err)
		return capture.Device{}, false
	}
	return capture.Device{ID: cam.ID, Name: cam.Name, Position: pos, Path: cam.Device}, true
}

// OpenInput claims the device after checking that v4l2 answers for it
func (v *V4L2) OpenInput(dev capture.Device) (capture.Input, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.open[dev.Path] {
		return nil, fmt.Errorf("device %s is already attached", dev.Path)
	}
	output, err := v.run("v4l2-ctl", "--device", dev.Path, "--info")
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", dev.Path, err)
	}
	if !strings.Contains(string(output), "Video Capture") {
		return nil, fmt.Errorf("device %s does not support video capture", dev.Path)
	}

	v.open[dev.Path] = true
	slog.Debug("Camera input opened", "device", dev.Path)
	return &v4l2Input{dev: dev, release: v.release}, nil
}

func (v *V4L2) release(path string) {
	v.mu.Lock()
	delete(v.open, path)
	delete(v.locked, path)
	v.mu.Unlock()
}

// SupportedFrameRateRanges lists the frame rate ranges of every format the device offers
func (v *V4L2) SupportedFrameRateRanges(dev capture.Device) []capture.FrameRateRange {
	output, err := v.run("v4l2-ctl", "--device", dev.Path, "--list-formats-ext")
	if err != nil {
		slog.Warn("Failed to list camera formats", "device", dev.Path, "error", err)
		return nil
	}
	return parseFrameRates(string(output))
}

// LockFrameRate sets the device's capture rate; the ffmpeg sink requests the same rate
func (v *V4L2) LockFrameRate(dev capture.Device, fps float64) error {
	rate := strconv.FormatFloat(fps, 'f', -1, 64)
	output, err := v.run("v4l2-ctl", "--device", dev.Path, "--set-parm="+rate)
	if err != nil {
		return fmt.Errorf("failed to set frame rate on %s: %w", dev.Path, err)
	}
	slog.Debug("v4l2-ctl set-parm", "device", dev.Path, "output", strings.TrimSpace(string(output)))

	v.mu.Lock()
	v.locked[dev.Path] = fps
	v.mu.Unlock()
	return nil
}

// FrameRate returns the rate locked for dev, if any
func (v *V4L2) FrameRate(dev capture.Device) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fps, ok := v.locked[dev.Path]
	return fps, ok
}

// InputFormat returns the configured v4l2 pixel format for dev
func (v *V4L2) InputFormat(dev capture.Device) string {
	return v.cameras[dev.Position].InputFormat
}

// ListDevices returns every video node v4l2-ctl reports, grouped by card name
func (v *V4L2) ListDevices() ([]DeviceNode, error) {
	output, err := v.run("v4l2-ctl", "--list-devices")
	if err != nil {
		return nil, fmt.Errorf("failed to list video devices: %w", err)
	}
	return parseDeviceList(string(output)), nil
}

type v4l2Input struct {
	dev     capture.Device
	release func(string)
	once    sync.Once
}

func (i *v4l2Input) Device() capture.Device { return i.dev }

func (i *v4l2Input) Close() error {
	i.once.Do(func() { i.release(i.dev.Path) })
	return nil
}

// DeviceNode is one /dev/video* node and the card exposing it
type DeviceNode struct {
	Card string `json:"card" yaml:"card"`
	Path string `json:"path" yaml:"path"`
}

// parseFrameRates extracts frame rate ranges from v4l2-ctl --list-formats-ext output.
// Discrete intervals become single-point ranges. Duplicates are dropped, order is kept.
func parseFrameRates(output string) []capture.FrameRateRange {
	var ranges []capture.FrameRateRange
	seen := make(map[capture.FrameRateRange]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Interval:") {
			continue
		}

		var r capture.FrameRateRange
		if m := stepwiseFPS.FindStringSubmatch(line); m != nil {
			minFPS, err1 := strconv.ParseFloat(m[1], 64)
			maxFPS, err2 := strconv.ParseFloat(m[2], 64)
			if err1 != nil || err2 != nil {
				continue
			}
			r = capture.FrameRateRange{MinFPS: minFPS, MaxFPS: maxFPS}
		} else if m := discreteFPS.FindStringSubmatch(line); m != nil {
			fps, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			r = capture.FrameRateRange{MinFPS: fps, MaxFPS: fps}
		} else {
			continue
		}

		if !seen[r] {
			seen[r] = true
			ranges = append(ranges, r)
		}
	}

	return ranges
}

// parseDeviceList parses v4l2-ctl --list-devices output
func parseDeviceList(output string) []DeviceNode {
	var nodes []DeviceNode
	card := ""

	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			card = strings.TrimSuffix(strings.TrimSpace(line), ":")
			if idx := strings.LastIndex(card, " ("); idx > 0 {
				card = card[:idx]
			}
			continue
		}
		path := strings.TrimSpace(line)
		if strings.HasPrefix(path, "/dev/video") {
			nodes = append(nodes, DeviceNode{Card: card, Path: path})
		}
	}

	return nodes
}
