package capture

import "context"

// Device describes one physical camera reachable through a DeviceProvider
type Device struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Path     string   `json:"path"`
}

// FrameRateRange is a supported frame rate interval in frames per second
type FrameRateRange struct {
	MinFPS float64 `json:"min_fps"`
	MaxFPS float64 `json:"max_fps"`
}

// Input is an opened camera attached to the capture session.
// Close detaches it and releases the device.
type Input interface {
	Device() Device
	Close() error
}

// DeviceProvider is the capability interface the core uses to reach cameras
type DeviceProvider interface {
	EnumerateDevice(pos Position) (Device, bool)
	OpenInput(dev Device) (Input, error)
	SupportedFrameRateRanges(dev Device) []FrameRateRange
	LockFrameRate(dev Device, fps float64) error
}

// Session is the read-only view of the capture pipeline an OutputSink attaches to
type Session interface {
	State() SessionState
	Input() (Input, bool)
}

// Ticket identifies one write started on an OutputSink
type Ticket string

// SinkEvent is the terminal event of a ticket. Err is nil when the file was written.
type SinkEvent struct {
	Ticket Ticket
	Path   string
	Err    error
}

// OutputSink writes the attached session's input to a file.
// Implementations must call notify exactly once per ticket, from any goroutine.
type OutputSink interface {
	Attach(s Session) error
	BeginWrite(destination string, notify func(SinkEvent)) (Ticket, error)
	Finalize(t Ticket)
}

// Persister receives the path of every successfully completed recording
type Persister interface {
	Persist(ctx context.Context, path string) error
}

// MaxFrameRateRange returns the range with the greatest upper bound.
// Ties keep the first range encountered.
func MaxFrameRateRange(ranges []FrameRateRange) (FrameRateRange, bool) {
	if len(ranges) == 0 {
		return FrameRateRange{}, false
	}
	best := ranges[0]
	for _, r := range ranges[1:] {
		if r.MaxFPS > best.MaxFPS {
			best = r
		}
	}
	return best, true
}
