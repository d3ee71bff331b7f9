package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock only moves when a test advances it
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fireNext runs the earliest timer due at or before target and reports whether one fired.
// Without a due timer the clock jumps to target.
func (c *fakeClock) fireNext(target time.Time) bool {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		c.now = target
		c.mu.Unlock()
		return false
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	next := due[0]
	next.stopped = true
	c.now = next.at
	c.mu.Unlock()

	next.f()
	return true
}

func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeInput struct {
	dev    Device
	mu     sync.Mutex
	closed int
}

func (i *fakeInput) Device() Device { return i.dev }

func (i *fakeInput) Close() error {
	i.mu.Lock()
	i.closed++
	i.mu.Unlock()
	return nil
}

func (i *fakeInput) closeCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

type fakeDevices struct {
	mu      sync.Mutex
	devices map[Position]Device
	openErr map[Position]error
	ranges  []FrameRateRange
	lockErr error
	locked  []float64
	opened  []*fakeInput
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		devices: map[Position]Device{
			Front: {ID: "cam-front", Name: "Front Camera", Position: Front, Path: "/dev/video0"},
			Back:  {ID: "cam-back", Name: "Back Camera", Position: Back, Path: "/dev/video2"},
		},
		openErr: map[Position]error{},
		ranges:  []FrameRateRange{{MinFPS: 1, MaxFPS: 30}, {MinFPS: 1, MaxFPS: 60}},
	}
}

func (d *fakeDevices) EnumerateDevice(pos Position) (Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[pos]
	return dev, ok
}

func (d *fakeDevices) OpenInput(dev Device) (Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.openErr[dev.Position]; err != nil {
		return nil, err
	}
	in := &fakeInput{dev: dev}
	d.opened = append(d.opened, in)
	return in, nil
}

func (d *fakeDevices) SupportedFrameRateRanges(dev Device) []FrameRateRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ranges
}

func (d *fakeDevices) LockFrameRate(dev Device, fps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockErr != nil {
		return d.lockErr
	}
	d.locked = append(d.locked, fps)
	return nil
}

func (d *fakeDevices) openedInputs() []*fakeInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeInput(nil), d.opened...)
}

// write is one BeginWrite/Finalize pair seen by fakeSink
type write struct {
	ticket      Ticket
	destination string
	position    Position
	began       time.Time
	finalized   time.Time
	notify      func(SinkEvent)
}

// fakeSink completes writes synchronously on Finalize unless manual is set
type fakeSink struct {
	clock *fakeClock

	mu          sync.Mutex
	session     Session
	attached    int
	manual      bool
	beginErr    error
	finalizeErr map[int]error
	writes      []*write
}

func (s *fakeSink) Attach(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.attached++
	return nil
}

func (s *fakeSink) BeginWrite(destination string, notify func(SinkEvent)) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return "", s.beginErr
	}
	in, ok := s.session.Input()
	if !ok {
		return "", errors.New("no input attached")
	}
	w := &write{
		ticket:      Ticket(fmt.Sprintf("ticket-%d", len(s.writes)+1)),
		destination: destination,
		position:    in.Device().Position,
		began:       s.clock.Now(),
		notify:      notify,
	}
	s.writes = append(s.writes, w)
	return w.ticket, nil
}

func (s *fakeSink) Finalize(t Ticket) {
	s.mu.Lock()
	var (
		w   *write
		idx int
	)
	for i, candidate := range s.writes {
		if candidate.ticket == t {
			w, idx = candidate, i
		}
	}
	if w == nil || !w.finalized.IsZero() {
		s.mu.Unlock()
		return
	}
	w.finalized = s.clock.Now()
	manual := s.manual
	err := s.finalizeErr[idx]
	s.mu.Unlock()

	if !manual {
		s.send(w, err)
	}
}

func (s *fakeSink) send(w *write, err error) {
	ev := SinkEvent{Ticket: w.ticket, Err: err}
	if err == nil {
		ev.Path = w.destination
	}
	w.notify(ev)
}

// complete delivers the terminal event for write i from the test goroutine
func (s *fakeSink) complete(i int, err error) {
	s.mu.Lock()
	w := s.writes[i]
	s.mu.Unlock()
	s.send(w, err)
}

func (s *fakeSink) recorded() []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]write, len(s.writes))
	for i, w := range s.writes {
		out[i] = *w
	}
	return out
}

type fakePersister struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (p *fakePersister) Persist(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	return p.err
}

func (p *fakePersister) persisted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

type harness struct {
	t         *testing.T
	clock     *fakeClock
	devices   *fakeDevices
	sink      *fakeSink
	persister *fakePersister
	ctrl      *Controller
	co        *Coordinator
}

type harnessOption func(*ControllerOptions)

func withMaxFrameRate() harnessOption {
	return func(o *ControllerOptions) { o.MaxFrameRate = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		t:         t,
		clock:     clock,
		devices:   newFakeDevices(),
		sink:      &fakeSink{clock: clock, finalizeErr: map[int]error{}},
		persister: &fakePersister{},
	}
	copts := ControllerOptions{
		Devices:         h.devices,
		Sink:            h.sink,
		OutputDirectory: t.TempDir(),
		Clock:           clock,
	}
	for _, opt := range opts {
		opt(&copts)
	}

	ctrl, err := NewController(copts)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	h.ctrl = ctrl
	h.co = NewCoordinator(ctrl, h.persister)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.co.Close(ctx)
	})
	return h
}

// settle runs the loop until no task is queued
func (h *harness) settle() {
	for {
		if err := h.ctrl.loop.Do(func() {}); err != nil {
			return
		}
		if h.ctrl.loop.pending() == 0 {
			return
		}
	}
}

// advance moves the fake clock forward, firing due timers one at a time in order
func (h *harness) advance(d time.Duration) {
	target := h.clock.Now().Add(d)
	for {
		h.settle()
		if !h.clock.fireNext(target) {
			break
		}
	}
	h.settle()
}

func (h *harness) close() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.co.Close(ctx); err != nil {
		h.t.Fatalf("Close failed: %v", err)
	}
}

func waitDone(t *testing.T, seq *SequenceHandle) {
	t.Helper()
	select {
	case <-seq.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sequence did not settle")
	}
}

func assertOpen(t *testing.T, seq *SequenceHandle) {
	t.Helper()
	select {
	case <-seq.Done():
		t.Fatalf("sequence settled early: err=%v cancelled=%v", seq.Err(), seq.Cancelled())
	default:
	}
}
