package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	frontDuration = 6 * time.Second
	gapDuration   = 1 * time.Second
	backDuration  = 6 * time.Second
)

func TestRecordFrontThenBack_Completes(t *testing.T) {
	h := newHarness(t)

	seq, err := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	if err != nil {
		t.Fatalf("RecordFrontThenBack failed: %v", err)
	}
	h.settle()

	s := h.co.Snapshot()
	if !s.SequenceRunning || !s.IsRecording {
		t.Fatalf("Expected sequence recording, got %+v", s)
	}
	if s.Input == nil || *s.Input != Front {
		t.Fatalf("Expected front camera first, got %v", s.Input)
	}

	h.advance(frontDuration)
	if h.co.IsRecording() {
		t.Error("Expected front recording stopped after front duration")
	}
	assertOpen(t, seq)

	h.advance(gapDuration)
	s = h.co.Snapshot()
	if !s.IsRecording || s.Input == nil || *s.Input != Back {
		t.Fatalf("Expected back recording after gap, got %+v", s)
	}

	h.advance(backDuration)
	waitDone(t, seq)

	if seq.Err() != nil || seq.Cancelled() {
		t.Fatalf("Expected clean completion, got err=%v cancelled=%v", seq.Err(), seq.Cancelled())
	}

	writes := h.sink.recorded()
	if len(writes) != 2 {
		t.Fatalf("Expected 2 writes, got %d", len(writes))
	}
	if writes[0].position != Front || writes[1].position != Back {
		t.Errorf("Expected front then back, got %s then %s", writes[0].position, writes[1].position)
	}
	for i, w := range writes {
		if got := w.finalized.Sub(w.began); got != 6*time.Second {
			t.Errorf("Write %d lasted %s, want 6s", i, got)
		}
	}
	if gap := writes[1].began.Sub(writes[0].finalized); gap < gapDuration {
		t.Errorf("Expected at least %s between recordings, got %s", gapDuration, gap)
	}

	outcomes := seq.Outcomes()
	if len(outcomes) != 2 || outcomes[0].Handle.Position != Front || outcomes[1].Handle.Position != Back {
		t.Fatalf("Unexpected outcomes: %+v", outcomes)
	}

	s = h.co.Snapshot()
	if s.SequenceRunning || s.IsRecording {
		t.Errorf("Expected idle state after sequence, got %+v", s)
	}

	h.close()
	persisted := h.persister.persisted()
	if len(persisted) != 2 || persisted[0] != outcomes[0].Path || persisted[1] != outcomes[1].Path {
		t.Errorf("Expected each recording persisted once, got %v", persisted)
	}
}

func TestRecordFrontThenBack_ZeroGap(t *testing.T) {
	h := newHarness(t)

	seq, err := h.co.RecordFrontThenBack(frontDuration, 0, backDuration)
	if err != nil {
		t.Fatalf("RecordFrontThenBack failed: %v", err)
	}
	h.advance(frontDuration)
	h.advance(backDuration)
	waitDone(t, seq)

	if seq.Err() != nil {
		t.Fatalf("Expected success, got %v", seq.Err())
	}
	writes := h.sink.recorded()
	if len(writes) != 2 || writes[1].began.Before(writes[0].finalized) {
		t.Errorf("Expected back to start after front finalized, got %+v", writes)
	}
}

func TestRecordFrontThenBack_InvalidDurations(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name             string
		front, gap, back time.Duration
	}{
		{"zero front", 0, gapDuration, backDuration},
		{"negative gap", frontDuration, -time.Second, backDuration},
		{"zero back", frontDuration, gapDuration, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := h.co.RecordFrontThenBack(tt.front, tt.gap, tt.back)
			if !errors.Is(err, ErrInvalidDuration) {
				t.Fatalf("Expected ErrInvalidDuration, got %v", err)
			}
			waitDone(t, seq)
		})
	}
	if len(h.sink.recorded()) != 0 {
		t.Error("Expected no recording for invalid durations")
	}
}

func TestRecordFrontThenBack_CancelDuringGap(t *testing.T) {
	h := newHarness(t)

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(frontDuration)
	h.advance(gapDuration / 2)

	if !h.co.Cancel(seq) {
		t.Fatal("Expected Cancel to find the running sequence")
	}
	waitDone(t, seq)

	if !seq.Cancelled() || seq.Err() != nil {
		t.Errorf("Expected cancelled without error, got err=%v cancelled=%v", seq.Err(), seq.Cancelled())
	}

	h.advance(time.Minute)
	if n := len(h.sink.recorded()); n != 1 {
		t.Errorf("Expected only the front recording, got %d", n)
	}
	if h.clock.activeTimers() != 0 {
		t.Error("Expected the gap timer stopped")
	}
	if h.co.Snapshot().SequenceRunning {
		t.Error("Expected sequence cleared")
	}
	if h.co.Cancel(seq) {
		t.Error("Expected second Cancel to report nothing running")
	}
}

func TestRecordFrontThenBack_CancelDuringRecording(t *testing.T) {
	h := newHarness(t)

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(3 * time.Second)

	if !h.co.CancelSequence() {
		t.Fatal("Expected CancelSequence to find the running sequence")
	}
	waitDone(t, seq)

	if !seq.Cancelled() {
		t.Error("Expected cancelled")
	}
	writes := h.sink.recorded()
	if len(writes) != 1 {
		t.Fatalf("Expected 1 write, got %d", len(writes))
	}
	if got := writes[0].finalized.Sub(writes[0].began); got != 3*time.Second {
		t.Errorf("Expected front recording cut at 3s, got %s", got)
	}
	if outcomes := seq.Outcomes(); len(outcomes) != 1 || !outcomes[0].OK() {
		t.Errorf("Expected partial front recording kept, got %+v", outcomes)
	}
	if h.co.IsRecording() {
		t.Error("Expected no active recording")
	}
}

func TestRecordFrontThenBack_CancelAwaitsCompletion(t *testing.T) {
	h := newHarness(t)
	h.sink.manual = true

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(2 * time.Second)
	h.co.Cancel(seq)
	h.settle()

	assertOpen(t, seq)
	if !h.co.Snapshot().SequenceRunning {
		t.Error("Expected sequence to remain until the write completes")
	}

	h.sink.complete(0, nil)
	h.settle()
	waitDone(t, seq)
	if !seq.Cancelled() {
		t.Error("Expected cancelled")
	}
}

func TestRecordFrontThenBack_StopStepAwaitsCompletion(t *testing.T) {
	h := newHarness(t)
	h.sink.manual = true

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(frontDuration)
	h.advance(10 * time.Second)

	if n := len(h.sink.recorded()); n != 1 {
		t.Fatalf("Expected back recording to wait for front completion, got %d writes", n)
	}

	h.sink.complete(0, nil)
	h.advance(gapDuration)
	if n := len(h.sink.recorded()); n != 2 {
		t.Fatalf("Expected back recording after completion and gap, got %d writes", n)
	}

	h.advance(backDuration)
	h.sink.complete(1, nil)
	h.settle()
	waitDone(t, seq)
	if seq.Err() != nil {
		t.Errorf("Expected success, got %v", seq.Err())
	}
}

func TestRecordFrontThenBack_Busy(t *testing.T) {
	h := newHarness(t)

	seq, err := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	if err != nil {
		t.Fatalf("RecordFrontThenBack failed: %v", err)
	}

	second, err := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}
	waitDone(t, second)
	if !second.Cancelled() {
		t.Error("Expected rejected handle to be cancelled")
	}

	if _, err := h.co.StartRecording(); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected direct StartRecording to be busy, got %v", err)
	}
	if err := h.co.SwitchCamera(Back); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected direct SwitchCamera to be busy, got %v", err)
	}
	if err := h.co.StopRecording(); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected direct StopRecording to be busy, got %v", err)
	}

	h.advance(frontDuration + gapDuration + backDuration)
	waitDone(t, seq)
	if len(h.sink.recorded()) != 2 {
		t.Errorf("Expected busy commands to leave the sequence intact, got %d writes", len(h.sink.recorded()))
	}
}

func TestRecordFrontThenBack_BusyWithDirectRecording(t *testing.T) {
	h := newHarness(t)

	if err := h.co.SwitchCamera(Front); err != nil {
		t.Fatalf("SwitchCamera failed: %v", err)
	}
	if _, err := h.co.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	seq, err := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}
	waitDone(t, seq)

	if err := h.co.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
}

func TestRecordFrontThenBack_WriteFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.sink.finalizeErr[0] = errors.New("encoder crashed")

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(frontDuration)
	waitDone(t, seq)

	if !errors.Is(seq.Err(), ErrWriteFailed) {
		t.Fatalf("Expected ErrWriteFailed, got %v", seq.Err())
	}
	h.advance(time.Minute)
	if n := len(h.sink.recorded()); n != 1 {
		t.Errorf("Expected back phase skipped, got %d writes", n)
	}

	h.close()
	if n := len(h.persister.persisted()); n != 0 {
		t.Errorf("Expected failed recording not persisted, got %d", n)
	}
}

func TestRecordFrontThenBack_BackCameraMissing(t *testing.T) {
	h := newHarness(t)
	delete(h.devices.devices, Back)

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(frontDuration + gapDuration)
	waitDone(t, seq)

	if !errors.Is(seq.Err(), ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", seq.Err())
	}
	if got := h.co.Snapshot().Session; got != StateUnconfigured {
		t.Errorf("Expected UNCONFIGURED, got %s", got)
	}

	h.close()
	if n := len(h.persister.persisted()); n != 1 {
		t.Errorf("Expected front recording persisted, got %d", n)
	}
}

func TestRecordFrontThenBack_LockFailureContinues(t *testing.T) {
	h := newHarness(t, withMaxFrameRate())
	h.devices.lockErr = errors.New("unsupported")

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(frontDuration + gapDuration + backDuration)
	waitDone(t, seq)

	if seq.Err() != nil {
		t.Fatalf("Expected lock failure to be non-fatal, got %v", seq.Err())
	}
	if n := len(h.sink.recorded()); n != 2 {
		t.Errorf("Expected 2 writes, got %d", n)
	}
}

func TestObserve_PublishesTransitions(t *testing.T) {
	h := newHarness(t)

	var (
		mu     sync.Mutex
		states []State
	)
	cancel := h.co.Observe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	mu.Lock()
	if len(states) != 1 || states[0].Session != StateUnconfigured {
		t.Fatalf("Expected initial UNCONFIGURED state, got %+v", states)
	}
	mu.Unlock()

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(frontDuration + gapDuration + backDuration)
	waitDone(t, seq)
	h.settle()

	mu.Lock()
	sawRecording, sawSequence := false, false
	for _, s := range states {
		sawRecording = sawRecording || s.IsRecording
		sawSequence = sawSequence || s.SequenceRunning
	}
	last := states[len(states)-1]
	n := len(states)
	mu.Unlock()

	if !sawRecording || !sawSequence {
		t.Error("Expected recording and sequence states to be observed")
	}
	if last.SequenceRunning || last.IsRecording {
		t.Errorf("Expected final idle state, got %+v", last)
	}

	cancel()
	h.co.SwitchCamera(Front)
	h.settle()
	mu.Lock()
	if len(states) != n {
		t.Error("Expected no states after observer cancelled")
	}
	mu.Unlock()
}

func TestPersistError_Reported(t *testing.T) {
	h := newHarness(t)
	h.persister.err = errors.New("bucket unreachable")

	errs := make(chan error, 2)
	h.co.OnPersistError(func(err error) { errs <- err })

	h.co.SwitchCamera(Front)
	h.co.StartRecording()
	h.co.StopRecording()
	h.settle()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrPersist) {
			t.Errorf("Expected ErrPersist, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected persistence error")
	}
}

func TestCoordinatorClose_CancelsSequence(t *testing.T) {
	h := newHarness(t)

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.co.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitDone(t, seq)
	if !seq.Cancelled() {
		t.Error("Expected sequence cancelled by close")
	}
	if n := len(h.persister.persisted()); n != 1 {
		t.Errorf("Expected the partial recording persisted before close returned, got %d", n)
	}

	seq2, err := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	waitDone(t, seq2)
}

func TestCoordinatorClose_SettlesStuckSequence(t *testing.T) {
	h := newHarness(t)
	h.sink.manual = true

	seq, _ := h.co.RecordFrontThenBack(frontDuration, gapDuration, backDuration)
	h.advance(2 * time.Second)
	if !h.co.IsRecording() {
		t.Fatal("Expected front recording in progress")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.co.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}

	waitDone(t, seq)
	if !errors.Is(seq.Err(), ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", seq.Err())
	}
	if !seq.Cancelled() {
		t.Error("Expected sequence marked cancelled")
	}
	s := h.co.Snapshot()
	if s.IsRecording || s.SequenceRunning {
		t.Errorf("Expected idle final state, got recording=%v sequence=%v", s.IsRecording, s.SequenceRunning)
	}
	if n := len(h.persister.persisted()); n != 0 {
		t.Errorf("Expected abandoned recording not persisted, got %d", n)
	}
}

func TestCoordinatorClose_ExpiredContextWithoutPendingWork(t *testing.T) {
	h := newHarness(t)
	h.co.SwitchCamera(Front)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.co.Close(ctx); err != nil {
		t.Errorf("Expected clean close with nothing pending, got %v", err)
	}
}

func TestWaitOrExpire_PrefersDone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 100; i++ {
		if err := waitOrExpire(ctx, done); err != nil {
			t.Fatalf("Expected done to win over expired context, got %v", err)
		}
	}

	if err := waitOrExpire(ctx, make(chan struct{})); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error, got %v", err)
	}
}
