package capture

import (
	"fmt"
	"time"
)

// StepKind is the kind of one sequence step
type StepKind int

const (
	StepSwitchTo StepKind = iota
	StepStartRecording
	StepStopRecording
	StepWait
)

// Step is one timed command of a Plan
type Step struct {
	Kind     StepKind
	Position Position
	Duration time.Duration
}

func (s Step) String() string {
	switch s.Kind {
	case StepSwitchTo:
		return fmt.Sprintf("SwitchTo(%s)", s.Position)
	case StepStartRecording:
		return "StartRecording"
	case StepStopRecording:
		return "StopRecording"
	case StepWait:
		return fmt.Sprintf("Wait(%s)", s.Duration)
	default:
		return fmt.Sprintf("Step(%d)", int(s.Kind))
	}
}

// Plan is an ordered list of steps owned by one sequence run
type Plan []Step

// FrontThenBack builds the two-phase plan: record front, cool down, record back
func FrontThenBack(front, gap, back time.Duration) (Plan, error) {
	if front <= 0 || back <= 0 || gap < 0 {
		return nil, fmt.Errorf("%w: front=%s gap=%s back=%s", ErrInvalidDuration, front, gap, back)
	}
	return Plan{
		{Kind: StepSwitchTo, Position: Front},
		{Kind: StepStartRecording},
		{Kind: StepWait, Duration: front},
		{Kind: StepStopRecording},
		{Kind: StepWait, Duration: gap},
		{Kind: StepSwitchTo, Position: Back},
		{Kind: StepStartRecording},
		{Kind: StepWait, Duration: back},
		{Kind: StepStopRecording},
	}, nil
}
