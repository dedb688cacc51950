package calibration

import "time"

// State is the position of one scope in the calibration state machine.
type State int

const (
	StateIdle State = iota
	StateMeasuring
	StateDriftCheck
	StateRecalibrating
	StateResuming
	StateFault
)

var stateNames = [...]string{"idle", "measuring", "drift_check", "recalibrating", "resuming", "fault"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// allowed lists the legal transitions. Any in-flight state may fall back to
// Idle when a cycle ends early (measurement error or supersession).
var allowed = map[State][]State{
	StateIdle:          {StateMeasuring},
	StateMeasuring:     {StateDriftCheck, StateIdle},
	StateDriftCheck:    {StateRecalibrating, StateIdle},
	StateRecalibrating: {StateResuming, StateFault, StateIdle},
	StateResuming:      {StateIdle},
	StateFault:         {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one entry of a scope's transition log.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}
