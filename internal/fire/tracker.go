package fire

import "fmt"

const (
	// DefaultConfirmFrames is the positive streak needed to confirm a fire
	DefaultConfirmFrames = 3
	// DefaultResetFrames is the negative streak needed to drop a confirmed fire
	DefaultResetFrames = 5
)

// State represents the tracker state
type State int

const (
	// StateUnconfirmed - no stable fire signal (initial state)
	StateUnconfirmed State = iota
	// StateConfirmed - fire seen on enough consecutive sampled cycles
	StateConfirmed
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateUnconfirmed:
		return "Unconfirmed"
	case StateConfirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Event is the transition signal produced by one Observe call.
type Event int

const (
	// EventNone - state did not change
	EventNone Event = iota
	// EventFireConfirmed - Unconfirmed → Confirmed
	EventFireConfirmed
	// EventFireLost - Confirmed → Unconfirmed
	EventFireLost
)

// String returns a human-readable representation of the event
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventFireConfirmed:
		return "fire_confirmed"
	case EventFireLost:
		return "fire_lost"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// MarshalText renders the event by name in JSON payloads
func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses an event name written by MarshalText
func (e *Event) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none", "":
		*e = EventNone
	case "fire_confirmed":
		*e = EventFireConfirmed
	case "fire_lost":
		*e = EventFireLost
	default:
		return fmt.Errorf("unknown fire event %q", text)
	}
	return nil
}

// TrackerConfig holds the hysteresis thresholds
type TrackerConfig struct {
	ConfirmFrames int
	ResetFrames   int
}

// Status is a snapshot of the tracker counters
type Status struct {
	ConsecutivePositive int   `json:"consecutive_positive"`
	ConsecutiveNegative int   `json:"consecutive_negative"`
	Confirmed           bool  `json:"confirmed"`
	State               State `json:"-"`
}

// Tracker is the asymmetric hysteresis state machine that turns flickering
// per-frame detections into a stable confirmed/lost fire signal.
//
// Counters are mutually exclusive: a positive cycle zeroes the negative streak
// and vice versa. Tracker is not safe for concurrent use; it is owned by the
// decision loop.
type Tracker struct {
	cfg      TrackerConfig
	state    State
	positive int
	negative int
}

// NewTracker creates a tracker in the Unconfirmed state. Non-positive
// thresholds fall back to the defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ConfirmFrames <= 0 {
		cfg.ConfirmFrames = DefaultConfirmFrames
	}
	if cfg.ResetFrames <= 0 {
		cfg.ResetFrames = DefaultResetFrames
	}
	return &Tracker{cfg: cfg, state: StateUnconfirmed}
}

// Observe feeds one sampled detection cycle into the tracker. present is true
// when a fire focus was found in that cycle.
func (t *Tracker) Observe(present bool) Event {
	if present {
		t.positive++
		t.negative = 0
		if t.state == StateUnconfirmed && t.positive >= t.cfg.ConfirmFrames {
			t.state = StateConfirmed
			return EventFireConfirmed
		}
		return EventNone
	}

	t.negative++
	t.positive = 0
	if t.state == StateConfirmed && t.negative >= t.cfg.ResetFrames {
		t.state = StateUnconfirmed
		return EventFireLost
	}
	return EventNone
}

// Confirmed reports whether fire is currently confirmed
func (t *Tracker) Confirmed() bool {
	return t.state == StateConfirmed
}

// State returns the current state
func (t *Tracker) State() State {
	return t.state
}

// Status returns a snapshot of the counters
func (t *Tracker) Status() Status {
	return Status{
		ConsecutivePositive: t.positive,
		ConsecutiveNegative: t.negative,
		Confirmed:           t.state == StateConfirmed,
		State:               t.state,
	}
}

// ResetThresholdReached reports whether the current negative streak has reached
// the reset threshold, regardless of state. The decision loop uses it to log
// "no fire detected" while nothing is confirmed.
func (t *Tracker) ResetThresholdReached() bool {
	return t.negative >= t.cfg.ResetFrames
}
