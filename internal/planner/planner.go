// Package planner maps the confirmed-fire state and the geometry of one
// detection snapshot to a single discrete robot action.
package planner

import (
	"fmt"

	"github.com/EndrewSK/TCC/internal/types"
)

// DefaultAreaThreshold is the focus area (px²) above which the fire is close
// enough to extinguish.
const DefaultAreaThreshold = 20000

// Kind is the action family
type Kind int

const (
	// Idle - no confirmed fire, do nothing
	Idle Kind = iota
	// Approach - drive towards the focus
	Approach
	// Extinguish - focus is close, trigger the extinguisher
	Extinguish
	// Evade - an obstacle covers the focus, steer around it
	Evade
)

// String returns a human-readable representation of the kind
func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Approach:
		return "approach"
	case Extinguish:
		return "extinguish"
	case Evade:
		return "evade"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Direction is the evade steering side
type Direction int

const (
	// NoDirection is used by every action except Evade
	NoDirection Direction = iota
	// Left steers left
	Left
	// Right steers right
	Right
)

// String returns a human-readable representation of the direction
func (d Direction) String() string {
	switch d {
	case NoDirection:
		return ""
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// Action is the directive produced each decision cycle
type Action struct {
	Kind      Kind
	Direction Direction
}

// String renders the action as "idle", "approach", "extinguish", "evade_left" or "evade_right".
func (a Action) String() string {
	if a.Kind == Evade {
		return a.Kind.String() + "_" + a.Direction.String()
	}
	return a.Kind.String()
}

// MarshalText lets actions appear as strings in JSON payloads.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an action name written by MarshalText
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction is the inverse of Action.String
func ParseAction(s string) (Action, error) {
	switch s {
	case "idle":
		return Action{Kind: Idle}, nil
	case "approach":
		return Action{Kind: Approach}, nil
	case "extinguish":
		return Action{Kind: Extinguish}, nil
	case "evade_left":
		return Action{Kind: Evade, Direction: Left}, nil
	case "evade_right":
		return Action{Kind: Evade, Direction: Right}, nil
	default:
		return Action{}, fmt.Errorf("unknown action %q", s)
	}
}

// Input is everything the planner needs for one cycle.
type Input struct {
	FireConfirmed bool
	// Focus is the selected fire detection, nil when none
	Focus *types.Detection
	// Obstacle is the detection covering the focus center, nil when none
	Obstacle *types.Detection
	// FrameWidth is the width in pixels of the frame the detections belong to
	FrameWidth int
}

// Planner evaluates the decision table. The zero value uses DefaultAreaThreshold.
type Planner struct {
	AreaThreshold int
}

// New creates a planner. A non-positive threshold falls back to DefaultAreaThreshold.
func New(areaThreshold int) Planner {
	if areaThreshold <= 0 {
		areaThreshold = DefaultAreaThreshold
	}
	return Planner{AreaThreshold: areaThreshold}
}

// Plan evaluates, in order:
//  1. no confirmed fire or no focus → Idle
//  2. occluding obstacle → Evade, Right when the obstacle center is left of the frame middle, else Left
//  3. focus area strictly above the threshold → Extinguish
//  4. otherwise → Approach
func (p Planner) Plan(in Input) Action {
	if !in.FireConfirmed || in.Focus == nil {
		return Action{Kind: Idle}
	}

	if in.Obstacle != nil {
		return Action{Kind: Evade, Direction: EvadeDirection(*in.Obstacle, in.FrameWidth)}
	}

	threshold := p.AreaThreshold
	if threshold <= 0 {
		threshold = DefaultAreaThreshold
	}
	if in.Focus.Box.Area() > threshold {
		return Action{Kind: Extinguish}
	}
	return Action{Kind: Approach}
}

// EvadeDirection steers away from the side the obstacle occupies.
func EvadeDirection(obstacle types.Detection, frameWidth int) Direction {
	if obstacle.Box.CenterX() < frameWidth/2 {
		return Right
	}
	return Left
}
