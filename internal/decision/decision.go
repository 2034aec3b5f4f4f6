package decision

import (
	"context"
	"time"

	"github.com/EndrewSK/TCC/internal/fire"
	"github.com/EndrewSK/TCC/internal/planner"
	"github.com/EndrewSK/TCC/internal/types"
)

// Decision is the output of one decision cycle
type Decision struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	// Cycle counts emitted decisions since start
	Cycle uint64 `json:"cycle"`
	// Seq and TraceID identify the frame the cycle ran on
	Seq     uint64 `json:"seq"`
	TraceID string `json:"trace_id"`

	Action planner.Action `json:"action"`
	// Focus is the largest fire detection (the "main focus"), nil when none
	Focus *types.Detection `json:"focus,omitempty"`
	// Obstacle is the detection covering the focus center, nil when none
	Obstacle *types.Detection `json:"obstacle,omitempty"`
	// Detections is the filtered snapshot the cycle was evaluated on
	Detections []types.Detection `json:"detections"`

	Fire  fire.Status `json:"fire"`
	Event fire.Event  `json:"event"`
	// Sampled is true when the detector ran on this cycle's frame
	Sampled bool `json:"sampled"`

	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives every decision. Detections is shared between the decisions
// of consecutive unsampled cycles and must be treated as read-only.
type Sink interface {
	Emit(ctx context.Context, d Decision) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, d Decision) error

// Emit calls f(ctx, d)
func (f SinkFunc) Emit(ctx context.Context, d Decision) error {
	return f(ctx, d)
}

// Discard is a Sink that drops every decision
var Discard Sink = SinkFunc(func(context.Context, Decision) error { return nil })
