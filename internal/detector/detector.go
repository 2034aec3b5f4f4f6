// Package detector defines the object detection boundary and its
// implementations.
//
// A Detector is synchronous and possibly slow. Whatever it returns passes
// through Filter before the rest of the pipeline sees it, so downstream code
// can rely on bounded confidences and well-formed boxes.
package detector

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/EndrewSK/TCC/internal/types"
)

var (
	// ErrNotRunning is returned by Infer when the detector process is not alive
	ErrNotRunning = errors.New("detector: not running")
	// ErrTimeout is returned by Infer when no result arrives in time
	ErrTimeout = errors.New("detector: inference timeout")
)

// DefaultConfidence is the minimum confidence a detection must reach
const DefaultConfidence = 0.6

// Detector runs object detection on one frame
type Detector interface {
	Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error)
}

// Func adapts a function to the Detector interface
type Func func(ctx context.Context, frame types.Frame) ([]types.Detection, error)

// Infer calls f(ctx, frame)
func (f Func) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// Filter enforces the detection invariants at the detector boundary
type Filter struct {
	// Confidence is the inclusive minimum confidence (a detection at exactly
	// the threshold passes)
	Confidence float64
}

// NewFilter returns a Filter; confidence <= 0 selects DefaultConfidence
func NewFilter(confidence float64) Filter {
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	return Filter{Confidence: confidence}
}

// Apply returns the detections that satisfy the invariants, in input order.
//
// Dropped: empty class, NaN confidence, confidence below threshold, inverted
// box. Repaired: confidence above 1 is clamped to 1, coordinates are clamped
// into [0,width]x[0,height] when the frame size is known.
func (f Filter) Apply(dets []types.Detection, width, height int) []types.Detection {
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		d.Class = strings.TrimSpace(d.Class)
		if d.Class == "" {
			continue
		}
		if math.IsNaN(d.Confidence) || d.Confidence < f.Confidence {
			continue
		}
		if d.Confidence > 1 {
			d.Confidence = 1
		}
		if d.Box.X1 > d.Box.X2 || d.Box.Y1 > d.Box.Y2 {
			continue
		}
		if width > 0 && height > 0 {
			d.Box = types.Box{
				X1: clamp(d.Box.X1, 0, width),
				Y1: clamp(d.Box.Y1, 0, height),
				X2: clamp(d.Box.X2, 0, width),
				Y2: clamp(d.Box.Y2, 0, height),
			}
		}
		out = append(out, d)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
