// Package emitter delivers decisions to the outside world: the MQTT actuator
// channel, the Kafka event stream, and any other decision.Sink.
package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/EndrewSK/TCC/internal/decision"
)

// Named attaches a name to a sink for error reporting
type Named struct {
	Name string
	Sink decision.Sink
}

// Fanout sends every decision to all sinks in order. One failing sink does
// not prevent delivery to the others.
type Fanout struct {
	sinks []Named
}

// NewFanout creates a fanout over sinks; nil sinks are skipped
func NewFanout(sinks ...Named) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s.Sink != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of attached sinks
func (f *Fanout) Len() int { return len(f.sinks) }

// Emit implements decision.Sink. The returned error joins every sink failure.
func (f *Fanout) Emit(ctx context.Context, d decision.Decision) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Emit(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// SampledOnly forwards only decisions of cycles where the detector ran
func SampledOnly(s decision.Sink) decision.Sink {
	return decision.SinkFunc(func(ctx context.Context, d decision.Decision) error {
		if !d.Sampled {
			return nil
		}
		return s.Emit(ctx, d)
	})
}
