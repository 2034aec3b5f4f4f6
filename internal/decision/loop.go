// Package decision runs the perception-to-action cycle: it takes the newest
// frame, periodically runs the detector, feeds the fire tracker and plans one
// action per new frame.
package decision

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EndrewSK/TCC/internal/detector"
	"github.com/EndrewSK/TCC/internal/fire"
	"github.com/EndrewSK/TCC/internal/logdedup"
	"github.com/EndrewSK/TCC/internal/planner"
	"github.com/EndrewSK/TCC/internal/types"
)

// FrameSource yields the most recent frame when it is newer than the one
// last seen. framebuffer.Buffer satisfies it.
type FrameSource interface {
	LatestAfter(seen uint64) (types.Frame, bool)
}

// Config controls sampling and the fire rules
type Config struct {
	InstanceID      string
	SampleEvery     int           // Run the detector on every Nth new frame (default: 10)
	IdleDelay       time.Duration // Sleep when no new frame is available (default: 10ms)
	Confidence      float64       // Detection confidence threshold (default: 0.6)
	FireClasses     []string
	ObstacleClasses []string
	Tracker         fire.TrackerConfig
	AreaThreshold   int
}

// Stats is a snapshot of decision loop counters
type Stats struct {
	FramesObserved uint64    `json:"frames_observed"`
	Inferences     uint64    `json:"inferences"`
	DetectorErrors uint64    `json:"detector_errors"`
	SinkErrors     uint64    `json:"sink_errors"`
	Decisions      uint64    `json:"decisions"`
	Paused         bool      `json:"paused"`
	LastAction     string    `json:"last_action,omitempty"`
	LastDecisionAt time.Time `json:"last_decision_at,omitempty"`
}

// Loop is the decision cycle. Run owns all tracker and snapshot state; the
// only shared state is the frame source and the pause flag.
type Loop struct {
	src      FrameSource
	detector detector.Detector
	sink     Sink
	cfg      Config
	logger   *slog.Logger

	filter          detector.Filter
	tracker         *fire.Tracker
	planner         planner.Planner
	fireClasses     types.ClassSet
	obstacleClasses types.ClassSet

	// owned by the Run goroutine
	lastSeq  uint64
	frames   uint64
	snapshot []types.Detection

	paused         atomic.Bool
	framesObserved atomic.Uint64
	inferences     atomic.Uint64
	detectorErrors atomic.Uint64
	sinkErrors     atomic.Uint64
	decisions      atomic.Uint64
	last           atomic.Pointer[Decision]
}

// New creates a decision loop
func New(src FrameSource, det detector.Detector, sink Sink, cfg Config, logger *slog.Logger) *Loop {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 10
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 10 * time.Millisecond
	}
	if len(cfg.FireClasses) == 0 {
		cfg.FireClasses = fire.DefaultFireClasses
	}
	if len(cfg.ObstacleClasses) == 0 {
		cfg.ObstacleClasses = fire.DefaultObstacleClasses
	}
	if sink == nil {
		sink = Discard
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		src:             src,
		detector:        det,
		sink:            sink,
		cfg:             cfg,
		logger:          logdedup.NewLogger(logger.With("component", "decision")),
		filter:          detector.NewFilter(cfg.Confidence),
		tracker:         fire.NewTracker(cfg.Tracker),
		planner:         planner.New(cfg.AreaThreshold),
		fireClasses:     types.NewClassSet(cfg.FireClasses...),
		obstacleClasses: types.NewClassSet(cfg.ObstacleClasses...),
	}
}

// Run cycles until ctx is cancelled. It always returns nil; detector and
// sink failures are logged and counted, never fatal.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("decision: loop started",
		"sample_every", l.cfg.SampleEvery,
		"confirm_frames", l.cfg.Tracker.ConfirmFrames,
		"reset_frames", l.cfg.Tracker.ResetFrames,
	)
	defer l.logger.Info("decision: loop stopped", "decisions", l.decisions.Load())

	for {
		if ctx.Err() != nil {
			return nil
		}

		if l.paused.Load() {
			if !sleep(ctx, l.cfg.IdleDelay) {
				return nil
			}
			continue
		}

		frame, ok := l.src.LatestAfter(l.lastSeq)
		if !ok {
			if !sleep(ctx, l.cfg.IdleDelay) {
				return nil
			}
			continue
		}

		l.Step(ctx, frame)
	}
}

// Step runs one decision cycle on frame and emits the result.
// It returns false when ctx was cancelled before a decision was made.
func (l *Loop) Step(ctx context.Context, frame types.Frame) (Decision, bool) {
	l.lastSeq = frame.Seq
	l.frames++
	l.framesObserved.Add(1)

	sampled := l.frames%uint64(l.cfg.SampleEvery) == 0
	event := fire.EventNone

	if sampled {
		dets, err := l.detector.Infer(ctx, frame)
		if ctx.Err() != nil {
			return Decision{}, false
		}
		l.inferences.Add(1)
		if err != nil {
			l.detectorErrors.Add(1)
			l.logger.Warn("decision: detector failed, treating cycle as no detections", "error", err)
			dets = nil
		}
		l.snapshot = l.filter.Apply(dets, frame.Width, frame.Height)

		_, present := fire.SelectFocus(l.snapshot, l.fireClasses)
		event = l.tracker.Observe(present)
	}

	d := Decision{
		ID:          uuid.New().String(),
		InstanceID:  l.cfg.InstanceID,
		Cycle:       l.decisions.Load() + 1,
		Seq:         frame.Seq,
		TraceID:     frame.TraceID,
		Detections:  l.snapshot,
		Fire:        l.tracker.Status(),
		Event:       event,
		Sampled:     sampled,
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		Timestamp:   time.Now(),
	}

	if focus, ok := fire.SelectFocus(l.snapshot, l.fireClasses); ok {
		d.Focus = &focus
		if obstacle, ok := fire.FindOccluder(focus, l.snapshot, l.obstacleClasses); ok {
			d.Obstacle = &obstacle
		}
	}

	d.Action = l.planner.Plan(planner.Input{
		FireConfirmed: d.Fire.Confirmed,
		Focus:         d.Focus,
		Obstacle:      d.Obstacle,
		FrameWidth:    frame.Width,
	})

	l.decisions.Add(1)
	l.last.Store(&d)

	if event != fire.EventNone {
		l.logEvent(d)
	}
	if sampled {
		l.logAction(d)
	}

	if err := l.sink.Emit(ctx, d); err != nil {
		l.sinkErrors.Add(1)
		l.logger.Warn("decision: sink failed", "error", err)
	}

	return d, true
}

func (l *Loop) logEvent(d Decision) {
	attrs := []any{"seq", d.Seq, "trace_id", d.TraceID}
	if d.Focus != nil {
		attrs = append(attrs, "focus_class", d.Focus.Class, "focus_area", d.Focus.Box.Area())
	}
	switch d.Event {
	case fire.EventFireConfirmed:
		l.logger.Info("decision: fire confirmed", attrs...)
	case fire.EventFireLost:
		l.logger.Info("decision: fire lost", attrs...)
	}
}

// logAction reports the planned action. Attributes are stable across
// cycles so the duplicate filter collapses repeats.
func (l *Loop) logAction(d Decision) {
	switch d.Action.Kind {
	case planner.Evade:
		l.logger.Info("decision: obstacle blocking fire, evading", "direction", d.Action.Direction.String())
	case planner.Extinguish:
		l.logger.Info("decision: fire within range, extinguishing")
	case planner.Approach:
		l.logger.Info("decision: approaching fire focus")
	case planner.Idle:
		if l.tracker.ResetThresholdReached() {
			l.logger.Info("decision: no fire detected")
		}
	}
}

// Pause stops decision cycles until Resume; frames are skipped, not queued
func (l *Loop) Pause() {
	if !l.paused.Swap(true) {
		l.logger.Info("decision: paused")
	}
}

// Resume restarts decision cycles after Pause
func (l *Loop) Resume() {
	if l.paused.Swap(false) {
		l.logger.Info("decision: resumed")
	}
}

// Paused reports whether the loop is paused
func (l *Loop) Paused() bool {
	return l.paused.Load()
}

// LastDecision returns the most recent decision, if any. Safe for concurrent use.
func (l *Loop) LastDecision() (Decision, bool) {
	d := l.last.Load()
	if d == nil {
		return Decision{}, false
	}
	return *d, true
}

// Stats returns a snapshot of the loop counters. Safe for concurrent use.
func (l *Loop) Stats() Stats {
	s := Stats{
		FramesObserved: l.framesObserved.Load(),
		Inferences:     l.inferences.Load(),
		DetectorErrors: l.detectorErrors.Load(),
		SinkErrors:     l.sinkErrors.Load(),
		Decisions:      l.decisions.Load(),
		Paused:         l.paused.Load(),
	}
	if d := l.last.Load(); d != nil {
		s.LastAction = d.Action.String()
		s.LastDecisionAt = d.Timestamp
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
