package decision_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EndrewSK/TCC/internal/decision"
	"github.com/EndrewSK/TCC/internal/detector"
	"github.com/EndrewSK/TCC/internal/fire"
	"github.com/EndrewSK/TCC/internal/framebuffer"
	"github.com/EndrewSK/TCC/internal/planner"
	"github.com/EndrewSK/TCC/internal/types"
)

// scriptedDetector returns results[i] on the i-th call and repeats the last one
type scriptedDetector struct {
	mu      sync.Mutex
	results [][]types.Detection
	errs    []error
	calls   int
}

func (d *scriptedDetector) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	if len(d.results) == 0 {
		return nil, err
	}
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	return d.results[i], err
}

func (d *scriptedDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []decision.Decision
	err       error
}

func (s *recordingSink) Emit(ctx context.Context, d decision.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return s.err
}

func (s *recordingSink) all() []decision.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decision.Decision(nil), s.decisions...)
}

func det(class string, x1, y1, x2, y2 int) types.Detection {
	return types.Detection{Class: class, Confidence: 0.9, Box: types.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

func frame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Width: 640, Height: 480, Data: make([]byte, 3), TraceID: "t"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoop(det *scriptedDetector, sink decision.Sink, cfg decision.Config) *decision.Loop {
	return decision.New(nil, det, sink, cfg, discardLogger())
}

func TestSamplesEveryNthFrame(t *testing.T) {
	d := &scriptedDetector{}
	sink := &recordingSink{}
	l := newLoop(d, sink, decision.Config{SampleEvery: 3})

	for seq := uint64(1); seq <= 9; seq++ {
		if _, ok := l.Step(context.Background(), frame(seq)); !ok {
			t.Fatalf("Step(%d) returned not ok", seq)
		}
	}

	if d.callCount() != 3 {
		t.Errorf("detector called %d times, want 3", d.callCount())
	}
	got := sink.all()
	if len(got) != 9 {
		t.Fatalf("emitted %d decisions, want 9", len(got))
	}
	for i, dec := range got {
		wantSampled := (i+1)%3 == 0
		if dec.Sampled != wantSampled {
			t.Errorf("decision %d: Sampled=%v, want %v", i+1, dec.Sampled, wantSampled)
		}
		if dec.Cycle != uint64(i+1) {
			t.Errorf("decision %d: Cycle=%d", i+1, dec.Cycle)
		}
		if dec.ID == "" {
			t.Errorf("decision %d has no ID", i+1)
		}
	}
}

func TestHysteresisDrivesActions(t *testing.T) {
	fireDet := []types.Detection{det("fire", 100, 100, 150, 150)}
	d := &scriptedDetector{results: [][]types.Detection{
		fireDet, fireDet, fireDet, // confirm on 3rd
		nil, nil, nil, nil, nil, // lost on 5th absence
	}}
	sink := &recordingSink{}
	l := newLoop(d, sink, decision.Config{SampleEvery: 1})

	for seq := uint64(1); seq <= 8; seq++ {
		l.Step(context.Background(), frame(seq))
	}

	got := sink.all()
	wantActions := []string{"idle", "idle", "approach", "idle", "idle", "idle", "idle", "idle"}
	wantEvents := []fire.Event{
		fire.EventNone, fire.EventNone, fire.EventFireConfirmed,
		fire.EventNone, fire.EventNone, fire.EventNone, fire.EventNone, fire.EventFireLost,
	}
	wantConfirmed := []bool{false, false, true, true, true, true, true, false}

	for i := range wantActions {
		if got[i].Action.String() != wantActions[i] {
			t.Errorf("cycle %d: action=%s, want %s", i+1, got[i].Action, wantActions[i])
		}
		if got[i].Event != wantEvents[i] {
			t.Errorf("cycle %d: event=%s, want %s", i+1, got[i].Event, wantEvents[i])
		}
		if got[i].Fire.Confirmed != wantConfirmed[i] {
			t.Errorf("cycle %d: confirmed=%v, want %v", i+1, got[i].Fire.Confirmed, wantConfirmed[i])
		}
	}
}

func TestUnsampledCyclesReuseSnapshot(t *testing.T) {
	d := &scriptedDetector{results: [][]types.Detection{{det("fire", 0, 0, 10, 10)}}}
	sink := &recordingSink{}
	l := newLoop(d, sink, decision.Config{SampleEvery: 2})

	for seq := uint64(1); seq <= 3; seq++ {
		l.Step(context.Background(), frame(seq))
	}

	got := sink.all()
	if got[0].Focus != nil || len(got[0].Detections) != 0 {
		t.Errorf("cycle 1 ran before any detection: %+v", got[0])
	}
	if !got[1].Sampled || got[1].Focus == nil {
		t.Errorf("cycle 2 should be sampled with a focus: %+v", got[1])
	}
	if got[2].Sampled || got[2].Focus == nil || got[2].Focus.Class != "fire" {
		t.Errorf("cycle 3 should reuse the snapshot: %+v", got[2])
	}
}

func TestDetectorErrorCountsAsNoDetections(t *testing.T) {
	fireDet := []types.Detection{det("fire", 0, 0, 10, 10)}
	d := &scriptedDetector{
		results: [][]types.Detection{fireDet, fireDet},
		errs:    []error{nil, errors.New("worker crashed")},
	}
	sink := &recordingSink{}
	l := newLoop(d, sink, decision.Config{SampleEvery: 1})

	l.Step(context.Background(), frame(1))
	dec, _ := l.Step(context.Background(), frame(2))

	if len(dec.Detections) != 0 || dec.Focus != nil {
		t.Errorf("failed inference should leave an empty snapshot, got %+v", dec.Detections)
	}
	if dec.Fire.ConsecutivePositive != 0 || dec.Fire.ConsecutiveNegative != 1 {
		t.Errorf("failed inference should count as absent, got %+v", dec.Fire)
	}
	if s := l.Stats(); s.DetectorErrors != 1 || s.Inferences != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFilterAppliedAtBoundary(t *testing.T) {
	d := &scriptedDetector{results: [][]types.Detection{{
		{Class: "fire", Confidence: 0.3, Box: types.Box{X1: 0, Y1: 0, X2: 500, Y2: 400}},
		{Class: "fire", Confidence: 0.8, Box: types.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}},
	}}}
	l := newLoop(d, nil, decision.Config{SampleEvery: 1, Confidence: 0.6})

	dec, _ := l.Step(context.Background(), frame(1))
	if len(dec.Detections) != 1 || dec.Focus == nil || dec.Focus.Box.X2 != 10 {
		t.Errorf("low-confidence detection should be dropped before focus selection: %+v", dec.Detections)
	}
}

func TestEvadeAndExtinguish(t *testing.T) {
	tests := []struct {
		name string
		dets []types.Detection
		want planner.Action
	}{
		{
			name: "obstacle on the left, evade right",
			dets: []types.Detection{det("fire", 40, 40, 60, 60), det("person", 0, 0, 100, 100)},
			want: planner.Action{Kind: planner.Evade, Direction: planner.Right},
		},
		{
			name: "obstacle on the right, evade left",
			dets: []types.Detection{det("fire", 540, 40, 560, 60), det("sofa", 500, 0, 640, 100)},
			want: planner.Action{Kind: planner.Evade, Direction: planner.Left},
		},
		{
			name: "large focus, extinguish",
			dets: []types.Detection{det("flame", 0, 0, 200, 101)},
			want: planner.Action{Kind: planner.Extinguish},
		},
		{
			name: "area exactly at threshold, approach",
			dets: []types.Detection{det("flame", 0, 0, 200, 100)},
			want: planner.Action{Kind: planner.Approach},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &scriptedDetector{results: [][]types.Detection{tt.dets}}
			l := newLoop(d, nil, decision.Config{SampleEvery: 1, Tracker: fire.TrackerConfig{ConfirmFrames: 1}})

			dec, _ := l.Step(context.Background(), frame(1))
			if dec.Action != tt.want {
				t.Errorf("action = %s, want %s", dec.Action, tt.want)
			}
		})
	}
}

func TestSinkErrorDoesNotStopCycle(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker unavailable")}
	l := newLoop(&scriptedDetector{}, sink, decision.Config{SampleEvery: 1})

	if _, ok := l.Step(context.Background(), frame(1)); !ok {
		t.Fatal("Step() failed on sink error")
	}
	if _, ok := l.Step(context.Background(), frame(2)); !ok {
		t.Fatal("Step() failed on sink error")
	}
	if s := l.Stats(); s.SinkErrors != 2 || s.Decisions != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCancelledInferenceEmitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	det := &scriptedDetector{}
	l := decision.New(nil, blockingDetector{cancel: cancel, next: det}, sink, decision.Config{SampleEvery: 1}, discardLogger())

	if _, ok := l.Step(ctx, frame(1)); ok {
		t.Error("Step() should report cancellation")
	}
	if len(sink.all()) != 0 {
		t.Error("no decision should be emitted after cancellation")
	}
}

// blockingDetector cancels the context mid-inference
type blockingDetector struct {
	cancel context.CancelFunc
	next   *scriptedDetector
}

func (b blockingDetector) Infer(ctx context.Context, f types.Frame) ([]types.Detection, error) {
	b.cancel()
	return b.next.Infer(ctx, f)
}

func TestRunProcessesOnlyNewestFrame(t *testing.T) {
	buf := framebuffer.New()
	buf.Publish(frame(0))
	buf.Publish(frame(0))
	buf.Publish(frame(0))

	sink := &recordingSink{}
	l := decision.New(buf, &scriptedDetector{}, sink, decision.Config{SampleEvery: 1, IdleDelay: time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return len(sink.all()) >= 1 })
	// Give the loop time to (wrongly) process the same frame again
	time.Sleep(30 * time.Millisecond)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("emitted %d decisions for one distinct frame, want 1", len(got))
	}
	if got[0].Seq != 3 {
		t.Errorf("decided on seq %d, want 3 (F1 and F2 are stale)", got[0].Seq)
	}

	buf.Publish(frame(0))
	waitFor(t, func() bool { return len(sink.all()) >= 2 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestPauseSkipsFrames(t *testing.T) {
	buf := framebuffer.New()
	sink := &recordingSink{}
	l := decision.New(buf, &scriptedDetector{}, sink, decision.Config{SampleEvery: 1, IdleDelay: time.Millisecond}, discardLogger())

	l.Pause()
	if !l.Paused() || !l.Stats().Paused {
		t.Fatal("loop should report paused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	buf.Publish(frame(0))
	time.Sleep(30 * time.Millisecond)
	if n := len(sink.all()); n != 0 {
		t.Fatalf("paused loop emitted %d decisions", n)
	}

	l.Resume()
	waitFor(t, func() bool { return len(sink.all()) == 1 })
	if _, ok := l.LastDecision(); !ok {
		t.Error("LastDecision() empty after a cycle")
	}
}

func TestRepeatedDecisionLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	d := &scriptedDetector{results: [][]types.Detection{{det("fire", 0, 0, 10, 10)}}}
	l := decision.New(nil, d, nil, decision.Config{SampleEvery: 1, Tracker: fire.TrackerConfig{ConfirmFrames: 1}}, logger)

	for seq := uint64(1); seq <= 5; seq++ {
		l.Step(context.Background(), frame(seq))
	}

	out := buf.String()
	if n := strings.Count(out, "decision: approaching fire focus"); n != 1 {
		t.Errorf("approach logged %d times, want 1\n%s", n, out)
	}
	if n := strings.Count(out, "decision: fire confirmed"); n != 1 {
		t.Errorf("fire confirmed logged %d times, want 1", n)
	}
}

func TestRepeatedDetectorTimeoutLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	timeout := fmt.Errorf("%w after 2s", detector.ErrTimeout)
	d := &scriptedDetector{errs: []error{timeout, timeout, timeout, timeout}}
	l := decision.New(nil, d, nil, decision.Config{SampleEvery: 1}, logger)

	for seq := uint64(1); seq <= 4; seq++ {
		l.Step(context.Background(), frame(seq))
	}

	if n := strings.Count(buf.String(), "decision: detector failed"); n != 1 {
		t.Errorf("detector failure logged %d times, want 1\n%s", n, buf.String())
	}
	if s := l.Stats(); s.DetectorErrors != 4 {
		t.Errorf("DetectorErrors = %d, want 4", s.DetectorErrors)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
