package emitter

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/EndrewSK/TCC/internal/decision"
)

// gatedSink records each decision on entry, then holds the call until gate
// is closed (or, when honorCtx is set, until the delivery deadline)
type gatedSink struct {
	mu       sync.Mutex
	cycles   []uint64
	gate     chan struct{}
	honorCtx bool
}

func newGatedSink(honorCtx bool) *gatedSink {
	return &gatedSink{gate: make(chan struct{}), honorCtx: honorCtx}
}

func (s *gatedSink) Emit(ctx context.Context, d decision.Decision) error {
	s.mu.Lock()
	s.cycles = append(s.cycles, d.Cycle)
	s.mu.Unlock()

	if s.honorCtx {
		select {
		case <-s.gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-s.gate
	return nil
}

func (s *gatedSink) received() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.cycles...)
}

func cycle(n uint64) decision.Decision {
	d := testDecision(true)
	d.Cycle = n
	return d
}

func TestAsyncEmitNeverBlocks(t *testing.T) {
	sink := newGatedSink(false)
	a := NewAsync("stalled", sink, AsyncConfig{QueueSize: 2}, quietLogger())
	defer func() {
		close(sink.gate)
		a.Close(time.Second)
	}()

	start := time.Now()
	for i := uint64(1); i <= 10; i++ {
		if err := a.Emit(context.Background(), cycle(i)); err != nil {
			t.Fatalf("Emit(%d) = %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("10 emits to a stalled sink took %s", elapsed)
	}
	// at most one in flight and two queued; the rest were dropped
	if s := a.Stats(); s.Dropped < 7 {
		t.Errorf("Dropped = %d, want >= 7 (%+v)", s.Dropped, s)
	}
}

func TestAsyncDropsOldest(t *testing.T) {
	sink := newGatedSink(false)
	a := NewAsync("gated", sink, AsyncConfig{QueueSize: 2}, quietLogger())

	a.Emit(context.Background(), cycle(1))
	waitFor(t, func() bool { return len(sink.received()) == 1 }) // 1 is in flight

	for i := uint64(2); i <= 5; i++ {
		a.Emit(context.Background(), cycle(i))
	}
	close(sink.gate)

	if err := a.Close(time.Second); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if got, want := sink.received(), []uint64{1, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered cycles = %v, want %v", got, want)
	}
	if s := a.Stats(); s.Dropped != 2 || s.Delivered != 3 {
		t.Errorf("stats = %+v, want 2 dropped, 3 delivered", s)
	}
}

func TestAsyncDeliveryTimeout(t *testing.T) {
	sink := newGatedSink(true)
	a := NewAsync("slow", sink, AsyncConfig{Timeout: 20 * time.Millisecond}, quietLogger())
	defer a.Close(time.Second)

	a.Emit(context.Background(), cycle(1))
	a.Emit(context.Background(), cycle(2))

	waitFor(t, func() bool { return a.Stats().Failed == 2 })
	if got := sink.received(); len(got) != 2 {
		t.Errorf("sink saw %v, want both decisions attempted", got)
	}
}

func TestAsyncCloseDrainsQueue(t *testing.T) {
	sink := &countingSink{}
	a := NewAsync("fast", sink, AsyncConfig{}, quietLogger())

	for i := uint64(1); i <= 3; i++ {
		a.Emit(context.Background(), cycle(i))
	}
	if err := a.Close(time.Second); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if s := a.Stats(); s.Delivered != 3 || s.Queued != 0 {
		t.Errorf("stats after close = %+v", s)
	}
	if err := a.Emit(context.Background(), cycle(4)); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit after Close = %v, want ErrClosed", err)
	}
}

func TestAsyncCloseTimesOut(t *testing.T) {
	sink := newGatedSink(false)
	a := NewAsync("stuck", sink, AsyncConfig{}, quietLogger())
	defer close(sink.gate)

	a.Emit(context.Background(), cycle(1))
	waitFor(t, func() bool { return len(sink.received()) == 1 })

	if err := a.Close(20 * time.Millisecond); err == nil {
		t.Error("Close() should time out while a delivery is stuck")
	}
}
