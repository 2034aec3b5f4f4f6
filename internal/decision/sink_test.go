package decision_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EndrewSK/TCC/internal/decision"
	"github.com/EndrewSK/TCC/internal/emitter"
	"github.com/EndrewSK/TCC/internal/framebuffer"
	"github.com/EndrewSK/TCC/internal/journal"
)

// silentServer accepts TCP connections and never answers, like a Redis
// that is up but wedged
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestStalledJournalDoesNotDelayStep(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:                  silentServer(t),
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { client.Close() })

	store := journal.NewStore(client, "robot-test", time.Minute)
	journaled := emitter.NewAsync("journal", store, emitter.AsyncConfig{QueueSize: 4, Timeout: 100 * time.Millisecond}, discardLogger())
	t.Cleanup(func() { journaled.Close(2 * time.Second) })

	actuator := &recordingSink{}
	sink := emitter.NewFanout(
		emitter.Named{Name: "actuator", Sink: actuator},
		emitter.Named{Name: "journal", Sink: emitter.SampledOnly(journaled)},
	)
	l := newLoop(&scriptedDetector{}, sink, decision.Config{SampleEvery: 1})

	for seq := uint64(1); seq <= 20; seq++ {
		start := time.Now()
		if _, ok := l.Step(context.Background(), frame(seq)); !ok {
			t.Fatalf("Step(%d) returned not ok", seq)
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Fatalf("sampled Step(%d) with a stalled journal took %s", seq, elapsed)
		}
	}

	if n := len(actuator.all()); n != 20 {
		t.Errorf("actuator received %d decisions, want 20", n)
	}
	if s := l.Stats(); s.SinkErrors != 0 || s.Decisions != 20 {
		t.Errorf("loop stats = %+v", s)
	}
	if s := journaled.Stats(); s.Dropped == 0 {
		t.Errorf("stalled journal should shed decisions, stats = %+v", s)
	}
}

func TestBlockedSinkKeepsDecisionCadence(t *testing.T) {
	release := make(chan struct{})
	blocked := emitter.NewAsync("blocked", decision.SinkFunc(func(context.Context, decision.Decision) error {
		<-release // ignores its deadline
		return nil
	}), emitter.AsyncConfig{QueueSize: 1}, discardLogger())
	defer func() {
		close(release)
		blocked.Close(time.Second)
	}()

	buf := framebuffer.New()
	l := decision.New(buf, &scriptedDetector{}, blocked, decision.Config{SampleEvery: 1, IdleDelay: time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i := uint64(1); i <= 10; i++ {
		buf.Publish(frame(0))
		waitFor(t, func() bool { return l.Stats().Decisions >= i })
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	if s := blocked.Stats(); s.Dropped == 0 {
		t.Errorf("blocked sink should have dropped decisions, stats = %+v", s)
	}
}
