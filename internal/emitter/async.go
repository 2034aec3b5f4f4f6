package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EndrewSK/TCC/internal/decision"
	"github.com/EndrewSK/TCC/internal/logdedup"
)

// ErrClosed is returned by Async.Emit after Close
var ErrClosed = errors.New("sink closed")

// AsyncConfig bounds an Async sink
type AsyncConfig struct {
	QueueSize int           // Pending decisions kept per sink (default: 16)
	Timeout   time.Duration // Deadline for one delivery (default: 1s)
}

// AsyncStats is a snapshot of Async counters
type AsyncStats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Async moves delivery to a sink onto its own goroutine.
//
// Emit never blocks: decisions wait in a bounded queue and, when the queue is
// full, the oldest pending decision is dropped and counted. A stalled broker
// or journal therefore costs the decision loop nothing beyond a channel send.
type Async struct {
	name   string
	sink   decision.Sink
	cfg    AsyncConfig
	logger *slog.Logger

	queue     chan decision.Decision
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewAsync wraps sink and starts its delivery goroutine
func NewAsync(name string, sink decision.Sink, cfg AsyncConfig, logger *slog.Logger) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Async{
		name:   name,
		sink:   sink,
		cfg:    cfg,
		logger: logdedup.NewLogger(logger.With("component", "sink", "sink", name)),
		queue:  make(chan decision.Decision, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Name returns the sink name
func (a *Async) Name() string { return a.name }

// Emit queues d and returns immediately
func (a *Async) Emit(ctx context.Context, d decision.Decision) error {
	select {
	case <-a.stop:
		return ErrClosed
	default:
	}

	for {
		select {
		case a.queue <- d:
			return nil
		default:
		}
		// full: make room by discarding the oldest pending decision
		select {
		case <-a.queue:
			a.dropped.Add(1)
		default:
		}
	}
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			for {
				select {
				case d := <-a.queue:
					a.deliver(d)
				default:
					return
				}
			}
		case d := <-a.queue:
			a.deliver(d)
		}
	}
}

func (a *Async) deliver(d decision.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	if err := a.sink.Emit(ctx, d); err != nil {
		a.failed.Add(1)
		a.logger.Warn("sink delivery failed", "error", err)
		return
	}
	a.delivered.Add(1)
}

// Close stops accepting decisions, delivers what is still queued and waits
// up to timeout for the delivery goroutine to finish.
func (a *Async) Close(timeout time.Duration) error {
	a.closeOnce.Do(func() { close(a.stop) })

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-a.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%s sink: close timed out with %d decisions pending", a.name, len(a.queue))
	}
}

// Stats returns a snapshot of the delivery counters
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Queued:    len(a.queue),
		Delivered: a.delivered.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
	}
}
