package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EndrewSK/TCC/internal/logdedup"
	"github.com/EndrewSK/TCC/internal/types"
)

// Publisher receives captured frames. framebuffer.Buffer satisfies it.
type Publisher interface {
	Publish(frame types.Frame) uint64
}

// LoopConfig controls pacing and recovery of the capture loop
type LoopConfig struct {
	FrameDelay  time.Duration // Pause after each published frame (default: 30ms)
	RetryDelay  time.Duration // Pause after a failed read (default: 200ms)
	ReopenAfter int           // Consecutive live failures before reopening (default: 25)
	Reconnect   ReconnectConfig
}

func (c *LoopConfig) applyDefaults() {
	if c.FrameDelay <= 0 {
		c.FrameDelay = 30 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.ReopenAfter <= 0 {
		c.ReopenAfter = 25
	}
	if c.Reconnect.RetryDelay <= 0 {
		c.Reconnect.RetryDelay = time.Second
	}
	if c.Reconnect.MaxRetryDelay <= 0 {
		c.Reconnect.MaxRetryDelay = 30 * time.Second
	}
}

// Stats is a snapshot of capture loop counters
type Stats struct {
	FramesRead    uint64            `json:"frames_read"`
	ReadErrors    uint64            `json:"read_errors"`
	ErrorsByKind  map[string]uint64 `json:"errors_by_kind"`
	Rewinds       uint64            `json:"rewinds"`
	Reopens       uint64            `json:"reopens"`
	ReopenRetries uint32            `json:"reopen_retries"`
	Connected     bool              `json:"connected"`
	LastFrameAt   time.Time         `json:"last_frame_at"`
	Source        string            `json:"source"`
	SourceReplays bool              `json:"source_replays"`
}

// Loop reads frames from a Source and publishes each one to the frame buffer.
//
// Recovery policy:
//   - open failure at startup is fatal (stop is invoked, ErrSourceOpen returned)
//   - replayable sources rewind on end of stream
//   - live sources back off RetryDelay and retry indefinitely, reopening the
//     source with exponential backoff after ReopenAfter consecutive failures
type Loop struct {
	open   Opener
	out    Publisher
	cfg    LoopConfig
	stop   func()
	logger *slog.Logger

	framesRead  atomic.Uint64
	rewinds     atomic.Uint64
	reopens     atomic.Uint64
	errNetwork  atomic.Uint64
	errCodec    atomic.Uint64
	errAuth     atomic.Uint64
	errEOS      atomic.Uint64
	errUnknown  atomic.Uint64
	connected   atomic.Bool
	replayable  atomic.Bool
	lastFrameAt atomic.Int64
	sourceName  atomic.Value
	reconnect   ReconnectState
}

// NewLoop creates a capture loop. stop is invoked when the loop gives up
// (open failure or exhausted source) so the rest of the process shuts down;
// it may be nil. logger is wrapped with duplicate suppression.
func NewLoop(open Opener, out Publisher, cfg LoopConfig, stop func(), logger *slog.Logger) *Loop {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		open:   open,
		out:    out,
		cfg:    cfg,
		stop:   stop,
		logger: logdedup.NewLogger(logger.With("component", "capture")),
	}
	l.sourceName.Store("")
	return l
}

func (l *Loop) halt() {
	if l.stop != nil {
		l.stop()
	}
}

// Run captures until ctx is cancelled or the source fails for good.
// Returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	src, err := l.open(ctx)
	if err != nil {
		l.recordError(err)
		l.logger.Error("capture: could not open video source", "error", err)
		l.halt()
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	l.attach(src)
	defer func() {
		l.connected.Store(false)
		if src != nil {
			if cerr := src.Close(); cerr != nil {
				l.logger.Warn("capture: error closing source", "error", cerr)
			}
		}
	}()

	l.logger.Info("capture: source opened", "source", src.String(), "replayable", src.Replayable())

	failures := 0
	framesSinceRewind := 0
	rewound := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := src.Read()
		if err == nil {
			if failures > 0 {
				l.logger.Info("capture: frames flowing again", "after_failures", failures)
			}
			failures = 0
			framesSinceRewind++
			l.publish(frame, src)
			if !sleep(ctx, l.cfg.FrameDelay) {
				return nil
			}
			continue
		}

		l.recordError(err)

		if src.Replayable() && errors.Is(err, ErrEndOfStream) {
			// A rewind that yields no frame means the file has nothing to play
			if rewound && framesSinceRewind == 0 {
				l.logger.Error("capture: source exhausted", "source", src.String())
				l.halt()
				return fmt.Errorf("%w: %s produced no frames after rewind", ErrExhausted, src.String())
			}
			if rerr := src.Rewind(); rerr != nil {
				l.logger.Error("capture: rewind failed", "source", src.String(), "error", rerr)
				l.halt()
				return fmt.Errorf("%w: %v", ErrExhausted, rerr)
			}
			l.rewinds.Add(1)
			rewound = true
			framesSinceRewind = 0
			l.logger.Debug("capture: end of file, rewound to first frame", "source", src.String())
			continue
		}

		failures++
		l.logger.Warn("capture: read failed, retrying",
			"source", src.String(),
			"category", Classify(err).String(),
		)

		if !src.Replayable() && failures >= l.cfg.ReopenAfter {
			next, rerr := l.reopen(ctx, src)
			src = next
			if rerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.halt()
				return rerr
			}
			failures = 0
			continue
		}

		if !sleep(ctx, l.cfg.RetryDelay) {
			return nil
		}
	}
}

// reopen closes src and opens a replacement with exponential backoff.
// On failure the returned source is nil.
func (l *Loop) reopen(ctx context.Context, src Source) (Source, error) {
	l.connected.Store(false)
	l.logger.Warn("capture: too many consecutive failures, reopening source",
		"source", src.String(),
		"threshold", l.cfg.ReopenAfter,
	)
	if err := src.Close(); err != nil {
		l.logger.Warn("capture: error closing source", "error", err)
	}

	var next Source
	err := RunWithReconnect(ctx, func(ctx context.Context) error {
		s, err := l.open(ctx)
		if err != nil {
			l.recordError(err)
			return err
		}
		next = s
		return nil
	}, l.cfg.Reconnect, &l.reconnect, l.logger)
	if err != nil {
		return nil, fmt.Errorf("capture: reopen failed: %w", err)
	}

	l.reopens.Add(1)
	l.attach(next)
	l.logger.Info("capture: source reopened", "source", next.String())
	return next, nil
}

func (l *Loop) attach(src Source) {
	l.connected.Store(true)
	l.sourceName.Store(src.String())
	l.replayable.Store(src.Replayable())
}

func (l *Loop) publish(frame types.Frame, src Source) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if frame.Source == "" {
		frame.Source = src.String()
	}
	frame.TraceID = uuid.New().String()

	seq := l.out.Publish(frame)
	l.framesRead.Add(1)
	l.lastFrameAt.Store(frame.Timestamp.UnixNano())

	l.logger.Debug("capture: frame published",
		"seq", seq,
		"width", frame.Width,
		"height", frame.Height,
		"trace_id", frame.TraceID,
	)
}

func (l *Loop) recordError(err error) {
	switch Classify(err) {
	case ErrCategoryNetwork:
		l.errNetwork.Add(1)
	case ErrCategoryCodec:
		l.errCodec.Add(1)
	case ErrCategoryAuth:
		l.errAuth.Add(1)
	case ErrCategoryEndOfStream:
		l.errEOS.Add(1)
	default:
		l.errUnknown.Add(1)
	}
}

// Stats returns a snapshot of the loop counters. Safe for concurrent use.
func (l *Loop) Stats() Stats {
	byKind := map[string]uint64{
		ErrCategoryNetwork.String():     l.errNetwork.Load(),
		ErrCategoryCodec.String():       l.errCodec.Load(),
		ErrCategoryAuth.String():        l.errAuth.Load(),
		ErrCategoryEndOfStream.String(): l.errEOS.Load(),
		ErrCategoryUnknown.String():     l.errUnknown.Load(),
	}
	var total uint64
	for _, n := range byKind {
		total += n
	}

	var last time.Time
	if ns := l.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		FramesRead:    l.framesRead.Load(),
		ReadErrors:    total,
		ErrorsByKind:  byKind,
		Rewinds:       l.rewinds.Load(),
		Reopens:       l.reopens.Load(),
		ReopenRetries: l.reconnect.Reconnects.Load(),
		Connected:     l.connected.Load(),
		LastFrameAt:   last,
		Source:        l.sourceName.Load().(string),
		SourceReplays: l.replayable.Load(),
	}
}

// sleep waits d or until ctx is done. Returns false if ctx was cancelled.
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
