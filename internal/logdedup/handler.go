// Package logdedup wraps a slog.Handler so that a record identical to the one
// emitted just before it is dropped.
//
// Capture and decision loops run many times per second and would otherwise
// print the same "reconnecting" or "approaching fire" line on every iteration.
// Each loop owns its own Handler; there is no process-wide "last message".
package logdedup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler suppresses consecutive duplicate records.
//
// Two records are duplicates when they share level, message and the attributes
// attached to the record itself. Attributes bound with WithAttrs/WithGroup are
// part of the handler identity, so derived handlers share the suppression state
// with their parent.
type Handler struct {
	next  slog.Handler
	state *state
}

type state struct {
	mu         sync.Mutex
	last       string
	suppressed atomic.Uint64
}

// New wraps next with duplicate suppression.
func New(next slog.Handler) *Handler {
	return &Handler{next: next, state: &state{}}
}

// NewLogger is a convenience for slog.New(New(base.Handler())).
func NewLogger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(New(base.Handler()))
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	key := recordKey(r)

	h.state.mu.Lock()
	if key == h.state.last {
		h.state.mu.Unlock()
		h.state.suppressed.Add(1)
		return nil
	}
	h.state.last = key
	h.state.mu.Unlock()

	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), state: h.state}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), state: h.state}
}

// Suppressed returns how many records were dropped as duplicates.
func (h *Handler) Suppressed() uint64 {
	return h.state.suppressed.Load()
}

// Reset forgets the last emitted record so the next one always goes through.
func (h *Handler) Reset() {
	h.state.mu.Lock()
	h.state.last = ""
	h.state.mu.Unlock()
}

func recordKey(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteByte('|')
	sb.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, "|%s=%v", a.Key, a.Value.Resolve())
		return true
	})
	return sb.String()
}
