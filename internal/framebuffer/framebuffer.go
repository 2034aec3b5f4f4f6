// Package framebuffer provides the single-slot frame mailbox shared between the
// capture loop and the decision loop.
//
// Drop frames, never queue: Publish overwrites whatever frame is held, so a slow
// reader silently skips stale frames instead of lagging behind the camera.
//
//	capture loop ──Publish──▶ [ slot ] ──Latest (copy)──▶ decision loop
//
// The mutex is held only for a pointer swap (Publish) or a pixel copy (Latest).
// Callers must never run inference or decision logic while holding it, which is
// guaranteed by construction because the lock never escapes this package.
package framebuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/EndrewSK/TCC/internal/types"
)

// Buffer is a most-recent-wins single-slot frame container.
// The zero value is not usable; create one with New.
type Buffer struct {
	mu     sync.Mutex
	frame  *types.Frame
	unread bool
	seq    uint64

	// Stats (atomic, read without the lock)
	published   uint64
	overwritten uint64
	reads       uint64
	lastPublish atomic.Int64 // unix nanos
}

// Stats is an operational snapshot of the buffer.
type Stats struct {
	// Published is the number of frames ever published
	Published uint64 `json:"published"`
	// Overwritten counts frames replaced before any reader saw them (silent drops)
	Overwritten uint64 `json:"overwritten"`
	// Reads counts successful Latest calls
	Reads uint64 `json:"reads"`
	// LastPublishAt is the time of the most recent publish (zero if none)
	LastPublishAt time.Time `json:"last_publish_at"`
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Publish stores frame as the held frame, replacing any previous one, and
// returns the sequence number assigned to it.
//
// The buffer takes ownership of frame.Data: the publisher must not modify it
// afterwards. Publish never blocks beyond the critical section.
func (b *Buffer) Publish(frame types.Frame) uint64 {
	b.mu.Lock()
	b.seq++
	frame.Seq = b.seq
	if b.unread {
		atomic.AddUint64(&b.overwritten, 1)
	}
	b.frame = &frame
	b.unread = true
	b.mu.Unlock()

	atomic.AddUint64(&b.published, 1)
	b.lastPublish.Store(time.Now().UnixNano())
	return frame.Seq
}

// Latest returns a copy of the held frame. ok is false when nothing has been
// published yet.
func (b *Buffer) Latest() (frame types.Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame == nil {
		return types.Frame{}, false
	}
	b.unread = false
	atomic.AddUint64(&b.reads, 1)
	return b.frame.Clone(), true
}

// LatestAfter is Latest for pollers: it returns ok=false, without copying,
// while the held frame is still the one with sequence number seen. Pass 0
// before the first read.
func (b *Buffer) LatestAfter(seen uint64) (frame types.Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame == nil || b.frame.Seq == seen {
		return types.Frame{}, false
	}
	b.unread = false
	atomic.AddUint64(&b.reads, 1)
	return b.frame.Clone(), true
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	s := Stats{
		Published:   atomic.LoadUint64(&b.published),
		Overwritten: atomic.LoadUint64(&b.overwritten),
		Reads:       atomic.LoadUint64(&b.reads),
	}
	if ns := b.lastPublish.Load(); ns != 0 {
		s.LastPublishAt = time.Unix(0, ns)
	}
	return s
}
