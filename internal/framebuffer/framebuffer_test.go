package framebuffer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/EndrewSK/TCC/internal/framebuffer"
	"github.com/EndrewSK/TCC/internal/types"
)

func testFrame(tag byte) types.Frame {
	return types.Frame{
		Data:      []byte{tag, tag, tag},
		Width:     1,
		Height:    1,
		Timestamp: time.Now(),
	}
}

// TestLatestEmpty validates that a fresh buffer reports "no frame yet".
func TestLatestEmpty(t *testing.T) {
	buf := framebuffer.New()

	if _, ok := buf.Latest(); ok {
		t.Fatal("Latest() on empty buffer returned ok=true")
	}
}

// TestMostRecentWins validates mailbox overwrite semantics.
//
// Scenario:
//  1. Publish F1, F2, F3 before any read (fast producer, slow consumer)
//  2. Latest() must return F3, never F1 or F2
//  3. Overwritten = 2 (F1 replaced by F2, F2 replaced by F3)
func TestMostRecentWins(t *testing.T) {
	buf := framebuffer.New()

	buf.Publish(testFrame('1'))
	buf.Publish(testFrame('2'))
	seq3 := buf.Publish(testFrame('3'))

	for i := 0; i < 3; i++ {
		frame, ok := buf.Latest()
		if !ok {
			t.Fatal("Latest() returned ok=false after publish")
		}
		if frame.Data[0] != '3' || frame.Seq != seq3 {
			t.Fatalf("read %d: got frame %q seq=%d, want F3 seq=%d", i, frame.Data[0], frame.Seq, seq3)
		}
	}

	stats := buf.Stats()
	if stats.Published != 3 {
		t.Errorf("Published=%d, want 3", stats.Published)
	}
	if stats.Overwritten != 2 {
		t.Errorf("Overwritten=%d, want 2", stats.Overwritten)
	}
	if stats.Reads != 3 {
		t.Errorf("Reads=%d, want 3", stats.Reads)
	}
}

// TestOverwriteAfterRead validates that a frame already seen by a reader is not counted as dropped.
func TestOverwriteAfterRead(t *testing.T) {
	buf := framebuffer.New()

	buf.Publish(testFrame('a'))
	buf.Latest()
	buf.Publish(testFrame('b'))

	if got := buf.Stats().Overwritten; got != 0 {
		t.Errorf("Overwritten=%d, want 0 (frame a was read)", got)
	}
}

// TestSeqMonotonic validates sequence numbers increase by one per publish.
func TestSeqMonotonic(t *testing.T) {
	buf := framebuffer.New()

	var prev uint64
	for i := 0; i < 10; i++ {
		seq := buf.Publish(testFrame(byte(i)))
		if seq != prev+1 {
			t.Fatalf("publish %d: seq=%d, want %d", i, seq, prev+1)
		}
		prev = seq
	}
}

// TestLatestAfterSkipsSeenFrame validates that polling an unchanged buffer
// neither copies nor counts a read.
func TestLatestAfterSkipsSeenFrame(t *testing.T) {
	buf := framebuffer.New()

	if _, ok := buf.LatestAfter(0); ok {
		t.Fatal("LatestAfter(0) on empty buffer returned ok=true")
	}

	seq := buf.Publish(testFrame(1))
	f, ok := buf.LatestAfter(0)
	if !ok || f.Seq != seq {
		t.Fatalf("LatestAfter(0) = seq %d ok=%v, want seq %d", f.Seq, ok, seq)
	}

	for i := 0; i < 5; i++ {
		if _, ok := buf.LatestAfter(seq); ok {
			t.Fatal("LatestAfter(seen) returned the same frame again")
		}
	}
	if reads := buf.Stats().Reads; reads != 1 {
		t.Errorf("Reads = %d, want 1 (polls of a seen frame are not reads)", reads)
	}

	next := buf.Publish(testFrame(2))
	f, ok = buf.LatestAfter(seq)
	if !ok || f.Seq != next || f.Data[0] != 2 {
		t.Errorf("LatestAfter(%d) = seq %d ok=%v, want seq %d", seq, f.Seq, ok, next)
	}
}

// TestLatestReturnsCopy validates readers cannot corrupt the held frame.
func TestLatestReturnsCopy(t *testing.T) {
	buf := framebuffer.New()
	buf.Publish(testFrame('x'))

	first, _ := buf.Latest()
	first.Data[0] = 'y'

	second, _ := buf.Latest()
	if second.Data[0] != 'x' {
		t.Errorf("held frame modified through a copy: got %q, want 'x'", second.Data[0])
	}
}

// TestConcurrentPublishLatest runs a producer and a consumer concurrently.
//
// Contract: a reader never sees a sequence number go backwards and never sees a torn frame
// (all three bytes of a frame carry the same tag). Run with -race.
func TestConcurrentPublishLatest(t *testing.T) {
	buf := framebuffer.New()

	const frames = 2000
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			buf.Publish(testFrame(byte(i)))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < frames; i++ {
			frame, ok := buf.Latest()
			if !ok {
				continue
			}
			if frame.Seq < last {
				t.Errorf("seq went backwards: %d after %d", frame.Seq, last)
				return
			}
			if frame.Data[0] != frame.Data[1] || frame.Data[1] != frame.Data[2] {
				t.Errorf("torn frame observed: %v", frame.Data)
				return
			}
			last = frame.Seq
		}
	}()

	wg.Wait()

	if got := buf.Stats().Published; got != frames {
		t.Errorf("Published=%d, want %d", got, frames)
	}
}
