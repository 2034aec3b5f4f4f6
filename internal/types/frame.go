package types

import "time"

// Frame represents a single decoded video frame.
//
// Data holds BGR24 pixel rows (Width*Height*3 bytes) as produced by OpenCV and
// by the GStreamer appsink caps. A frame is immutable once published to the
// frame buffer; consumers that need to draw on it must Clone first.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the frame buffer on publish
	Seq uint64
	// Timestamp is when the frame was read from the source
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw BGR24 pixels
	Data []byte
	// Source identifies the capture source the frame came from
	Source string
	// TraceID is a unique identifier for tracing a frame across capture, detection and decision
	TraceID string
}

// Clone returns a deep copy of the frame. The copy owns its pixel data.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return len(f.Data) == 0 || f.Width <= 0 || f.Height <= 0
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64    `json:"seq" msgpack:"seq"`
	Timestamp time.Time `json:"timestamp" msgpack:"-"`
	Width     int       `json:"width" msgpack:"width"`
	Height    int       `json:"height" msgpack:"height"`
	TraceID   string    `json:"trace_id" msgpack:"trace_id"`
}

// Meta returns the frame metadata.
func (f Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		TraceID:   f.TraceID,
	}
}
