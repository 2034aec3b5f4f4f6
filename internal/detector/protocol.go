package detector

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/EndrewSK/TCC/internal/types"
)

// MaxMessageSize bounds a single framed message (a 1080p BGR frame is ~6MB)
const MaxMessageSize = 64 << 20

// Request is one frame sent to the worker process.
// Frame data travels as raw bytes; msgpack needs no base64.
type Request struct {
	ID        uint64 `msgpack:"id"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

// Response is the worker's answer to the Request with the same ID
type Response struct {
	ID         uint64         `msgpack:"id"`
	Detections []RawDetection `msgpack:"detections"`
	Timing     Timing         `msgpack:"timing"`
	Error      string         `msgpack:"error,omitempty"`
}

// RawDetection is a detection as produced by the model: pixel coordinates
// are floats
type RawDetection struct {
	Class      string     `msgpack:"class"`
	Confidence float64    `msgpack:"conf"`
	Box        [4]float64 `msgpack:"box"`
}

// Timing reports worker-side latencies
type Timing struct {
	TotalMS     float64 `msgpack:"total_ms"`
	InferenceMS float64 `msgpack:"inference_ms"`
}

// Detection converts to integer pixel coordinates, truncating toward zero
func (r RawDetection) Detection() types.Detection {
	return types.Detection{
		Class:      r.Class,
		Confidence: r.Confidence,
		Box: types.Box{
			X1: truncate(r.Box[0]),
			Y1: truncate(r.Box[1]),
			X2: truncate(r.Box[2]),
			Y2: truncate(r.Box[3]),
		},
	}
}

func truncate(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int(v)
}

// WriteMessage writes v as msgpack with a 4-byte big-endian length prefix.
// The prefix and payload go out in one Write so concurrent readers never see
// a prefix without its body.
func WriteMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
// It returns io.EOF when the stream ends cleanly between messages.
func ReadMessage(r io.Reader, v any) error {
	payload, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed payload without decoding it
func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message length %d exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read message body (%d bytes): %w", n, err)
	}
	return payload, nil
}
