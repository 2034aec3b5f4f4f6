package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/EndrewSK/TCC/internal/types"
)

var (
	// ErrSourceOpen is returned by Loop.Run when the source cannot be opened at startup
	ErrSourceOpen = errors.New("capture: failed to open source")
	// ErrEndOfStream is returned by Source.Read when no more frames are available
	ErrEndOfStream = errors.New("capture: end of stream")
	// ErrReadFailed is returned by Source.Read for a transient read failure
	ErrReadFailed = errors.New("capture: read failed")
	// ErrExhausted is returned by Loop.Run when a finite source cannot be restarted
	ErrExhausted = errors.New("capture: source exhausted")
)

// Source yields decoded frames on demand.
//
// Read blocks until a frame is available or fails. Implementations return an
// error wrapping ErrEndOfStream when the source has no more frames and
// ErrReadFailed for other read failures. Sources are used by one goroutine.
type Source interface {
	// Read returns the next frame. The returned frame owns its Data.
	Read() (types.Frame, error)
	// Replayable reports whether Rewind can restart the source from the beginning
	Replayable() bool
	// Rewind restarts a replayable source at its first frame
	Rewind() error
	// Close releases the underlying device, file or pipeline
	Close() error
	// String identifies the source in logs
	String() string
}

// Opener opens a fresh Source. It is called once at startup and again each
// time a live source is reopened after repeated failures.
type Opener func(ctx context.Context) (Source, error)

// Kind is the source classification that drives recovery policy
type Kind int

const (
	// KindFile - finite, replayable (video file)
	KindFile Kind = iota
	// KindLive - network stream (ESP32 MJPEG over HTTP, RTSP camera)
	KindLive
	// KindDevice - local camera index
	KindDevice
)

// String returns a human-readable representation of the kind
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindLive:
		return "live"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Replayable reports whether sources of this kind can be rewound
func (k Kind) Replayable() bool {
	return k == KindFile
}

// ParseKind maps a configured kind to a Kind. "auto" (or empty) infers it from uri.
func ParseKind(kind, uri string) (Kind, error) {
	switch strings.ToLower(kind) {
	case "", "auto":
		return DetectKind(uri), nil
	case "file":
		return KindFile, nil
	case "live":
		return KindLive, nil
	case "device":
		return KindDevice, nil
	default:
		return 0, fmt.Errorf("capture: unknown source kind '%s'", kind)
	}
}

// DetectKind infers the source kind from its identifier:
// a bare integer is a camera index, a URL with a scheme is a live stream,
// anything else is a file path.
func DetectKind(uri string) Kind {
	uri = strings.TrimSpace(uri)
	if _, err := strconv.Atoi(uri); err == nil {
		return KindDevice
	}
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" && u.Host != "" {
		return KindLive
	}
	return KindFile
}

// IsRTSP reports whether uri points at an RTSP stream
func IsRTSP(uri string) bool {
	lower := strings.ToLower(strings.TrimSpace(uri))
	return strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://")
}
