package capture

import (
	"errors"
	"strings"
)

// ErrorCategory represents the classification of capture errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates network-related failures (connection, timeout, DNS)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec indicates codec/stream failures (decode errors, format issues)
	ErrCategoryCodec
	// ErrCategoryAuth indicates authentication/authorization failures
	ErrCategoryAuth
	// ErrCategoryEndOfStream indicates the source ran out of frames
	ErrCategoryEndOfStream
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryEndOfStream:
		return "eos"
	default:
		return "unknown"
	}
}

// Classify categorizes a capture error for telemetry.
//
// This distinguishes between:
//   - Network issues (reopening may help)
//   - Codec issues (stream format problem, reopening unlikely to help)
//   - Auth issues (credentials needed)
//   - End of stream (rewind or retry)
//
// OpenCV and GStreamer do not expose structured error domains, so
// classification relies on message keywords.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}
	if errors.Is(err, ErrEndOfStream) {
		return ErrCategoryEndOfStream
	}

	msg := strings.ToLower(err.Error())

	// Priority: auth (most specific), codec, network (most common)
	switch {
	case containsAny(msg, authKeywords):
		return ErrCategoryAuth
	case containsAny(msg, codecKeywords):
		return ErrCategoryCodec
	case containsAny(msg, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

var authKeywords = []string{
	"unauthorized",
	"401",
	"403",
	"forbidden",
	"authentication",
	"credentials",
	"password",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"format",
	"negotiation",
	"caps",
	"h264",
	"mjpeg",
	"jpeg",
	"not negotiated",
	"no decoder",
	"missing plugin",
	"empty frame",
}

var networkKeywords = []string{
	"connection",
	"timeout",
	"unreachable",
	"network",
	"dns",
	"resolve",
	"socket",
	"tcp",
	"rtsp",
	"http",
	"not found",
	"could not connect",
	"failed to connect",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
