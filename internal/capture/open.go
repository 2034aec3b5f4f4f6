package capture

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OpenConfig selects and configures a concrete Source
type OpenConfig struct {
	URI     string
	Kind    string // auto|file|live|device
	Backend string // auto|opencv|gstreamer
	Width   int
	Height  int
}

// NewOpener returns an Opener for the configured source.
//
// Backend "auto" uses GStreamer for rtsp:// URIs and OpenCV for everything
// else (camera indices, files, HTTP MJPEG).
func NewOpener(cfg OpenConfig) (Opener, Kind, error) {
	kind, err := ParseKind(cfg.Kind, cfg.URI)
	if err != nil {
		return nil, 0, err
	}

	backend := strings.ToLower(cfg.Backend)
	if backend == "" || backend == "auto" {
		backend = "opencv"
		if IsRTSP(cfg.URI) {
			backend = "gstreamer"
		}
	}

	switch backend {
	case "opencv":
		return func(ctx context.Context) (Source, error) {
			return OpenOpenCV(OpenCVConfig{
				URI:    cfg.URI,
				Kind:   kind,
				Width:  cfg.Width,
				Height: cfg.Height,
			})
		}, kind, nil

	case "gstreamer":
		if kind != KindLive {
			return nil, 0, fmt.Errorf("capture: gstreamer backend only supports live rtsp sources, got %s", kind)
		}
		return func(ctx context.Context) (Source, error) {
			return OpenGst(GstConfig{
				URI:         cfg.URI,
				Width:       cfg.Width,
				Height:      cfg.Height,
				ReadTimeout: 5 * time.Second,
			})
		}, kind, nil

	default:
		return nil, 0, fmt.Errorf("capture: unknown backend '%s'", cfg.Backend)
	}
}
