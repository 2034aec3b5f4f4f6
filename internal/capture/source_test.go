package capture

import (
	"errors"
	"fmt"
	"testing"
)

func TestDetectKind(t *testing.T) {
	tests := []struct {
		uri  string
		want Kind
	}{
		{"0", KindDevice},
		{" 1 ", KindDevice},
		{"http://192.168.4.1", KindLive},
		{"rtsp://cam.local:8554/stream", KindLive},
		{"./teste_incendio.mp4", KindFile},
		{"/data/videos/fire.avi", KindFile},
	}

	for _, tt := range tests {
		if got := DetectKind(tt.uri); got != tt.want {
			t.Errorf("DetectKind(%q) = %s, want %s", tt.uri, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("auto", "0")
	if err != nil || k != KindDevice {
		t.Errorf("ParseKind(auto, 0) = %s, %v", k, err)
	}
	k, err = ParseKind("FILE", "http://192.168.4.1")
	if err != nil || k != KindFile {
		t.Errorf("explicit kind should win over detection, got %s, %v", k, err)
	}
	if _, err := ParseKind("stream", "0"); err == nil {
		t.Error("ParseKind(stream) should fail")
	}
}

func TestOnlyFilesAreReplayable(t *testing.T) {
	if !KindFile.Replayable() || KindLive.Replayable() || KindDevice.Replayable() {
		t.Error("only KindFile should be replayable")
	}
}

func TestNewOpenerBackendSelection(t *testing.T) {
	if _, kind, err := NewOpener(OpenConfig{URI: "rtsp://cam/stream"}); err != nil || kind != KindLive {
		t.Errorf("rtsp auto: kind=%s err=%v", kind, err)
	}
	if _, _, err := NewOpener(OpenConfig{URI: "./fire.mp4", Backend: "gstreamer"}); err == nil {
		t.Error("gstreamer backend should reject file sources")
	}
	if _, _, err := NewOpener(OpenConfig{URI: "0", Backend: "v4l2"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{fmt.Errorf("x: %w", ErrEndOfStream), ErrCategoryEndOfStream},
		{errors.New("401 Unauthorized"), ErrCategoryAuth},
		{errors.New("could not decode frame"), ErrCategoryCodec},
		{errors.New("connection refused"), ErrCategoryNetwork},
		{errors.New("timeout waiting for frame"), ErrCategoryNetwork},
		{errors.New("something odd"), ErrCategoryUnknown},
		{nil, ErrCategoryUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
