package capture

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/EndrewSK/TCC/internal/types"
)

// OpenCVConfig configures an OpenCVSource
type OpenCVConfig struct {
	URI    string
	Kind   Kind
	Width  int // Requested capture width for devices (0 = driver default)
	Height int // Requested capture height for devices (0 = driver default)
}

// OpenCVSource reads frames through OpenCV's VideoCapture.
//
// It serves camera indices ("0"), video files and HTTP MJPEG streams such as
// the ESP32-CAM endpoint. Frames are BGR24, the native OpenCV layout.
type OpenCVSource struct {
	cfg     OpenCVConfig
	capture *gocv.VideoCapture
	mat     gocv.Mat
	once    sync.Once
}

// OpenOpenCV opens the configured source. The returned error wraps the
// OpenCV failure so Classify can categorize it.
func OpenOpenCV(cfg OpenCVConfig) (*OpenCVSource, error) {
	var device interface{} = cfg.URI
	if cfg.Kind == KindDevice {
		idx, err := strconv.Atoi(strings.TrimSpace(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("invalid device index '%s': %w", cfg.URI, err)
		}
		device = idx
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s source '%s': %w", cfg.Kind, cfg.URI, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("failed to open %s source '%s': could not connect", cfg.Kind, cfg.URI)
	}

	if cfg.Kind == KindDevice {
		if cfg.Width > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		}
		if cfg.Height > 0 {
			vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
		}
	}

	return &OpenCVSource{
		cfg:     cfg,
		capture: vc,
		mat:     gocv.NewMat(),
	}, nil
}

// Read grabs and decodes the next frame.
// A false Read from VideoCapture is reported as end of stream; for live
// sources the loop treats it as transient.
func (s *OpenCVSource) Read() (types.Frame, error) {
	if ok := s.capture.Read(&s.mat); !ok {
		return types.Frame{}, fmt.Errorf("%s: %w", s.cfg.URI, ErrEndOfStream)
	}
	if s.mat.Empty() {
		return types.Frame{}, fmt.Errorf("%s: empty frame: %w", s.cfg.URI, ErrReadFailed)
	}

	bgr := s.mat
	switch s.mat.Channels() {
	case 3:
	case 4:
		bgr = gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(s.mat, &bgr, gocv.ColorBGRAToBGR)
	case 1:
		bgr = gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(s.mat, &bgr, gocv.ColorGrayToBGR)
	default:
		return types.Frame{}, fmt.Errorf("%s: unsupported format with %d channels: %w",
			s.cfg.URI, s.mat.Channels(), ErrReadFailed)
	}

	// ToBytes copies out of the Mat, so the frame owns its data
	return types.Frame{
		Timestamp: time.Now(),
		Width:     bgr.Cols(),
		Height:    bgr.Rows(),
		Data:      bgr.ToBytes(),
		Source:    s.cfg.URI,
	}, nil
}

// Replayable reports whether the source is a file
func (s *OpenCVSource) Replayable() bool {
	return s.cfg.Kind.Replayable()
}

// Rewind seeks a file source back to frame 0
func (s *OpenCVSource) Rewind() error {
	if !s.Replayable() {
		return fmt.Errorf("%s: %s source cannot be rewound", s.cfg.URI, s.cfg.Kind)
	}
	s.capture.Set(gocv.VideoCapturePosFrames, 0)
	if pos := s.capture.Get(gocv.VideoCapturePosFrames); pos != 0 {
		return fmt.Errorf("%s: rewind failed, position %.0f", s.cfg.URI, pos)
	}
	return nil
}

// Close releases the capture handle. Safe to call more than once.
func (s *OpenCVSource) Close() error {
	var err error
	s.once.Do(func() {
		s.mat.Close()
		err = s.capture.Close()
	})
	return err
}

// String identifies the source in logs
func (s *OpenCVSource) String() string {
	return fmt.Sprintf("opencv:%s(%s)", s.cfg.Kind, s.cfg.URI)
}
