package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/EndrewSK/TCC/internal/types"
)

// GstConfig configures a GstSource
type GstConfig struct {
	URI         string
	Width       int
	Height      int
	ReadTimeout time.Duration // How long Read waits for a frame (default: 5s)
}

// GstSource decodes an RTSP H.264 stream with GStreamer.
//
// Pipeline structure:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	capsfilter(BGR) → appsink
//
// The appsink callback keeps only the newest decoded frame; Read waits for it.
type GstSource struct {
	cfg      GstConfig
	pipeline *gst.Pipeline
	frames   chan types.Frame
	errs     chan error
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	samplesDropped atomic.Uint64
}

// OpenGst builds and starts the pipeline. It fails when GStreamer reports an
// error before the stream reaches PLAYING.
func OpenGst(cfg GstConfig) (*GstSource, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	// protocols=4 (TCP only)
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", cfg.URI)
	rtspsrc.SetProperty("protocols", 4)
	rtspsrc.SetProperty("latency", 200)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(bgrCaps(cfg.Width, cfg.Height)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(rtspsrc, depay, decoder, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	// rtspsrc has dynamic pads, linked in the pad-added callback
	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	s := &GstSource{
		cfg:      cfg,
		pipeline: pipeline,
		frames:   make(chan types.Frame, 1),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		onPadAdded(srcPad, depay)
	})
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline for '%s': %w", cfg.URI, err)
	}
	if err := s.waitPlaying(5 * time.Second); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, err
	}

	s.wg.Add(1)
	go s.monitorBus()

	return s, nil
}

func bgrCaps(width, height int) string {
	if width > 0 && height > 0 {
		return fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", width, height)
	}
	return "video/x-raw,format=BGR"
}

// waitPlaying drains the bus until the pipeline reaches PLAYING, reports an
// error, or the deadline passes. A slow camera is not an error: frames arrive
// asynchronously once negotiation completes.
func (s *GstSource) waitPlaying(timeout time.Duration) error {
	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("failed to open rtsp source '%s': %s", s.cfg.URI, gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
					return nil
				}
			}
		}
	}
	slog.Debug("capture: pipeline not yet PLAYING, continuing", "uri", s.cfg.URI)
	return nil
}

// monitorBus forwards EOS and pipeline errors to Read
func (s *GstSource) monitorBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		// Poll for messages with short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		var err error
		switch msg.Type() {
		case gst.MessageEOS:
			err = fmt.Errorf("%s: %w", s.cfg.URI, ErrEndOfStream)
		case gst.MessageError:
			gerr := msg.ParseError()
			err = fmt.Errorf("%s: pipeline error: %s (%s): %w", s.cfg.URI, gerr.Error(), gerr.DebugString(), ErrReadFailed)
		default:
			continue
		}

		select {
		case s.errs <- err:
		default:
		}
	}
}

// onNewSample copies the decoded buffer and replaces any unread frame
func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}

	// Copy frame data (GStreamer will reuse buffer)
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	width, height := s.cfg.Width, s.cfg.Height
	if caps := sample.GetCaps(); caps != nil && caps.GetSize() > 0 {
		st := caps.GetStructureAt(0)
		if w, err := st.GetValue("width"); err == nil {
			if v, ok := w.(int); ok {
				width = v
			}
		}
		if h, err := st.GetValue("height"); err == nil {
			if v, ok := h.(int); ok {
				height = v
			}
		}
	}

	frame := types.Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      frameData,
		Source:    s.cfg.URI,
	}

	// Keep only the newest frame
	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
			s.samplesDropped.Add(1)
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}

	return gst.FlowOK
}

func onPadAdded(srcPad *gst.Pad, depay *gst.Element) {
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("capture: failed to get sink pad from rtph264depay")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("capture: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
	}
}

// Read waits for the next decoded frame
func (s *GstSource) Read() (types.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return types.Frame{}, err
	case <-s.done:
		return types.Frame{}, fmt.Errorf("%s: source closed: %w", s.cfg.URI, ErrEndOfStream)
	case <-time.After(s.cfg.ReadTimeout):
		return types.Frame{}, fmt.Errorf("%s: timeout waiting for frame: %w", s.cfg.URI, ErrReadFailed)
	}
}

// Replayable is always false: RTSP streams are live
func (s *GstSource) Replayable() bool { return false }

// Rewind is not supported for live streams
func (s *GstSource) Rewind() error {
	return fmt.Errorf("%s: rtsp source cannot be rewound", s.cfg.URI)
}

// Close stops the pipeline and the bus monitor. Safe to call more than once.
func (s *GstSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		if serr := s.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("failed to set pipeline to NULL: %w", serr)
		}
		if dropped := s.samplesDropped.Load(); dropped > 0 {
			slog.Debug("capture: rtsp source closed", "uri", s.cfg.URI, "samples_replaced", dropped)
		}
	})
	return err
}

// String identifies the source in logs
func (s *GstSource) String() string {
	return fmt.Sprintf("gstreamer:live(%s)", s.cfg.URI)
}
