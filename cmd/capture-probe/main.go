// capture-probe opens a video source the same way robofired does, reports
// capture statistics and optionally saves frames, annotated with the
// detector's output when --model is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EndrewSK/TCC/internal/capture"
	"github.com/EndrewSK/TCC/internal/detector"
	"github.com/EndrewSK/TCC/internal/fire"
	"github.com/EndrewSK/TCC/internal/framebuffer"
	"github.com/EndrewSK/TCC/internal/types"
)

const version = "v0.2.0"

func main() {
	source := flag.String("source", "", "Video source: device index, file path, http:// or rtsp:// URL (required)")
	kind := flag.String("kind", "auto", "Source kind: auto, file, live, device")
	backend := flag.String("backend", "auto", "Capture backend: auto, opencv, gstreamer")
	width := flag.Int("width", 640, "Output width (gstreamer and devices)")
	height := flag.Int("height", 480, "Output height (gstreamer and devices)")
	outputDir := flag.String("output", "", "Directory to save captured frames (optional)")
	outputFormat := flag.String("format", "jpg", "Output format: jpg, png")
	every := flag.Int("every", 10, "Save (and detect on) every Nth frame")
	maxFrames := flag.Int("max-frames", 0, "Maximum frames to capture (0 = unlimited)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	model := flag.String("model", "", "YOLO weights; enables detection overlays on saved frames")
	worker := flag.String("worker", "models/fire_worker.py", "Detector worker script")
	confidence := flag.Float64("confidence", detector.DefaultConfidence, "Detection confidence threshold")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("capture-probe %s\n", version)
		os.Exit(0)
	}

	if *source == "" {
		fmt.Fprintf(os.Stderr, "Error: --source flag is required\n\n")
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  capture-probe --source 0\n")
		fmt.Fprintf(os.Stderr, "  capture-probe --source http://192.168.4.1 --output ./frames --model best.pt\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *outputFormat != "jpg" && *outputFormat != "png" {
		log.Fatalf("Invalid output format: %s (must be jpg or png)", *outputFormat)
	}
	if *every <= 0 {
		log.Fatalf("Invalid --every: %d (must be > 0)", *every)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	open, resolvedKind, err := capture.NewOpener(capture.OpenConfig{
		URI:     *source,
		Kind:    *kind,
		Backend: *backend,
		Width:   *width,
		Height:  *height,
	})
	if err != nil {
		log.Fatalf("Invalid source: %v", err)
	}

	fmt.Printf("\n")
	fmt.Printf("Capture probe %s\n", version)
	fmt.Printf("  Source:      %s (%s)\n", *source, resolvedKind)
	fmt.Printf("  Backend:     %s\n", *backend)
	if *outputDir != "" {
		fmt.Printf("  Output Dir:  %s (every %d frames, %s)\n", *outputDir, *every, *outputFormat)
	} else {
		fmt.Printf("  Output Dir:  (none - frames not saved)\n")
	}
	if *model != "" {
		fmt.Printf("  Detector:    %s (confidence %.2f)\n", *model, *confidence)
	}
	fmt.Printf("\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Printf("\n\nReceived interrupt signal, shutting down...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	var det *detector.Python
	filter := detector.NewFilter(*confidence)
	if *model != "" {
		det, err = detector.NewPython(detector.PythonConfig{
			ID:         "probe-detector",
			Args:       []string{*worker},
			ModelPath:  *model,
			Confidence: *confidence,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to create detector: %v", err)
		}
		if err := det.Start(ctx); err != nil {
			log.Fatalf("Failed to start detector: %v", err)
		}
		defer det.Stop()
	}

	buffer := framebuffer.New()
	loop := capture.NewLoop(open, buffer, capture.LoopConfig{}, cancel, logger)

	captureErr := make(chan error, 1)
	go func() { captureErr <- loop.Run(ctx) }()

	startTime := time.Now()
	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()

	var (
		lastSeq     uint64
		frameCount  int
		framesSaved int
		saveErrors  int
	)
	fireClasses := types.NewClassSet(fire.DefaultFireClasses...)
	obstacleClasses := types.NewClassSet(fire.DefaultObstacleClasses...)

	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

frames:
	for {
		select {
		case <-ctx.Done():
			break frames
		case <-statsTicker.C:
			printStats(loop.Stats(), buffer.Stats(), framesSaved, time.Since(startTime))
			continue
		case <-poll.C:
		}

		frame, ok := buffer.LatestAfter(lastSeq)
		if !ok {
			continue
		}
		lastSeq = frame.Seq
		frameCount++

		slog.Debug("frame",
			"seq", frame.Seq,
			"size_kb", fmt.Sprintf("%.1f", float64(len(frame.Data))/1024),
			"width", frame.Width,
			"height", frame.Height,
		)

		if *outputDir != "" && frameCount%*every == 0 {
			var dets []types.Detection
			if det != nil {
				raw, err := det.Infer(ctx, frame)
				if err != nil {
					slog.Warn("Detection failed", "error", err, "seq", frame.Seq)
				}
				dets = filter.Apply(raw, frame.Width, frame.Height)
			}

			overlay := Overlay{Detections: dets}
			if focus, ok := fire.SelectFocus(dets, fireClasses); ok {
				overlay.Focus = &focus
				if obstacle, ok := fire.FindOccluder(focus, dets, obstacleClasses); ok {
					overlay.Obstacle = &obstacle
				}
			}

			if err := saveFrame(*outputDir, *outputFormat, frame, overlay); err != nil {
				slog.Error("Failed to save frame", "error", err, "seq", frame.Seq)
				saveErrors++
			} else {
				framesSaved++
			}
		}

		if *maxFrames > 0 && frameCount >= *maxFrames {
			fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
			cancel()
		}
	}

	if err := <-captureErr; err != nil {
		slog.Error("Capture stopped with error", "error", err)
	}

	stats := loop.Stats()
	uptime := time.Since(startTime)
	fmt.Printf("\n")
	fmt.Printf("Final statistics\n")
	fmt.Printf("  Total Uptime:      %s\n", uptime.Round(time.Second))
	fmt.Printf("  Frames Captured:   %d\n", stats.FramesRead)
	fmt.Printf("  Frames Observed:   %d\n", frameCount)
	if uptime > 0 {
		fmt.Printf("  Average FPS:       %.2f\n", float64(stats.FramesRead)/uptime.Seconds())
	}
	if *outputDir != "" {
		fmt.Printf("  Frames Saved:      %d (%d errors)\n", framesSaved, saveErrors)
	}
	fmt.Printf("  Rewinds:           %d\n", stats.Rewinds)
	fmt.Printf("  Reopens:           %d\n", stats.Reopens)
	fmt.Printf("\n")
}

func printStats(cs capture.Stats, bs framebuffer.Stats, saved int, uptime time.Duration) {
	fps := 0.0
	if uptime > 0 {
		fps = float64(cs.FramesRead) / uptime.Seconds()
	}
	fmt.Printf("\n")
	fmt.Printf("Stream statistics (uptime %s)\n", uptime.Round(time.Second))
	fmt.Printf("  Frames Captured:   %6d\n", cs.FramesRead)
	fmt.Printf("  Frames Skipped:    %6d\n", bs.Overwritten)
	fmt.Printf("  Frames Saved:      %6d\n", saved)
	fmt.Printf("  Real FPS:          %6.2f\n", fps)
	fmt.Printf("  Connected:         %6v\n", cs.Connected)
	if cs.ReadErrors > 0 {
		fmt.Printf("  Read Errors:       %6d\n", cs.ReadErrors)
		for kind, n := range cs.ErrorsByKind {
			if n > 0 {
				fmt.Printf("    %-15s %6d\n", kind+":", n)
			}
		}
	}
	fmt.Printf("\n")
}
