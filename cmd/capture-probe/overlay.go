package main

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/EndrewSK/TCC/internal/types"
)

var (
	colorDetection = color.RGBA{0, 255, 0, 255}
	colorFocus     = color.RGBA{0, 0, 255, 255}
	colorObstacle  = color.RGBA{0, 255, 255, 255}
)

// Overlay is what gets drawn on a saved frame
type Overlay struct {
	Detections []types.Detection
	Focus      *types.Detection
	Obstacle   *types.Detection
}

// saveFrame writes a BGR frame to outputDir, drawing the overlay first
func saveFrame(outputDir, format string, frame types.Frame, overlay Overlay) error {
	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer img.Close()

	for _, d := range overlay.Detections {
		drawBox(&img, d, colorDetection, 1, fmt.Sprintf("%s %.2f", d.Class, d.Confidence))
	}
	if overlay.Obstacle != nil {
		drawBox(&img, *overlay.Obstacle, colorObstacle, 2, "obstacle: "+overlay.Obstacle.Class)
	}
	if overlay.Focus != nil {
		drawBox(&img, *overlay.Focus, colorFocus, 3, ">> main focus")
	}

	name := fmt.Sprintf("frame_%06d_%s.%s", frame.Seq, frame.Timestamp.Format("20060102_150405.000"), format)
	path := filepath.Join(outputDir, name)
	if !gocv.IMWrite(path, img) {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}

func drawBox(img *gocv.Mat, d types.Detection, c color.RGBA, thickness int, label string) {
	rect := image.Rect(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	gocv.Rectangle(img, rect, c, thickness)

	y := d.Box.Y1 - 6
	if y < 12 {
		y = d.Box.Y1 + 14
	}
	gocv.PutText(img, label, image.Pt(d.Box.X1, y), gocv.FontHersheySimplex, 0.5, c, 1)
}
