package fire

import "github.com/EndrewSK/TCC/internal/types"

var (
	// DefaultFireClasses are the labels treated as fire evidence
	DefaultFireClasses = []string{"fire", "flame", "smoke"}
	// DefaultObstacleClasses are the labels that can block the path to a fire
	DefaultObstacleClasses = []string{"person", "chair", "table", "car", "sofa"}
)

// SelectFocus returns the fire-class detection with the largest box area.
// Ties keep the earliest detection in list order. ok is false when the
// snapshot holds no fire-class detection.
func SelectFocus(detections []types.Detection, fireClasses types.ClassSet) (focus types.Detection, ok bool) {
	best := -1
	bestArea := 0
	for i, d := range detections {
		if !fireClasses.Contains(d.Class) {
			continue
		}
		area := d.Box.Area()
		if best < 0 || area > bestArea {
			best = i
			bestArea = area
		}
	}
	if best < 0 {
		return types.Detection{}, false
	}
	return detections[best], true
}

// FindOccluder returns the first obstacle-class detection whose box strictly
// contains the focus center. This is a point-in-rectangle test on the focus
// centroid, not an overlap ratio.
func FindOccluder(focus types.Detection, detections []types.Detection, obstacleClasses types.ClassSet) (obstacle types.Detection, ok bool) {
	cx, cy := focus.Box.CenterX(), focus.Box.CenterY()
	for _, d := range detections {
		if !obstacleClasses.Contains(d.Class) {
			continue
		}
		if d.Box.ContainsStrict(cx, cy) {
			return d, true
		}
	}
	return types.Detection{}, false
}
