package types

import "strings"

// Box is an axis-aligned bounding box in pixel coordinates with X1<=X2 and Y1<=Y2.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the box
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box
func (b Box) Height() int { return b.Y2 - b.Y1 }

// Area returns the pixel area of the box
func (b Box) Area() int { return b.Width() * b.Height() }

// CenterX returns the horizontal center using integer division.
// Coordinates are clamped to the frame at the detector boundary, so they are never negative.
func (b Box) CenterX() int { return (b.X1 + b.X2) / 2 }

// CenterY returns the vertical center using integer division.
func (b Box) CenterY() int { return (b.Y1 + b.Y2) / 2 }

// ContainsStrict reports whether the point lies strictly inside the box (edges excluded).
func (b Box) ContainsStrict(x, y int) bool {
	return b.X1 < x && x < b.X2 && b.Y1 < y && y < b.Y2
}

// Detection represents a single object detection
type Detection struct {
	// Class is the detected object class (e.g., "fire", "person")
	Class string `json:"class"`
	// Confidence is the detection confidence score [0.0, 1.0]
	Confidence float64 `json:"confidence"`
	// Box is the bounding box in pixel coordinates
	Box Box `json:"box"`
}

// ClassSet is a set of detector class labels. Lookups are case-insensitive.
type ClassSet map[string]struct{}

// NewClassSet builds a ClassSet from labels.
func NewClassSet(labels ...string) ClassSet {
	s := make(ClassSet, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		s[l] = struct{}{}
	}
	return s
}

// Contains reports whether label is in the set.
func (s ClassSet) Contains(label string) bool {
	_, ok := s[strings.ToLower(label)]
	return ok
}

// Labels returns the labels in the set (unordered).
func (s ClassSet) Labels() []string {
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	return out
}
