package detector

import (
	"context"
	"math"
	"testing"

	"github.com/EndrewSK/TCC/internal/types"
)

func box(x1, y1, x2, y2 int) types.Box {
	return types.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestFilterApply(t *testing.T) {
	f := NewFilter(0.6)

	tests := []struct {
		name string
		in   types.Detection
		keep bool
		want types.Detection
	}{
		{
			name: "above threshold",
			in:   types.Detection{Class: "fire", Confidence: 0.9, Box: box(10, 10, 50, 50)},
			keep: true,
			want: types.Detection{Class: "fire", Confidence: 0.9, Box: box(10, 10, 50, 50)},
		},
		{
			name: "exactly at threshold passes",
			in:   types.Detection{Class: "fire", Confidence: 0.6, Box: box(10, 10, 50, 50)},
			keep: true,
			want: types.Detection{Class: "fire", Confidence: 0.6, Box: box(10, 10, 50, 50)},
		},
		{
			name: "below threshold dropped",
			in:   types.Detection{Class: "fire", Confidence: 0.59, Box: box(10, 10, 50, 50)},
		},
		{
			name: "nan confidence dropped",
			in:   types.Detection{Class: "fire", Confidence: math.NaN(), Box: box(10, 10, 50, 50)},
		},
		{
			name: "empty class dropped",
			in:   types.Detection{Class: "  ", Confidence: 0.9, Box: box(10, 10, 50, 50)},
		},
		{
			name: "inverted x dropped",
			in:   types.Detection{Class: "fire", Confidence: 0.9, Box: box(50, 10, 10, 50)},
		},
		{
			name: "inverted y dropped",
			in:   types.Detection{Class: "fire", Confidence: 0.9, Box: box(10, 50, 50, 10)},
		},
		{
			name: "confidence above one clamped",
			in:   types.Detection{Class: "smoke", Confidence: 1.7, Box: box(0, 0, 5, 5)},
			keep: true,
			want: types.Detection{Class: "smoke", Confidence: 1, Box: box(0, 0, 5, 5)},
		},
		{
			name: "coordinates clamped into frame",
			in:   types.Detection{Class: "person", Confidence: 0.8, Box: box(-20, -5, 700, 500)},
			keep: true,
			want: types.Detection{Class: "person", Confidence: 0.8, Box: box(0, 0, 640, 480)},
		},
		{
			name: "degenerate box kept",
			in:   types.Detection{Class: "fire", Confidence: 0.8, Box: box(30, 30, 30, 30)},
			keep: true,
			want: types.Detection{Class: "fire", Confidence: 0.8, Box: box(30, 30, 30, 30)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Apply([]types.Detection{tt.in}, 640, 480)
			if !tt.keep {
				if len(got) != 0 {
					t.Fatalf("expected detection dropped, got %+v", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("expected detection kept, got %d", len(got))
			}
			if got[0] != tt.want {
				t.Errorf("got %+v, want %+v", got[0], tt.want)
			}
		})
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	in := []types.Detection{
		{Class: "fire", Confidence: 0.7, Box: box(0, 0, 10, 10)},
		{Class: "fire", Confidence: 0.1, Box: box(0, 0, 10, 10)},
		{Class: "chair", Confidence: 0.8, Box: box(0, 0, 10, 10)},
		{Class: "smoke", Confidence: 0.65, Box: box(0, 0, 10, 10)},
	}
	got := NewFilter(0).Apply(in, 0, 0)

	classes := make([]string, len(got))
	for i, d := range got {
		classes[i] = d.Class
	}
	want := []string{"fire", "chair", "smoke"}
	if len(classes) != len(want) {
		t.Fatalf("got %v, want %v", classes, want)
	}
	for i := range want {
		if classes[i] != want[i] {
			t.Fatalf("got %v, want %v", classes, want)
		}
	}
}

func TestNewFilterDefault(t *testing.T) {
	if f := NewFilter(0); f.Confidence != DefaultConfidence {
		t.Errorf("Confidence=%v, want %v", f.Confidence, DefaultConfidence)
	}
}

func TestFuncAdapter(t *testing.T) {
	var d Detector = Func(func(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
		return []types.Detection{{Class: "fire"}}, nil
	})
	got, err := d.Infer(context.Background(), types.Frame{})
	if err != nil || len(got) != 1 {
		t.Fatalf("Infer() = %v, %v", got, err)
	}
}
