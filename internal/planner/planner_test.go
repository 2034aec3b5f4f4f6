package planner_test

import (
	"encoding/json"
	"testing"

	"github.com/EndrewSK/TCC/internal/planner"
	"github.com/EndrewSK/TCC/internal/types"
)

func box(x1, y1, x2, y2 int) *types.Detection {
	return &types.Detection{Class: "x", Confidence: 1, Box: types.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

func TestPlanDecisionTable(t *testing.T) {
	p := planner.New(planner.DefaultAreaThreshold)

	tests := []struct {
		name string
		in   planner.Input
		want planner.Action
	}{
		{
			name: "not confirmed",
			in:   planner.Input{FireConfirmed: false, Focus: box(0, 0, 500, 500), FrameWidth: 640},
			want: planner.Action{Kind: planner.Idle},
		},
		{
			name: "confirmed without focus",
			in:   planner.Input{FireConfirmed: true, FrameWidth: 640},
			want: planner.Action{Kind: planner.Idle},
		},
		{
			name: "obstacle wins over area",
			in:   planner.Input{FireConfirmed: true, Focus: box(0, 0, 500, 500), Obstacle: box(0, 0, 40, 40), FrameWidth: 100},
			want: planner.Action{Kind: planner.Evade, Direction: planner.Right},
		},
		{
			name: "area exactly at threshold approaches",
			in:   planner.Input{FireConfirmed: true, Focus: box(0, 0, 200, 100), FrameWidth: 640},
			want: planner.Action{Kind: planner.Approach},
		},
		{
			name: "area one above threshold extinguishes",
			in:   planner.Input{FireConfirmed: true, Focus: box(0, 0, 20001, 1), FrameWidth: 640},
			want: planner.Action{Kind: planner.Extinguish},
		},
		{
			name: "small focus approaches",
			in:   planner.Input{FireConfirmed: true, Focus: box(10, 10, 20, 20), FrameWidth: 640},
			want: planner.Action{Kind: planner.Approach},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Plan(tt.in); got != tt.want {
				t.Errorf("Plan()=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvadeDirection(t *testing.T) {
	tests := []struct {
		name    string
		centerX int
		width   int
		want    planner.Direction
	}{
		{"obstacle on the left steers right", 20, 100, planner.Right},
		{"obstacle on the right steers left", 80, 100, planner.Left},
		{"obstacle dead center steers left", 50, 100, planner.Left},
		{"odd width uses truncated half", 49, 99, planner.Left},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obstacle := *box(tt.centerX-5, 0, tt.centerX+5, 10)
			if got := planner.EvadeDirection(obstacle, tt.width); got != tt.want {
				t.Errorf("EvadeDirection(center=%d, width=%d)=%v, want %v", tt.centerX, tt.width, got, tt.want)
			}
		})
	}
}

func TestZeroPlannerUsesDefaultThreshold(t *testing.T) {
	var p planner.Planner
	in := planner.Input{FireConfirmed: true, Focus: box(0, 0, 20001, 1)}
	if got := p.Plan(in); got.Kind != planner.Extinguish {
		t.Errorf("zero planner: Plan()=%v, want extinguish", got)
	}
}

func TestActionString(t *testing.T) {
	tests := []struct {
		action planner.Action
		want   string
	}{
		{planner.Action{Kind: planner.Idle}, "idle"},
		{planner.Action{Kind: planner.Approach}, "approach"},
		{planner.Action{Kind: planner.Extinguish}, "extinguish"},
		{planner.Action{Kind: planner.Evade, Direction: planner.Left}, "evade_left"},
		{planner.Action{Kind: planner.Evade, Direction: planner.Right}, "evade_right"},
	}
	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("String()=%q, want %q", got, tt.want)
		}
		parsed, err := planner.ParseAction(tt.want)
		if err != nil || parsed != tt.action {
			t.Errorf("ParseAction(%q)=%v, %v", tt.want, parsed, err)
		}
	}
	if _, err := planner.ParseAction("evade"); err == nil {
		t.Error("ParseAction(evade) should fail without a direction")
	}

	payload, err := json.Marshal(struct {
		Action planner.Action `json:"action"`
	}{planner.Action{Kind: planner.Evade, Direction: planner.Right}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"action":"evade_right"}` {
		t.Errorf("json=%s", payload)
	}
}
