package redaction

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		rects []DisplayRect
		scale float64
		min   int
		want  []models.Zone
	}{
		{
			name:  "half scale preview",
			rects: []DisplayRect{{X: 50, Y: 50, Width: 100, Height: 75}},
			scale: 0.5,
			want:  []models.Zone{{X: 100, Y: 100, Width: 200, Height: 150}},
		},
		{
			name:  "identity",
			rects: []DisplayRect{{X: 1, Y: 2, Width: 30, Height: 40}},
			scale: 1,
			want:  []models.Zone{{X: 1, Y: 2, Width: 30, Height: 40}},
		},
		{
			name:  "reverse drag normalized",
			rects: []DisplayRect{{X: 150, Y: 125, Width: -100, Height: -75}},
			scale: 0.5,
			want:  []models.Zone{{X: 100, Y: 100, Width: 200, Height: 150}},
		},
		{
			name: "tiny zone dropped, order kept",
			rects: []DisplayRect{
				{X: 0, Y: 0, Width: 40, Height: 40},
				{X: 10, Y: 10, Width: 2, Height: 50},
				{X: 100, Y: 0, Width: 20, Height: 20},
			},
			scale: 1,
			want: []models.Zone{
				{X: 0, Y: 0, Width: 40, Height: 40},
				{X: 100, Y: 0, Width: 20, Height: 20},
			},
		},
		{
			name:  "custom minimum",
			rects: []DisplayRect{{X: 0, Y: 0, Width: 15, Height: 15}},
			scale: 1,
			min:   20,
			want:  []models.Zone{},
		},
		{
			name:  "fractional preview rounds each edge",
			rects: []DisplayRect{{X: 10.3, Y: 10.9, Width: 20.6, Height: 20.2}},
			scale: 0.4,
			want:  []models.Zone{{X: 26, Y: 27, Width: 51, Height: 51}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.rects, tt.scale, tt.min)
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Plan = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPlanRejectsBadScale(t *testing.T) {
	for _, scale := range []float64{0, -1} {
		if _, err := Plan([]DisplayRect{{Width: 20, Height: 20}}, scale, 0); !errors.Is(err, apperr.ErrInvalidArgument) {
			t.Errorf("scale %v: err = %v", scale, err)
		}
	}
}

func TestDisplayRectJSON(t *testing.T) {
	var rects []DisplayRect
	if err := json.Unmarshal([]byte(`[{"x":5,"y":6,"w":70,"h":80}]`), &rects); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rects[0] != (DisplayRect{X: 5, Y: 6, Width: 70, Height: 80}) {
		t.Fatalf("rect = %+v", rects[0])
	}
}
