// Package redaction converts rectangles drawn on a scaled preview into
// zones in source pixel space.
package redaction

import (
	"math"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

// DefaultMinZonePixels is the smallest source-space width or height kept.
const DefaultMinZonePixels = 10

// DisplayRect is a rectangle in preview coordinates. Width and height may be
// negative when the user dragged up or left.
type DisplayRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Plan maps rects to source space by dividing by scale. Each edge is rounded
// independently so adjacent rects stay adjacent. Rects smaller than
// minZonePixels on either axis after conversion are dropped; the order of the
// remaining zones is preserved.
func Plan(rects []DisplayRect, scale float64, minZonePixels int) ([]models.Zone, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, apperr.Newf("redaction.plan", apperr.ErrInvalidArgument, "display scale %v", scale)
	}
	if minZonePixels <= 0 {
		minZonePixels = DefaultMinZonePixels
	}

	zones := make([]models.Zone, 0, len(rects))
	for _, r := range rects {
		r = normalize(r)

		left := int(math.Round(r.X / scale))
		top := int(math.Round(r.Y / scale))
		right := int(math.Round((r.X + r.Width) / scale))
		bottom := int(math.Round((r.Y + r.Height) / scale))

		z := models.Zone{X: left, Y: top, Width: right - left, Height: bottom - top}
		if z.Width < minZonePixels || z.Height < minZonePixels {
			continue
		}
		zones = append(zones, z)
	}
	return zones, nil
}

func normalize(r DisplayRect) DisplayRect {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}
