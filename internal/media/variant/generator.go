// Package variant produces resized, re-encoded derivatives of a decoded
// source raster.
package variant

import (
	"context"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"folio/media/internal/apperr"
	"folio/media/internal/media/geometry"
)

// Spec describes one derivative. MaxWidth and MaxHeight bound the output;
// zero leaves that axis unconstrained. With Exact set the output is resized
// to exactly MaxWidth×MaxHeight instead of being fitted.
type Spec struct {
	Label     string
	MaxWidth  int
	MaxHeight int
	Format    geometry.Format
	Quality   int
	Exact     bool
}

// Result is the outcome of one Spec. Err is set instead of Data when that
// spec failed; other specs are unaffected.
type Result struct {
	Spec   Spec
	Width  int
	Height int
	Data   []byte
	Err    error
}

// DefaultSpecs is the derivative set produced for every raster upload.
func DefaultSpecs(format geometry.Format, quality int) []Spec {
	return []Spec{
		{Label: "thumbnail", MaxWidth: 150, MaxHeight: 150, Format: format, Quality: quality},
		{Label: "small", MaxWidth: 300, MaxHeight: 300, Format: format, Quality: quality},
		{Label: "medium", MaxWidth: 600, MaxHeight: 400, Format: format, Quality: quality},
		{Label: "large", MaxWidth: 1200, MaxHeight: 800, Format: format, Quality: quality},
	}
}

// FitDimensions scales w×h down to fit inside maxW×maxH keeping the aspect
// ratio. It never enlarges and never returns a zero dimension.
func FitDimensions(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale == 1.0 {
		return w, h
	}
	fw := max(1, int(math.Round(float64(w)*scale)))
	fh := max(1, int(math.Round(float64(h)*scale)))
	if maxW > 0 {
		fw = min(fw, maxW)
	}
	if maxH > 0 {
		fh = min(fh, maxH)
	}
	return fw, fh
}

// Generator runs specs concurrently with at most Parallelism encodes in
// flight.
type Generator struct {
	Parallelism int
}

func NewGenerator(parallelism int) *Generator {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Generator{Parallelism: parallelism}
}

// Generate returns one Result per spec, in spec order. The returned error is
// non-nil only when ctx is cancelled; per-spec failures live in Result.Err.
func (g *Generator) Generate(ctx context.Context, src image.Image, specs []Spec) ([]Result, error) {
	results := make([]Result, len(specs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, g.Parallelism))
	for i, spec := range specs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = Render(src, spec)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Render produces a single derivative synchronously.
func Render(src image.Image, spec Spec) Result {
	const op = "variant.render"
	res := Result{Spec: spec}

	b := src.Bounds()
	w, h := spec.MaxWidth, spec.MaxHeight
	if !spec.Exact {
		w, h = FitDimensions(b.Dx(), b.Dy(), spec.MaxWidth, spec.MaxHeight)
	}
	if w <= 0 || h <= 0 {
		res.Err = apperr.Newf(op, apperr.ErrOutOfBounds, "%s: target %dx%d", spec.Label, w, h)
		return res
	}

	resized, err := geometry.Resize(src, w, h)
	if err != nil {
		res.Err = err
		return res
	}
	data, err := geometry.Encode(resized, spec.Format, spec.Quality)
	if err != nil {
		res.Err = err
		return res
	}
	res.Width, res.Height, res.Data = w, h, data
	return res
}
