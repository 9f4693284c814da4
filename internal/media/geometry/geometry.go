// Package geometry holds the pure raster operations of the derivative
// pipeline: decode, crop, resize, rotate, redact and encode. Nothing here
// performs I/O beyond in-memory buffers.
package geometry

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	xwebp "golang.org/x/image/webp"

	"folio/media/internal/apperr"
	"folio/media/internal/media/sniffer"
	"folio/media/internal/models"
)

// RedactionFill is the opaque color written over redacted zones.
var RedactionFill = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// Decode sniffs data and decodes it into an NRGBA buffer. JPEG sources are
// auto-oriented from their EXIF tag so the buffer matches what viewers show.
func Decode(data []byte) (*image.NRGBA, sniffer.MediaType, error) {
	const op = "geometry.decode"

	res, err := sniffer.DetectHead(data)
	if err != nil {
		return nil, "", apperr.New(op, apperr.ErrUnsupportedSource, err)
	}
	if !res.Type.Raster() {
		return nil, res.Type, apperr.Newf(op, apperr.ErrUnsupportedSource, "%s is not a raster format", res.Type)
	}

	r := bytes.NewReader(data)
	var img image.Image
	switch res.Type {
	case sniffer.TypeJPEG:
		img, err = imaging.Decode(r, imaging.AutoOrientation(true))
	case sniffer.TypePNG:
		img, err = png.Decode(r)
	case sniffer.TypeGIF:
		img, err = gif.Decode(r)
	case sniffer.TypeWEBP:
		img, err = xwebp.Decode(r)
	case sniffer.TypeAVIF:
		img, err = avif.Decode(r)
	}
	if err != nil {
		return nil, res.Type, apperr.New(op, apperr.ErrUnsupportedSource, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, res.Type, apperr.Newf(op, apperr.ErrUnsupportedSource, "empty raster %v", b)
	}
	return imaging.Clone(img), res.Type, nil
}

// DecodeConfig reads only the header of data. Dimensions are as stored,
// before any EXIF orientation is applied.
func DecodeConfig(data []byte) (image.Config, sniffer.MediaType, error) {
	const op = "geometry.decode_config"

	res, err := sniffer.DetectHead(data)
	if err != nil {
		return image.Config{}, "", apperr.New(op, apperr.ErrUnsupportedSource, err)
	}

	r := bytes.NewReader(data)
	var cfg image.Config
	switch res.Type {
	case sniffer.TypeJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case sniffer.TypePNG:
		cfg, err = png.DecodeConfig(r)
	case sniffer.TypeGIF:
		cfg, err = gif.DecodeConfig(r)
	case sniffer.TypeWEBP:
		cfg, err = xwebp.DecodeConfig(r)
	case sniffer.TypeAVIF:
		cfg, err = avif.DecodeConfig(r)
	default:
		return image.Config{}, res.Type, apperr.Newf(op, apperr.ErrUnsupportedSource, "%s is not a raster format", res.Type)
	}
	if err != nil {
		return image.Config{}, res.Type, apperr.New(op, apperr.ErrUnsupportedSource, err)
	}
	return cfg, res.Type, nil
}

// Dimensions decodes data and returns its displayed width and height.
func Dimensions(data []byte) (int, int, error) {
	img, _, err := Decode(data)
	if err != nil {
		return 0, 0, err
	}
	return img.Bounds().Dx(), img.Bounds().Dy(), nil
}

// Crop extracts a rectangle. The origin is clamped to the image and the
// size is clamped so the rectangle never leaves the source bounds.
func Crop(img image.Image, x, y, w, h int) (*image.NRGBA, error) {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	x = clamp(x, 0, srcW-1)
	y = clamp(y, 0, srcH-1)
	w = min(w, srcW-x)
	h = min(h, srcH-y)
	if w <= 0 || h <= 0 {
		return nil, apperr.Newf("geometry.crop", apperr.ErrOutOfBounds, "crop %dx%d at (%d,%d) on %dx%d", w, h, x, y, srcW, srcH)
	}

	rect := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h)
	return imaging.Crop(img, rect), nil
}

// Resize scales img to w×h. When one dimension is zero the other is derived
// from the source aspect ratio. When both are given the image is stretched
// to exactly w×h, even if that changes the aspect ratio.
func Resize(img image.Image, w, h int) (*image.NRGBA, error) {
	if w < 0 || h < 0 {
		return nil, apperr.Newf("geometry.resize", apperr.ErrOutOfBounds, "negative target %dx%d", w, h)
	}
	if w == 0 && h == 0 {
		return imaging.Clone(img), nil
	}
	b := img.Bounds()
	if w == b.Dx() && h == b.Dy() {
		return imaging.Clone(img), nil
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

// Rotate turns img clockwise by degrees, which must be a multiple of 90.
func Rotate(img image.Image, degrees int) (*image.NRGBA, error) {
	if degrees%90 != 0 {
		return nil, apperr.Newf("geometry.rotate", apperr.ErrOutOfBounds, "rotation %d is not a multiple of 90", degrees)
	}
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	}
	return imaging.Clone(img), nil
}

// Redact paints every zone with RedactionFill, in order. Zones are clipped
// to the image; a zone that falls entirely outside it is an error.
func Redact(img image.Image, zones []models.Zone) (*image.NRGBA, error) {
	out := imaging.Clone(img)
	bounds := out.Bounds()

	for i, z := range zones {
		if z.Width <= 0 || z.Height <= 0 {
			return nil, apperr.Newf("geometry.redact", apperr.ErrOutOfBounds, "zone %d has size %dx%d", i, z.Width, z.Height)
		}
		r := image.Rect(z.X, z.Y, z.X+z.Width, z.Y+z.Height).Intersect(bounds)
		if r.Empty() {
			return nil, apperr.Newf("geometry.redact", apperr.ErrOutOfBounds, "zone %d %+v lies outside %v", i, z, bounds)
		}
		fill(out, r, RedactionFill)
	}
	return out, nil
}

// ClipZones returns zones intersected with a w×h frame. A zone with no
// pixels inside the frame is ErrOutOfBounds.
func ClipZones(zones []models.Zone, w, h int) ([]models.Zone, error) {
	frame := image.Rect(0, 0, w, h)
	out := make([]models.Zone, 0, len(zones))
	for i, z := range zones {
		r := image.Rect(z.X, z.Y, z.X+z.Width, z.Y+z.Height).Intersect(frame)
		if r.Empty() {
			return nil, apperr.Newf("geometry.clip_zones", apperr.ErrOutOfBounds, "zone %d %+v lies outside %dx%d", i, z, w, h)
		}
		out = append(out, models.Zone{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()})
	}
	return out, nil
}

func fill(dst *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := dst.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.Pix[off+0] = c.R
			dst.Pix[off+1] = c.G
			dst.Pix[off+2] = c.B
			dst.Pix[off+3] = c.A
			off += 4
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
