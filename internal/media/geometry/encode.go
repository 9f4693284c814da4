package geometry

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	"folio/media/internal/apperr"
)

const (
	webpMethod = 4
	avifSpeed  = 8
)

// Encode serializes img. Quality must be in [1,100] except for PNG, where it
// is ignored. Output is deterministic for identical input.
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	const op = "geometry.encode"

	if format.UsesQuality() && (quality < 1 || quality > 100) {
		return nil, apperr.Newf(op, apperr.ErrInvalidArgument, "quality %d outside [1,100]", quality)
	}

	var (
		buf bytes.Buffer
		err error
	)
	switch format {
	case JPEG:
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality})
	case PNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	case WebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: webpMethod})
	case AVIF:
		err = avif.Encode(&buf, img, avif.Options{Quality: quality, QualityAlpha: quality, Speed: avifSpeed})
	default:
		return nil, apperr.Newf(op, apperr.ErrUnsupportedFormat, "format %q", format)
	}
	if err != nil {
		return nil, apperr.Newf(op, apperr.ErrUnsupportedFormat, "%s: %v", format, err)
	}
	return buf.Bytes(), nil
}

// flatten composites translucent images over white since JPEG has no alpha.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
