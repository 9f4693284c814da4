package geometry

import (
	"strings"

	"folio/media/internal/apperr"
)

// Format is an output encoding supported by Encode.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	WebP Format = "webp"
	AVIF Format = "avif"
)

// ParseFormat normalizes a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "webp":
		return WebP, nil
	case "avif":
		return AVIF, nil
	}
	return "", apperr.Newf("geometry.parse_format", apperr.ErrUnsupportedFormat, "format %q", s)
}

func (f Format) MIME() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case PNG:
		return "image/png"
	case WebP:
		return "image/webp"
	case AVIF:
		return "image/avif"
	}
	return "application/octet-stream"
}

func (f Format) Ext() string {
	if f == JPEG {
		return "jpg"
	}
	return string(f)
}

// UsesQuality reports whether the quality parameter affects the encoder.
func (f Format) UsesQuality() bool {
	return f != PNG
}
