package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/rs/zerolog"

	"folio/media/internal/apperr"
	"folio/media/internal/catalog"
	"folio/media/internal/config"
	"folio/media/internal/ids"
	"folio/media/internal/media/geometry"
	"folio/media/internal/media/redaction"
	"folio/media/internal/media/sniffer"
	"folio/media/internal/media/svg"
	"folio/media/internal/media/variant"
	"folio/media/internal/models"
	"folio/media/internal/storage"
)

// CropArea is a rectangle on the displayed (already rotated) image.
type CropArea struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResizeTarget scales the edited frame. A zero dimension follows the
// aspect ratio; two non-zero dimensions stretch to exactly that size.
type ResizeTarget struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type UploadInput struct {
	File         io.Reader
	Filename     string
	DeclaredType string

	// Zones are drawn on a preview scaled by DisplayScale; zero means 1.
	Zones        []redaction.DisplayRect
	DisplayScale float64
	Crop         *CropArea
	Resize       *ResizeTarget
	// Rotate is clockwise degrees, a multiple of 90.
	Rotate int

	Category string
	Tags     []string
	IsPublic bool
}

type UploadService struct {
	catalog   *catalog.Catalog
	blobs     storage.BlobStore
	generator *variant.Generator
	cfg       config.MediaConfig
	log       zerolog.Logger
}

func NewUploadService(cat *catalog.Catalog, blobs storage.BlobStore, generator *variant.Generator, cfg config.MediaConfig, log zerolog.Logger) *UploadService {
	return &UploadService{
		catalog:   cat,
		blobs:     blobs,
		generator: generator,
		cfg:       cfg,
		log:       log.With().Str("component", "upload").Logger(),
	}
}

// Upload ingests one file. Geometry edits are baked into the stored source,
// so redacted pixels never reach the BlobStore. The asset only becomes
// visible once the source and every generated variant are recorded; any
// blob failure before that rolls the upload back.
func (s *UploadService) Upload(ctx context.Context, input UploadInput) (models.MediaAsset, error) {
	const op = "upload"

	if input.File == nil {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrInvalidArgument, "missing file")
	}
	data, err := io.ReadAll(io.LimitReader(input.File, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrInvalidArgument, "empty file")
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrInvalidArgument, "file exceeds %d bytes", s.cfg.MaxUploadBytes)
	}

	detected, err := sniffer.DetectHead(data)
	if err != nil {
		return models.MediaAsset{}, apperr.New(op, apperr.ErrUnsupportedSource, err)
	}
	if declared := input.DeclaredType; declared != "" && declared != "application/octet-stream" && declared != detected.MIME {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrInvalidArgument, "content type mismatch: declared %s, actual %s", declared, detected.MIME)
	}

	if detected.Type == sniffer.TypeSVG {
		return s.uploadDocument(ctx, input, data, detected)
	}
	return s.uploadRaster(ctx, input, data, detected)
}

func (s *UploadService) uploadDocument(ctx context.Context, input UploadInput, data []byte, detected sniffer.Result) (models.MediaAsset, error) {
	const op = "upload.document"

	if len(input.Zones) > 0 || input.Crop != nil || input.Resize != nil || input.Rotate != 0 {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrUnsupportedSource, "geometry edits are not supported for %s", detected.Type)
	}
	clean, err := svg.Sanitize(data)
	if err != nil {
		return models.MediaAsset{}, apperr.New(op, apperr.ErrUnsupportedSource, err)
	}

	assetID := ids.New()
	sourcePath := storage.SourcePath(assetID, "svg")
	if _, err := s.blobs.Put(ctx, clean, sourcePath); err != nil {
		return models.MediaAsset{}, err
	}

	asset, err := s.catalog.Create(ctx, catalog.CreateInput{
		ID:               assetID,
		Kind:             models.AssetKindDocument,
		Source:           clean,
		SourceBlobPath:   sourcePath,
		OriginalFilename: input.Filename,
		MimeType:         detected.MIME,
		Category:         input.Category,
		Tags:             input.Tags,
		IsPublic:         input.IsPublic,
	})
	if err != nil {
		s.deleteBlobs(ctx, sourcePath)
		return models.MediaAsset{}, err
	}
	return s.publish(ctx, asset)
}

func (s *UploadService) uploadRaster(ctx context.Context, input UploadInput, data []byte, detected sniffer.Result) (models.MediaAsset, error) {
	const op = "upload.raster"

	cfg, _, err := geometry.DecodeConfig(data)
	if err != nil {
		return models.MediaAsset{}, err
	}
	if s.cfg.MaxPixels > 0 && cfg.Width*cfg.Height > s.cfg.MaxPixels {
		return models.MediaAsset{}, apperr.Newf(op, apperr.ErrOutOfBounds, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, s.cfg.MaxPixels)
	}

	img, _, err := geometry.Decode(data)
	if err != nil {
		return models.MediaAsset{}, err
	}

	img, zones, transformed, err := s.transform(img, input)
	if err != nil {
		return models.MediaAsset{}, err
	}

	source, ext, mime := data, extFor(detected.Type), detected.MIME
	if transformed {
		format := sourceFormatFor(detected.Type)
		if source, err = geometry.Encode(img, format, s.cfg.SourceQuality); err != nil {
			return models.MediaAsset{}, err
		}
		ext, mime = format.Ext(), format.MIME()
	}

	assetID := ids.New()
	sourcePath := storage.SourcePath(assetID, ext)
	if _, err := s.blobs.Put(ctx, source, sourcePath); err != nil {
		return models.MediaAsset{}, err
	}

	asset, err := s.catalog.Create(ctx, catalog.CreateInput{
		ID:               assetID,
		Kind:             models.AssetKindImage,
		Source:           source,
		SourceBlobPath:   sourcePath,
		OriginalFilename: input.Filename,
		MimeType:         mime,
		Zones:            zones,
		Category:         input.Category,
		Tags:             input.Tags,
		IsPublic:         input.IsPublic,
	})
	if err != nil {
		s.deleteBlobs(ctx, sourcePath)
		return models.MediaAsset{}, err
	}

	if err := s.addDefaultVariants(ctx, asset.ID, img); err != nil {
		s.rollback(ctx, asset.ID)
		return models.MediaAsset{}, err
	}
	return s.publish(ctx, asset)
}

// transform applies rotate, crop, resize and redaction in that order. Each
// step's coordinates refer to the frame produced by the previous one, which
// is what the user saw when drawing it.
func (s *UploadService) transform(img *image.NRGBA, input UploadInput) (*image.NRGBA, []models.Zone, bool, error) {
	transformed := false
	var err error

	if input.Rotate%360 != 0 {
		if img, err = geometry.Rotate(img, input.Rotate); err != nil {
			return nil, nil, false, err
		}
		transformed = true
	}

	if c := input.Crop; c != nil {
		if img, err = geometry.Crop(img, c.X, c.Y, c.Width, c.Height); err != nil {
			return nil, nil, false, err
		}
		transformed = true
	}

	if r := input.Resize; r != nil && (r.Width != 0 || r.Height != 0) {
		if img, err = geometry.Resize(img, r.Width, r.Height); err != nil {
			return nil, nil, false, err
		}
		transformed = true
	}

	var zones []models.Zone
	if len(input.Zones) > 0 {
		scale := input.DisplayScale
		if scale == 0 {
			scale = 1
		}
		planned, err := redaction.Plan(input.Zones, scale, s.cfg.MinZonePixels)
		if err != nil {
			return nil, nil, false, err
		}
		b := img.Bounds()
		if zones, err = geometry.ClipZones(planned, b.Dx(), b.Dy()); err != nil {
			return nil, nil, false, err
		}
		if len(zones) > 0 {
			if img, err = geometry.Redact(img, zones); err != nil {
				return nil, nil, false, err
			}
			transformed = true
		}
	}
	return img, zones, transformed, nil
}

// addDefaultVariants writes and records each default derivative. A spec
// that fails to encode is skipped; a blob or catalog failure aborts.
func (s *UploadService) addDefaultVariants(ctx context.Context, assetID string, img image.Image) error {
	format, err := geometry.ParseFormat(s.cfg.VariantFormat)
	if err != nil {
		return err
	}
	results, err := s.generator.Generate(ctx, img, variant.DefaultSpecs(format, s.cfg.VariantQuality))
	if err != nil {
		return err
	}

	for _, res := range results {
		if res.Err != nil {
			s.log.Warn().Err(res.Err).Str("asset_id", assetID).Str("label", res.Spec.Label).Msg("variant generation failed")
			continue
		}
		p := storage.VariantPath(assetID, res.Spec.Label, res.Spec.Format)
		if _, err := s.blobs.Put(ctx, res.Data, p); err != nil {
			s.deleteBlobs(ctx, p)
			return err
		}
		if _, err := s.catalog.AddVariant(ctx, assetID, models.Variant{
			SizeLabel: res.Spec.Label,
			Width:     res.Width,
			Height:    res.Height,
			Format:    string(res.Spec.Format),
			Quality:   res.Spec.Quality,
			BlobPath:  p,
			ByteSize:  int64(len(res.Data)),
		}); err != nil {
			s.deleteBlobs(ctx, p)
			return err
		}
	}
	return nil
}

func (s *UploadService) publish(ctx context.Context, asset models.MediaAsset) (models.MediaAsset, error) {
	published, err := s.catalog.Publish(ctx, asset.ID)
	if err != nil {
		s.rollback(ctx, asset.ID)
		return models.MediaAsset{}, err
	}
	s.log.Info().
		Str("asset_id", published.ID).
		Str("kind", string(published.Kind)).
		Int("variants", len(published.Variants)).
		Int("zones", len(published.RedactionZones)).
		Msg("upload stored")
	return published, nil
}

// rollback discards a staging asset. If blobs cannot be removed now the
// asset stays in deleting and the purge job finishes it.
func (s *UploadService) rollback(ctx context.Context, assetID string) {
	if err := s.catalog.Discard(context.WithoutCancel(ctx), assetID); err != nil {
		s.log.Warn().Err(err).Str("asset_id", assetID).Msg("upload rollback incomplete")
	}
}

func (s *UploadService) deleteBlobs(ctx context.Context, paths ...string) {
	for _, p := range paths {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), p); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn().Err(err).Str("blob", p).Msg("delete unrecorded blob")
		}
	}
}

// sourceFormatFor picks the encoding for a transformed source. GIF has no
// encoder here, so edited GIFs are stored as PNG.
func sourceFormatFor(t sniffer.MediaType) geometry.Format {
	f, err := geometry.ParseFormat(string(t))
	if err != nil {
		return geometry.PNG
	}
	return f
}

func extFor(t sniffer.MediaType) string {
	if t == sniffer.TypeJPEG {
		return "jpg"
	}
	return string(t)
}
