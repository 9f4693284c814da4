package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"folio/media/internal/apperr"
	"folio/media/internal/catalog"
	"folio/media/internal/media/redaction"
	"folio/media/internal/media/sniffer"
	"folio/media/internal/models"
	"folio/media/internal/service"
)

type listResponse struct {
	Items   []models.MediaAsset `json:"items"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	PerPage int                 `json:"perPage"`
}

func (h HandlerSet) UploadMedia(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()

	input := service.UploadInput{
		File:         file,
		Filename:     header.Filename,
		DeclaredType: sniffer.MimeTypeFromHTTP(http.Header(header.Header)),
		Category:     c.PostForm("category"),
		Tags:         splitTags(c.PostFormArray("tags")),
		IsPublic:     c.PostForm("isPublic") == "true",
	}
	if err := parseGeometry(c, &input); err != nil {
		h.respondError(c, err)
		return
	}

	asset, err := h.uploads.Upload(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"asset": asset})
}

// parseGeometry reads the optional geometry form fields. zones, crop and
// resize are JSON documents.
func parseGeometry(c *gin.Context, in *service.UploadInput) error {
	const op = "handlers.upload"

	if raw := c.PostForm("zones"); raw != "" {
		var zones []redaction.DisplayRect
		if err := json.Unmarshal([]byte(raw), &zones); err != nil {
			return apperr.New(op, apperr.ErrInvalidArgument, fmt.Errorf("zones: %w", err))
		}
		in.Zones = zones
	}
	if raw := c.PostForm("displayScale"); raw != "" {
		scale, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return apperr.New(op, apperr.ErrInvalidArgument, fmt.Errorf("displayScale: %w", err))
		}
		in.DisplayScale = scale
	}
	if raw := c.PostForm("crop"); raw != "" {
		var crop service.CropArea
		if err := json.Unmarshal([]byte(raw), &crop); err != nil {
			return apperr.New(op, apperr.ErrInvalidArgument, fmt.Errorf("crop: %w", err))
		}
		in.Crop = &crop
	}
	if raw := c.PostForm("resize"); raw != "" {
		var target service.ResizeTarget
		if err := json.Unmarshal([]byte(raw), &target); err != nil {
			return apperr.New(op, apperr.ErrInvalidArgument, fmt.Errorf("resize: %w", err))
		}
		in.Resize = &target
	}
	if raw := c.PostForm("rotate"); raw != "" {
		deg, err := strconv.Atoi(raw)
		if err != nil {
			return apperr.New(op, apperr.ErrInvalidArgument, fmt.Errorf("rotate: %w", err))
		}
		in.Rotate = deg
	}
	return nil
}

func splitTags(values []string) []string {
	var tags []string
	for _, v := range values {
		tags = append(tags, strings.Split(v, ",")...)
	}
	return tags
}

func assetQuery(c *gin.Context, p pageParams) models.AssetQuery {
	return models.AssetQuery{
		Category:   c.Query("category"),
		Tag:        c.Query("tag"),
		PublicOnly: c.Query("public") == "true",
		Limit:      p.perPage,
		Offset:     p.offset(),
	}
}

func (h HandlerSet) ListMedia(c *gin.Context) {
	p := parsePage(c)
	items, total, err := h.catalog.List(c.Request.Context(), assetQuery(c, p))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Page: p.page, PerPage: p.perPage})
}

func (h HandlerSet) GetMedia(c *gin.Context) {
	asset, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset})
}

type detailsRequest struct {
	OriginalFilename *string   `json:"originalFilename"`
	Category         *string   `json:"category"`
	Tags             *[]string `json:"tags"`
	IsPublic         *bool     `json:"isPublic"`
}

func (h HandlerSet) UpdateMedia(c *gin.Context) {
	var req detailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
		return
	}
	asset, err := h.catalog.UpdateDetails(c.Request.Context(), c.Param("id"), catalog.DetailsPatch{
		OriginalFilename: req.OriginalFilename,
		Category:         req.Category,
		Tags:             req.Tags,
		IsPublic:         req.IsPublic,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset})
}

func (h HandlerSet) RecordView(c *gin.Context) {
	views, err := h.catalog.RecordView(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"views": views})
}

func (h HandlerSet) DeleteMedia(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) RemoveVariant(c *gin.Context) {
	asset, err := h.catalog.RemoveVariant(c.Request.Context(), c.Param("id"), models.VariantKey{
		SizeLabel: c.Param("label"),
		Format:    c.Param("format"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset})
}
