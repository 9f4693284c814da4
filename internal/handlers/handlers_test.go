package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"folio/media/internal/apperr"
	"folio/media/internal/catalog"
	"folio/media/internal/config"
	"folio/media/internal/media/variant"
	"folio/media/internal/models"
	"folio/media/internal/optimize"
	"folio/media/internal/queue"
	"folio/media/internal/repository"
	"folio/media/internal/service"
	"folio/media/internal/storage"
)

type recordingSink struct {
	tasks []queue.TaskType
}

func (s *recordingSink) Submit(_ context.Context, t queue.Task) error {
	s.tasks = append(s.tasks, t.Type)
	return nil
}

type testServer struct {
	router *gin.Engine
	sched  *optimize.Scheduler
	sink   *recordingSink
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	blobs, err := storage.NewLocalStore(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	cfg := config.Default()
	cat := catalog.New(repository.NewMemoryAssetStore(), blobs, zerolog.Nop())
	gen := variant.NewGenerator(2)
	sched := optimize.NewScheduler(cat, repository.NewMemoryJobStore(), gen, optimize.Options{
		DefaultFormats: []string{"jpeg"},
		LeaseTTL:       time.Minute,
	}, zerolog.Nop())
	sink := &recordingSink{}

	h := NewHandlerSet(zerolog.Nop(), cfg, Deps{
		Catalog:     cat,
		Uploads:     service.NewUploadService(cat, blobs, gen, cfg.Media, zerolog.Nop()),
		Scheduler:   sched,
		Maintenance: sink,
		Checks:      checks,
	})
	router := gin.New()
	h.Register(router.Group("/api"))
	return &testServer{router: router, sched: sched, sink: sink}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="photo.jpg"`)
	hdr.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func photo(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 140, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

type assetEnvelope struct {
	Asset models.MediaAsset `json:"asset"`
}

func TestMediaLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.upload(t, photo(t, 400, 300), map[string]string{
		"zones":        `[{"x":10,"y":10,"w":40,"h":30}]`,
		"displayScale": "0.5",
		"category":     "receipts",
		"tags":         "tax,2024",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", w.Code, w.Body.String())
	}
	asset := decode[assetEnvelope](t, w).Asset
	if len(asset.RedactionZones) != 1 || asset.RedactionZones[0] != (models.Zone{X: 20, Y: 20, Width: 80, Height: 60}) {
		t.Fatalf("zones = %+v", asset.RedactionZones)
	}
	if len(asset.Tags) != 2 {
		t.Fatalf("tags = %v", asset.Tags)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/media/"+asset.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/media?category=receipts", nil)
	list := decode[listResponse](t, w)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("list = %+v", list)
	}

	w = s.do(t, http.MethodPatch, "/api/v1/media/"+asset.ID, map[string]any{"isPublic": true})
	if updated := decode[assetEnvelope](t, w).Asset; !updated.IsPublic || updated.Category != "receipts" {
		t.Fatalf("patched asset = %+v", updated)
	}

	w = s.do(t, http.MethodPost, "/api/v1/media/"+asset.ID+"/views", nil)
	if views := decode[map[string]int64](t, w)["views"]; views != 1 {
		t.Fatalf("views = %d", views)
	}

	w = s.do(t, http.MethodDelete, "/api/v1/media/"+asset.ID+"/variants/thumbnail/jpeg", nil)
	if w.Code != http.StatusOK || len(decode[assetEnvelope](t, w).Asset.Variants) != 3 {
		t.Fatalf("remove variant: %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodDelete, "/api/v1/media/"+asset.ID+"/variants/thumbnail/jpeg", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second remove status = %d, want 404", w.Code)
	}

	if w := s.do(t, http.MethodDelete, "/api/v1/media/"+asset.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/media/"+asset.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", w.Code)
	}
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t, nil)

	if w := s.upload(t, []byte("not an image at all"), nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("garbage status = %d, want 422", w.Code)
	}
	if w := s.upload(t, photo(t, 20, 20), map[string]string{"zones": "{"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad zones status = %d, want 400", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/v1/media", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing file status = %d, want 400", w.Code)
	}
}

func TestOptimizationEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	asset := decode[assetEnvelope](t, s.upload(t, photo(t, 200, 150), nil)).Asset

	w := s.do(t, http.MethodGet, "/api/v1/media/unoptimized", nil)
	if decode[listResponse](t, w).Total != 1 {
		t.Fatalf("unoptimized = %s", w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/api/v1/media/optimize", map[string]any{"assetIds": []string{asset.ID, "missing"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
	}
	result := decode[optimize.SubmitResult](t, w)
	if result.Job == nil || len(result.Rejected) != 1 || result.Rejected[0].Code != "not_found" {
		t.Fatalf("submit result = %+v", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.sched.Wait(ctx, result.Job.JobID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	w = s.do(t, http.MethodGet, "/api/v1/media/optimize/"+result.Job.JobID, nil)
	job := decode[map[string]models.OptimizationJob](t, w)["job"]
	if job.Status != models.JobCompleted || job.PerAssetStatus[asset.ID].Status != models.AssetJobCompleted {
		t.Fatalf("job = %+v", job)
	}

	w = s.do(t, http.MethodPost, "/api/v1/media/optimize", map[string]any{"assetIds": []string{"missing"}})
	if w.Code != http.StatusConflict {
		t.Fatalf("all rejected status = %d, want 409", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/media/optimize", map[string]any{"assetIds": []string{asset.ID}, "concurrency": 3})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad concurrency status = %d, want 400", w.Code)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/media/optimize/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", w.Code)
	}
}

func TestAdminMaintenance(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/api/v1/admin/sweep", "/api/v1/admin/purge"} {
		if w := s.do(t, http.MethodPost, path, nil); w.Code != http.StatusAccepted {
			t.Fatalf("%s status = %d", path, w.Code)
		}
	}
	if len(s.sink.tasks) != 2 || s.sink.tasks[0] != queue.TaskSweep || s.sink.tasks[1] != queue.TaskPurge {
		t.Fatalf("tasks = %v", s.sink.tasks)
	}
	if w := s.do(t, http.MethodPost, "/api/v1/admin/recover", nil); w.Code != http.StatusOK {
		t.Fatalf("recover status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"cache":    func(context.Context) error { return errors.New("connection refused") },
	})

	w := s.do(t, http.MethodGet, "/api/healthz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decode[healthResponse](t, w)
	if resp.Dependencies["database"] != "ok" || resp.Dependencies["cache"] != "error" {
		t.Fatalf("health = %+v", resp)
	}
}

func TestRespondErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := HandlerSet{log: zerolog.Nop(), cfg: config.Default()}

	tests := []struct {
		kind error
		want int
	}{
		{apperr.ErrInvalidArgument, http.StatusBadRequest},
		{apperr.ErrOutOfBounds, http.StatusBadRequest},
		{apperr.ErrNotFound, http.StatusNotFound},
		{apperr.ErrAlreadyOptimizing, http.StatusConflict},
		{apperr.ErrDuplicateVariant, http.StatusConflict},
		{apperr.ErrUnsupportedSource, http.StatusUnprocessableEntity},
		{apperr.ErrBlobWriteFailed, http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.kind), func(t *testing.T) {
			err := tt.kind
			if apperr.Kind(err) != nil {
				err = apperr.New("test", tt.kind, errors.New("detail"))
			}
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			h.respondError(c, err)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
