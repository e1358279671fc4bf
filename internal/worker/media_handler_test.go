package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"scribeq/internal/config"
	"scribeq/internal/models"
)

func noProgress(int, string) {}

func TestMediaValidate(t *testing.T) {
	h, err := NewMediaHandler(context.Background(), config.Config{MediaLocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new media handler: %v", err)
	}
	ctx := context.Background()

	valid := models.Job{ID: "job-1", Type: models.TypeFileValidate, Payload: map[string]any{
		"content_type":     "audio/mpeg",
		"size_bytes":       1024,
		"duration_minutes": 4.5,
	}}
	res, err := h.Validate(ctx, valid, noProgress)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Output["duration_minutes"] != 4.5 {
		t.Fatalf("validate output = %v", res.Output)
	}

	cases := []map[string]any{
		{"content_type": "application/pdf", "size_bytes": 1024, "duration_minutes": 4.5},
		{"content_type": "audio/mpeg", "size_bytes": 0, "duration_minutes": 4.5},
		{"content_type": "audio/mpeg", "size_bytes": int64(3) << 30, "duration_minutes": 4.5},
		{"content_type": "audio/mpeg", "size_bytes": 1024},
	}
	for i, payload := range cases {
		_, err := h.Validate(ctx, models.Job{ID: "bad", Payload: payload}, noProgress)
		if err == nil {
			t.Fatalf("case %d: expected rejection", i)
		}
		if !IsTerminal(err) {
			t.Fatalf("case %d: validation rejections must be terminal, got %v", i, err)
		}
	}
}

func TestMediaStoreWritesObjectAndThumbnail(t *testing.T) {
	media := []byte("fake mp4 bytes")

	frame := image.NewRGBA(image.Rect(0, 0, 800, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 800; x++ {
			frame.Set(x, y, color.RGBA{R: 30, G: 60, B: 90, A: 255})
		}
	}
	var frameBuf bytes.Buffer
	if err := png.Encode(&frameBuf, frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write(media)
		case "/frame.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(frameBuf.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	h, err := NewMediaHandler(context.Background(), config.Config{MediaLocalDir: dir})
	if err != nil {
		t.Fatalf("new media handler: %v", err)
	}

	job := models.Job{ID: "job-1", Type: models.TypeFileStore, Payload: map[string]any{
		"source_url":       srv.URL + "/media.mp4",
		"object_key":       "uploads/42/media.mp4",
		"content_type":     "video/mp4",
		"poster_frame_url": srv.URL + "/frame.png",
	}}

	res, err := h.Store(context.Background(), job, noProgress)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	stored, err := os.ReadFile(filepath.Join(dir, "uploads", "42", "media.mp4"))
	if err != nil {
		t.Fatalf("media object not written: %v", err)
	}
	if !bytes.Equal(stored, media) {
		t.Fatal("stored bytes differ from source")
	}

	thumbKey, ok := res.Output["thumbnail_key"].(string)
	if !ok {
		t.Fatalf("no thumbnail key in output: %v", res.Output)
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(thumbKey)))
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if thumb.Bounds().Dx() != 640 {
		t.Fatalf("thumbnail width = %d, want 640", thumb.Bounds().Dx())
	}
}

func TestMediaStoreMissingSourceIsTerminal(t *testing.T) {
	h, err := NewMediaHandler(context.Background(), config.Config{MediaLocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new media handler: %v", err)
	}
	_, err = h.Store(context.Background(), models.Job{ID: "job-1", Payload: map[string]any{}}, noProgress)
	if !IsTerminal(err) {
		t.Fatalf("missing source_url must be terminal, got %v", err)
	}
}

func TestMediaStoreGoneSourceIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	h, err := NewMediaHandler(context.Background(), config.Config{MediaLocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new media handler: %v", err)
	}
	_, err = h.Store(context.Background(), models.Job{ID: "job-1", Payload: map[string]any{
		"source_url": srv.URL + "/gone.mp4",
	}}, noProgress)
	if !IsTerminal(err) {
		t.Fatalf("404 from staging must be terminal, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	if got := sanitizeKey("/../../etc/passwd"); got != "etc/passwd" {
		t.Fatalf("sanitizeKey = %q", got)
	}
	if got := sanitizeKey("uploads/42/a.mp4"); got != "uploads/42/a.mp4" {
		t.Fatalf("sanitizeKey mangled a clean key: %q", got)
	}
}
