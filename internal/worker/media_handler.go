package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"scribeq/internal/config"
	"scribeq/internal/models"
)

// ObjectStore is the outbound object-storage collaborator.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaHandler serves the critical lane: validating uploaded media and
// moving it into durable object storage.
type MediaHandler struct {
	cfg        config.Config
	httpClient *http.Client
	store      ObjectStore
}

var allowedMedia = map[string]bool{
	"audio/mpeg": true, "audio/mp4": true, "audio/wav": true, "audio/x-wav": true,
	"audio/flac": true, "audio/ogg": true, "audio/webm": true,
	"video/mp4": true, "video/webm": true, "video/quicktime": true,
}

type mediaPayload struct {
	SourceURL       string  `json:"source_url"`
	ObjectKey       string  `json:"object_key"`
	ContentType     string  `json:"content_type"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationMinutes float64 `json:"duration_minutes"`
	// PosterFrameURL, when present on video uploads, is resized into a
	// poster thumbnail stored next to the media object.
	PosterFrameURL string `json:"poster_frame_url"`
}

// NewMediaHandler picks S3 when a bucket is configured, falling back to a
// local directory for development.
func NewMediaHandler(ctx context.Context, cfg config.Config) (*MediaHandler, error) {
	var store ObjectStore
	if cfg.MediaBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = &s3Store{client: client, bucket: cfg.MediaBucket}
	} else {
		store = &localStore{baseDir: cfg.MediaLocalDir}
	}
	return &MediaHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		store:      store,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaRegion),
	}
	if cfg.MediaEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaEndpoint,
					HostnameImmutable: cfg.MediaPathStyle,
					SigningRegion:     cfg.MediaRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaPathStyle
	}), nil
}

// Validate checks an upload's declared type, size, and duration before any
// billable work is queued behind it. Rejections are terminal: re-running
// validation on the same bad file can never succeed.
func (h *MediaHandler) Validate(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	p, err := decodeMediaPayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	report(10, "validating upload")

	if !allowedMedia[strings.ToLower(p.ContentType)] {
		return Result{}, Terminal(fmt.Errorf("unsupported content type %q", p.ContentType))
	}
	const maxUpload = 2 << 30
	if p.SizeBytes <= 0 || p.SizeBytes > maxUpload {
		return Result{}, Terminal(fmt.Errorf("size %d bytes outside accepted range", p.SizeBytes))
	}
	if p.DurationMinutes <= 0 {
		return Result{}, Terminal(errors.New("duration_minutes missing or not positive"))
	}

	report(100, "upload accepted")
	return Result{Output: map[string]any{
		"content_type":     p.ContentType,
		"size_bytes":       p.SizeBytes,
		"duration_minutes": p.DurationMinutes,
	}}, nil
}

// Store downloads the validated upload from its staging URL and writes it to
// durable object storage, plus a poster thumbnail for video.
func (h *MediaHandler) Store(ctx context.Context, job models.Job, report ProgressFunc) (Result, error) {
	p, err := decodeMediaPayload(job)
	if err != nil {
		return Result{}, Terminal(err)
	}
	if p.SourceURL == "" {
		return Result{}, Terminal(errors.New("source_url is required"))
	}
	key := p.ObjectKey
	if key == "" {
		key = job.ID + filepath.Ext(p.SourceURL)
	}
	key = sanitizeKey(key)

	report(10, "downloading from staging")
	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return Result{}, err
	}
	if p.ContentType != "" {
		contentType = p.ContentType
	}

	report(60, "writing to object storage")
	location, err := h.store.Put(ctx, key, data, contentType)
	if err != nil {
		return Result{}, fmt.Errorf("store media: %w", err)
	}

	output := map[string]any{"object_key": key, "location": location}
	if p.PosterFrameURL != "" {
		report(80, "generating poster thumbnail")
		thumbKey, err := h.storeThumbnail(ctx, key, p.PosterFrameURL)
		if err != nil {
			// The media object itself is safe; a missing thumbnail is not
			// worth failing the upload over.
			output["thumbnail_error"] = err.Error()
		} else {
			output["thumbnail_key"] = thumbKey
		}
	}

	report(100, "stored")
	return Result{Output: output}, nil
}

// storeThumbnail resizes the extracted poster frame to a fixed-width JPEG
// next to the media object.
func (h *MediaHandler) storeThumbnail(ctx context.Context, mediaKey, frameURL string) (string, error) {
	data, _, err := h.download(ctx, frameURL)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode poster frame: %w", err)
	}
	img = imaging.Resize(img, 640, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbKey := strings.TrimSuffix(mediaKey, filepath.Ext(mediaKey)) + "_poster.jpg"
	if _, err := h.store.Put(ctx, thumbKey, buf.Bytes(), "image/jpeg"); err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}
	return thumbKey, nil
}

func (h *MediaHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("download: status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, "", Terminal(err)
		}
		return nil, "", err
	}

	const limit = int64(2 << 30)
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", Terminal(fmt.Errorf("object larger than %d bytes", limit))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeMediaPayload(job models.Job) (mediaPayload, error) {
	var p mediaPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func sanitizeKey(key string) string {
	key = strings.TrimLeft(filepath.ToSlash(filepath.Clean(key)), "/.")
	return strings.ReplaceAll(key, "..", "")
}

// s3Store writes objects to S3-compatible storage (MinIO in development).
type s3Store struct {
	client *s3.Client
	bucket string
}

func (u *s3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// localStore writes objects under a base directory for development.
type localStore struct {
	baseDir string
}

func (u *localStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(u.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}
