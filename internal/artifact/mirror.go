package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
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
	_ "golang.org/x/image/webp"

	"genjob-orchestrator/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Mirror copies a finished job's output to storage we own. Provider output
// URLs stop working once the job is deleted, so this runs before cleanup.
type Mirror struct {
	httpClient   *http.Client
	maxBytes     int64
	maxDimension int
	store        uploader
}

// New builds a mirror for the configured destination. It returns nil when
// mirroring is disabled.
func New(ctx context.Context, cfg config.Config) (*Mirror, error) {
	var store uploader
	switch cfg.MirrorDestination {
	case "", "none":
		return nil, nil
	case "local":
		dir := cfg.MirrorOutputDir
		if dir == "" {
			dir = "./output"
		}
		store = &localUploader{baseDir: dir}
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = &s3Uploader{client: client, bucket: cfg.MirrorS3Bucket}
	default:
		return nil, fmt.Errorf("unknown mirror destination %q", cfg.MirrorDestination)
	}
	return newMirror(cfg, store), nil
}

func newMirror(cfg config.Config, store uploader) *Mirror {
	timeout := cfg.MirrorFetchTimeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	maxBytes := cfg.MirrorMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Mirror{
		httpClient:   &http.Client{Timeout: timeout},
		maxBytes:     maxBytes,
		maxDimension: cfg.MirrorMaxDimension,
		store:        store,
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MirrorS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MirrorS3PathStyle
		if cfg.MirrorS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MirrorS3Endpoint)
		}
	}), nil
}

// Persist downloads ref, bounds its size to the configured dimension, re-encodes
// it as JPEG and stores it under the job id.
func (m *Mirror) Persist(ctx context.Context, jobID, ref string) (string, error) {
	data, err := m.download(ctx, ref)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if m.maxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > m.maxDimension || b.Dy() > m.maxDimension {
			img = imaging.Fit(img, m.maxDimension, m.maxDimension, imaging.Lanczos)
		}
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("generations/%s.jpg", jobID))
	out, err := m.store.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return out, nil
}

func (m *Mirror) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download result: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if int64(len(body)) > m.maxBytes {
		return nil, fmt.Errorf("result too large (>%d bytes)", m.maxBytes)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, "../", "")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
