// Package export archives completed service orders as JSON reports, either to
// a local directory or to an S3 bucket.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"autopit/internal/config"
	"autopit/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes one report per completed order.
type Exporter struct {
	uploader uploader
	now      func() time.Time
}

// Report is the archived document for a completed order.
type Report struct {
	Order      models.ServiceOrder `json:"order"`
	ExportedAt time.Time           `json:"exportedAt"`
}

// New returns nil when neither EXPORT_S3_BUCKET nor EXPORT_DIR is set. The
// bucket wins when both are configured.
func New(ctx context.Context, cfg config.Config) (*Exporter, error) {
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Exporter{uploader: &s3Uploader{client: client, bucket: cfg.ExportS3Bucket}, now: time.Now}, nil
	}
	if cfg.ExportDir != "" {
		return &Exporter{uploader: &localUploader{baseDir: cfg.ExportDir}, now: time.Now}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ExportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ExportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ExportS3Endpoint)
		}
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

// Export stores the order under orders/<yyyy>/<mm>/<request id>.json and
// returns where it landed. Re-exporting an order overwrites the earlier report.
func (e *Exporter) Export(ctx context.Context, order models.ServiceOrder) (string, error) {
	body, err := json.MarshalIndent(Report{Order: order, ExportedAt: e.now().UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	location, err := e.uploader.Upload(ctx, reportKey(order), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return location, nil
}

func reportKey(order models.ServiceOrder) string {
	completed := order.CompletedUTC.UTC()
	return path.Join("orders", completed.Format("2006"), completed.Format("01"), order.RequestID.String()+".json")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	dest := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return dest, nil
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
