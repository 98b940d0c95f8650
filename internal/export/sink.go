// Package export serializes a pool.Task's or batch.Batcher's accumulated
// result as gzip-compressed JSON to the filesystem or to S3, adapted from
// the teacher's scan-result upload pipeline. It is a consumer of
// internal/pool and internal/batch, never the other way around.
package export

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/schollz/progressbar/v3"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
	defaultPartSize   = 5 * 1024 * 1024
)

// Config selects and configures an export destination.
type Config struct {
	// Target is "filesystem" or "s3".
	Target string

	// Path is the filesystem directory (for "filesystem") or the S3 key
	// prefix (for "s3") results are written under.
	Path string

	// Bucket and BucketRegion are required when Target is "s3".
	Bucket       string
	BucketRegion string
}

// Sink writes a named result payload to the configured destination.
type Sink struct {
	config Config
}

// NewSink validates config and returns a Sink for it.
func NewSink(config Config) (*Sink, error) {
	switch config.Target {
	case "filesystem":
		if config.Path == "" {
			config.Path = "taskpool-results"
		}
	case "s3":
		if config.Bucket == "" {
			return nil, fmt.Errorf("export: bucket is required when target is s3")
		}
		if config.BucketRegion == "" {
			return nil, fmt.Errorf("export: bucket_region is required when target is s3")
		}
	default:
		return nil, fmt.Errorf("export: unsupported target %q", config.Target)
	}
	return &Sink{config: config}, nil
}

// Write serializes result as indented JSON, gzip-compresses it, and writes
// it under a timestamped key derived from name.
func (s *Sink) Write(name string, result interface{}) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("export: failed to marshal result: %w", err)
	}

	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("export: failed to compress result: %w", err)
	}

	key := s.keyFor(name, time.Now())

	switch s.config.Target {
	case "filesystem":
		return s.writeFileSystem(key, compressed)
	case "s3":
		return s.writeS3WithRetry(key, compressed)
	default:
		return fmt.Errorf("export: unsupported target %q", s.config.Target)
	}
}

// keyFor mirrors the teacher's output/YYYY/MM/DD/<name>/HH-MM-SS.json.gz
// layout, generalized from "account ID" to "result name".
func (s *Sink) keyFor(name string, t time.Time) string {
	fileName := t.Format("15-04-05") + ".json.gz"
	datePath := t.Format("2006/01/02")
	return filepath.Join(s.config.Path, datePath, name, fileName)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Sink) writeFileSystem(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("export: failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("export: failed to write file %s: %w", path, err)
	}
	return nil
}

func (s *Sink) writeS3WithRetry(key string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(defaultRetryDelay)
		}
		if err := s.writeS3(key, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("export: failed to upload to S3 after %d attempts: %w", defaultMaxRetries, lastErr)
}

func (s *Sink) writeS3(key string, data []byte) error {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(s.config.BucketRegion)})
	if err != nil {
		return fmt.Errorf("export: failed to create AWS session: %w", err)
	}

	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = defaultPartSize
	})

	reader := &progressReader{
		reader: bytes.NewReader(data),
		bar: progressbar.NewOptions64(
			int64(len(data)),
			progressbar.OptionSetDescription("uploading export..."),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(15),
			progressbar.OptionThrottle(65*time.Millisecond),
		),
	}

	_, err = uploader.Upload(&s3manager.UploadInput{
		Bucket:               aws.String(s.config.Bucket),
		Key:                  aws.String(key),
		Body:                 reader,
		ServerSideEncryption: aws.String("aws:kms"),
	})
	if err != nil {
		return fmt.Errorf("export: failed to upload to S3: %w", err)
	}
	return nil
}

// progressReader wraps an io.Reader to drive a progress bar during upload.
type progressReader struct {
	reader *bytes.Reader
	bar    *progressbar.ProgressBar
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	_ = r.bar.Add(n)
	return n, err
}
