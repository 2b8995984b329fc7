// Package dlqarchive copies DLQ entries to S3-compatible blob storage
// before they age out of the DLQ stream's own retention window, mirroring
// internal/infrastructure/storage/s3_client.go's client construction
// (including custom-endpoint support for MinIO-compatible stores).
package dlqarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"jobrunner/envelope"
	"jobrunner/jobrunnerlog"
	"jobrunner/streamclient"
)

// Config configures the S3-compatible destination and the archive key
// prefix.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // set for MinIO/LocalStack; empty uses AWS default endpoints
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool // true for MinIO
	KeyPrefix       string
	Log             jobrunnerlog.Logger
}

func (c *Config) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "dlq-archive"
	}
	if c.Log == nil {
		c.Log = jobrunnerlog.Nop{}
	}
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("dlqarchive: bucket is required")
	}
	return nil
}

// DLQEntry is one archived record: the raw stream id plus its field map.
type DLQEntry struct {
	Stream string            `json:"stream"`
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// uploader is the slice of the S3 client Archiver needs, narrowed so
// tests can substitute a fake instead of a live bucket.
type uploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads DLQ entries to blob storage. Archive only uploads;
// RunSweep also trims each entry from the source stream once its upload
// is confirmed.
type Archiver struct {
	s3     uploader
	bucket string
	prefix string
	ranger streamclient.Ranger
	del    streamclient.Deleter
	log    jobrunnerlog.Logger
}

// Open builds the S3 client per cfg and returns an Archiver bound to
// client's Ranger/Deleter capabilities. client must support both — an
// archiver that can't scan or trim the DLQ stream has no purpose.
func Open(ctx context.Context, client streamclient.Required, cfg Config) (*Archiver, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ranger, ok := client.(streamclient.Ranger)
	if !ok {
		return nil, fmt.Errorf("dlqarchive: client does not support Ranger")
	}
	del, ok := client.(streamclient.Deleter)
	if !ok {
		return nil, fmt.Errorf("dlqarchive: client does not support Deleter")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	cfg.Log.Info("dlqarchive: s3 client initialized",
		"bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint, "path_style", cfg.UsePathStyle)

	return newArchiver(s3Client, ranger, del, cfg), nil
}

func newArchiver(s3Client uploader, ranger streamclient.Ranger, del streamclient.Deleter, cfg Config) *Archiver {
	return &Archiver{s3: s3Client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix, ranger: ranger, del: del, log: cfg.Log}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("dlqarchive: load aws config: %w", err)
	}
	return awsCfg, nil
}

// Archive uploads a single DLQ entry's JSON representation to blob
// storage under "<prefix>/<stream>/<id>.json".
func (a *Archiver) Archive(ctx context.Context, entry DLQEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlqarchive: marshal entry: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, entry.Stream, entry.ID)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("dlqarchive: upload %s: %w", key, err)
	}
	return nil
}

// RunSweep scans stream for entries whose envelope was enqueued more
// than olderThan ago, archives each, and trims confirmed uploads with
// XDEL, returning how many were archived. Entries are only ever deleted
// after their upload succeeds. Age comes from the entry's own "headers"
// field (envelope.Headers.EnqueuedAtMs) rather than the stream id, since
// DLQ entries already carry that timestamp and it survives re-derivation
// across any future change to id formatting.
func (a *Archiver) RunSweep(ctx context.Context, stream string, olderThan time.Duration) (int, error) {
	entries, err := a.ranger.Range(ctx, stream, "-", "+", 0)
	if err != nil {
		return 0, fmt.Errorf("dlqarchive: range %s: %w", stream, err)
	}

	cutoff := time.Now().Add(-olderThan)
	archived := 0
	for _, e := range entries {
		enqueuedAt, ok := enqueuedAtFromHeaders(e.Fields[envelope.FieldHeaders])
		if !ok || enqueuedAt.After(cutoff) {
			continue
		}

		if err := a.Archive(ctx, DLQEntry{Stream: stream, ID: e.ID, Fields: e.Fields}); err != nil {
			a.log.Warn("dlqarchive: archive failed, leaving entry in place", "stream", stream, "id", e.ID, "error", err)
			continue
		}
		if _, err := a.del.Delete(ctx, stream, e.ID); err != nil {
			a.log.Warn("dlqarchive: trim after archive failed", "stream", stream, "id", e.ID, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

func enqueuedAtFromHeaders(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	var h envelope.Headers
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(h.EnqueuedAtMs), true
}
