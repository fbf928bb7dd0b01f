// Package archive uploads webhook jobs that exhausted their retries to S3 so
// they can be inspected or replayed later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"crmsync/internal/models"
)

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // custom S3-compatible endpoint, empty for AWS
	AccessKey string
	SecretKey string
	PathStyle bool
	Prefix    string
	Timeout   time.Duration
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes one JSON object per failed job.
type S3Archive struct {
	client  putter
	bucket  string
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// Record is the archived document.
type Record struct {
	Job      models.WebhookJob `json:"job"`
	Error    string            `json:"error"`
	FailedAt time.Time         `json:"failedAt"`
}

func NewS3Archive(cfg Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("cleanedEndpoint", endpoint).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
	}
	// Dotted bucket names break virtual-host TLS.
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("S3 failed job archive initialized")
	return newS3Archive(client, cfg), nil
}

func newS3Archive(client putter, cfg Config) *S3Archive {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "failed-jobs"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: prefix, timeout: timeout, now: time.Now}
}

// Key is prefix/yyyy/mm/dd/provider/jobID.json.
func (a *S3Archive) Key(job models.WebhookJob, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, at.UTC().Format("2006/01/02"), job.Provider, job.ID)
}

// Store uploads the failed job and returns the object key.
func (a *S3Archive) Store(ctx context.Context, job models.WebhookJob, cause error) (string, error) {
	rec := Record{Job: job, FailedAt: a.now().UTC()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode failed job %s: %w", job.ID, err)
	}
	key := a.Key(job, rec.FailedAt)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("jobID", job.ID).
			Str("key", key).
			Str("bucket", a.bucket).
			Msg("Failed to upload failed job to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().
		Str("jobID", job.ID).
		Str("key", key).
		Str("bucket", a.bucket).
		Int("size", len(data)).
		Msg("Failed job archived to S3")
	return key, nil
}

// HandleFailed is a queue failed-event handler. Upload errors are only logged.
func (a *S3Archive) HandleFailed(job models.WebhookJob, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	_, _ = a.Store(ctx, job, cause)
}
