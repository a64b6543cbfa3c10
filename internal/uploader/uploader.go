// Package uploader archives rotated journal files to S3.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/john/streambot/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const maxConcurrentUploads = 4

// ObjectPutter is the part of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures an Uploader.
type Options struct {
	Bucket          string
	Region          string
	RoleARN         string // assume this role with a Fly.io OIDC token
	AccessKeyID     string // legacy static credentials
	SecretAccessKey string
	DeleteAfter     bool
	MaxRetries      int
}

// Uploader handles uploading completed journal files to S3
type Uploader struct {
	client      ObjectPutter
	bucket      string
	deleteAfter bool
	maxRetries  int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	backoff  func(attempt int) time.Duration
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever for Fly.io OIDC
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from Fly.io's Unix socket API
func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{
		"aud": f.audience,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	return token, nil
}

// New creates an S3 uploader. A role ARN takes precedence over static
// credentials.
func New(ctx context.Context, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Uploader, error) {
	logger = logger.Named("uploader")

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.RoleARN == "" && opts.AccessKeyID != "" {
		logger.Warn("Using static AWS credentials (deprecated). Migrate to OIDC for better security.")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if opts.RoleARN != "" {
		logger.Info("Using OIDC authentication", zap.String("role", opts.RoleARN))
		stsClient := sts.NewFromConfig(cfg)
		credProvider := stscreds.NewWebIdentityRoleProvider(
			stsClient,
			opts.RoleARN,
			&flyTokenRetriever{socketPath: "/.fly/api", audience: "sts.amazonaws.com"},
		)
		cfg.Credentials = aws.NewCredentialsCache(credProvider)
	}

	return NewWithClient(s3.NewFromConfig(cfg), opts, logger, m), nil
}

// NewWithClient creates an uploader around an existing S3 client.
func NewWithClient(client ObjectPutter, opts Options, logger *zap.Logger, m *metrics.Metrics) *Uploader {
	return &Uploader{
		client:      client,
		bucket:      opts.Bucket,
		deleteAfter: opts.DeleteAfter,
		maxRetries:  opts.MaxRetries,
		logger:      logger,
		metrics:     m,
		sem:         semaphore.NewWeighted(maxConcurrentUploads),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}
}

// ScanAndUploadExisting uploads journal files left behind by a previous run.
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, outputDir string) error {
	u.logger.Info("Scanning for existing files to upload", zap.String("dir", outputDir))

	entries, err := os.ReadDir(outputDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var filesToUpload []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".jsonl") {
			filesToUpload = append(filesToUpload, filepath.Join(outputDir, entry.Name()))
		}
	}

	if len(filesToUpload) == 0 {
		u.logger.Info("No existing files found to upload")
		return nil
	}

	u.logger.Info("Found existing files to upload", zap.Int("count", len(filesToUpload)))
	for _, filePath := range filesToUpload {
		u.spawn(ctx, filePath)
	}

	return nil
}

// Start uploads every path received on fileChan until ctx is done, then
// waits for uploads in flight.
func (u *Uploader) Start(ctx context.Context, fileChan <-chan string) error {
	for {
		select {
		case localPath := <-fileChan:
			u.spawn(ctx, localPath)

		case <-ctx.Done():
			u.logger.Info("Uploader shutting down")
			u.inflight.Wait()
			return ctx.Err()
		}
	}
}

func (u *Uploader) spawn(ctx context.Context, localPath string) {
	u.inflight.Add(1)
	go func() {
		defer u.inflight.Done()
		if err := u.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer u.sem.Release(1)
		u.uploadWithRetry(ctx, localPath)
	}()
}

// uploadWithRetry uploads a file with retry logic
func (u *Uploader) uploadWithRetry(ctx context.Context, localPath string) {
	filename := filepath.Base(localPath)

	s3Key, err := generateS3Key(filename)
	if err != nil {
		u.logger.Error("Error generating S3 key", zap.String("file", filename), zap.Error(err))
		u.metrics.UploadsCompleted.WithLabelValues("invalid").Inc()
		return
	}

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		err := u.uploadFile(ctx, localPath, s3Key)
		if err == nil {
			u.logger.Info("Uploaded file", zap.String("file", filename), zap.String("bucket", u.bucket), zap.String("key", s3Key))
			u.metrics.UploadsCompleted.WithLabelValues("ok").Inc()

			if u.deleteAfter {
				if err := os.Remove(localPath); err != nil {
					u.logger.Error("Error deleting local file", zap.String("file", localPath), zap.Error(err))
				} else {
					u.logger.Debug("Deleted local file", zap.String("file", localPath))
				}
			}
			return
		}

		if attempt < u.maxRetries {
			backoff := u.backoff(attempt)
			u.logger.Warn("Upload attempt failed",
				zap.String("file", filename),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", u.maxRetries),
				zap.Duration("retry_in", backoff),
				zap.Error(err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	u.logger.Error("Upload failed", zap.String("file", filename), zap.Int("attempts", u.maxRetries+1))
	u.metrics.UploadsCompleted.WithLabelValues("failed").Inc()
}

// uploadFile uploads a specific file to S3
func (u *Uploader) uploadFile(ctx context.Context, localPath, s3Key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(s3Key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

// generateS3Key generates an S3 key from a journal filename
// Input: some_channel_alert_20251230_103000.jsonl
// Output: 2025/12/30/alert/some_channel/some_channel_alert_20251230_103000.jsonl
func generateS3Key(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".jsonl")

	// Channel names may contain underscores, so parse from the end
	parts := strings.Split(nameWithoutExt, "_")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	dateStr := parts[len(parts)-2]
	timeStr := parts[len(parts)-1]
	kind := parts[len(parts)-3]
	channel := strings.Join(parts[:len(parts)-3], "_")

	t, err := time.Parse("20060102_150405", dateStr+"_"+timeStr)
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), kind, channel, filename), nil
}
