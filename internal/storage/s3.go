// Package storage archives message attachments in S3-compatible storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const (
	downloadTimeout = 30 * time.Second
	maxDownloadSize = 50 << 20
)

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string // e.g., "http://localhost:9000" for MinIO
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicURL       string // Public URL for accessing files
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage provides S3-compatible storage operations
type S3Storage struct {
	client     objectPutter
	httpClient *http.Client
	bucket     string
	publicURL  string
	now        func() time.Time
}

// NewS3Storage creates a new S3 storage client
func NewS3Storage(cfg S3Config) *S3Storage {
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: true, // Required for MinIO
	})
	return newS3Storage(client, &http.Client{Timeout: downloadTimeout}, cfg.Bucket, cfg.PublicURL)
}

func newS3Storage(client objectPutter, httpClient *http.Client, bucket, publicURL string) *S3Storage {
	return &S3Storage{
		client:     client,
		httpClient: httpClient,
		bucket:     bucket,
		publicURL:  strings.TrimRight(publicURL, "/"),
		now:        time.Now,
	}
}

// UploadInput represents input for uploading a file
type UploadInput struct {
	Prefix      string
	Reader      io.Reader
	ContentType string
	Size        int64
	Filename    string // Optional: original filename for extension extraction
}

// UploadOutput represents output from uploading a file
type UploadOutput struct {
	Key        string
	URL        string
	Size       int64
	UploadedAt time.Time
}

// Upload uploads a file and returns its public URL
func (s *S3Storage) Upload(ctx context.Context, in UploadInput) (*UploadOutput, error) {
	ext := path.Ext(in.Filename)
	if ext == "" {
		ext = extensionFor(in.ContentType)
	}
	now := s.now().UTC()
	key := path.Join(in.Prefix, now.Format("2006/01/02"), uuid.NewString()+ext)

	put := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        in.Reader,
		ContentType: aws.String(in.ContentType),
	}
	if in.Size > 0 {
		put.ContentLength = aws.Int64(in.Size)
	}
	if _, err := s.client.PutObject(ctx, put); err != nil {
		return nil, fmt.Errorf("uploading to s3: %w", err)
	}

	return &UploadOutput{
		Key:        key,
		URL:        s.publicURL + "/" + key,
		Size:       in.Size,
		UploadedAt: now,
	}, nil
}

// ArchiveInput is an attachment to copy from the provider into the bucket
type ArchiveInput struct {
	Schema    string
	SourceURL string
	Filename  string
	MimeType  string
}

// Archive downloads an attachment and stores it under the tenant's prefix
func (s *S3Storage) Archive(ctx context.Context, in ArchiveInput) (*UploadOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("downloading attachment: status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxDownloadSize {
		return nil, fmt.Errorf("attachment too large: %d bytes", resp.ContentLength)
	}

	contentType := in.MimeType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}

	return s.Upload(ctx, UploadInput{
		Prefix:      path.Join(in.Schema, "attachments"),
		Reader:      io.LimitReader(resp.Body, maxDownloadSize),
		ContentType: contentType,
		Size:        resp.ContentLength,
		Filename:    in.Filename,
	})
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}
