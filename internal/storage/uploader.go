package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/digkill/arcano/internal/config"
)

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

// Supported reports whether a job input of this content type is accepted.
func Supported(contentType string) bool {
	_, ok := extensions[normalizeContentType(contentType)]
	return ok
}

// IsVideo reports whether the content type is one of the video inputs.
func IsVideo(contentType string) bool {
	return strings.HasPrefix(normalizeContentType(contentType), "video/")
}

type Uploader struct {
	bucket        string
	publicBaseURL string
	prefix        string
	client        *s3.Client
	now           func() time.Time
}

func NewUploader(cfg config.Config) (*Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.S3Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.S3PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}

	options := s3.Options{
		Region:       cfg.S3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle: cfg.S3UsePathStyle,
	}
	if cfg.S3Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}

	return newUploader(s3.New(options), cfg.S3Bucket, cfg.S3PublicBaseURL, cfg.S3Prefix), nil
}

func newUploader(client *s3.Client, bucket, publicBaseURL, prefix string) *Uploader {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "inputs"
	}
	return &Uploader{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		prefix:        prefix,
		client:        client,
		now:           time.Now,
	}
}

// Upload stores a job input and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	contentType = normalizeContentType(contentType)
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if !Supported(contentType) {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}

	key := u.objectKey(contentType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return u.publicBaseURL + "/" + key, nil
}

func (u *Uploader) objectKey(contentType string) string {
	now := u.now().UTC()
	return path.Join(u.prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+extensionFromContentType(contentType))
}

func extensionFromContentType(contentType string) string {
	if ext, ok := extensions[normalizeContentType(contentType)]; ok {
		return ext
	}
	return ".bin"
}

func normalizeContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
