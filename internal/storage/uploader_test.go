package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/arcano/internal/config"
)

func TestObjectKeyLayout(t *testing.T) {
	u := newUploader(nil, "bucket", "https://cdn.example.com/", "/jobs/")
	u.now = func() time.Time { return time.Date(2026, 2, 3, 23, 59, 0, 0, time.UTC) }

	key := u.objectKey("video/mp4")
	assert.Regexp(t, regexp.MustCompile(`^jobs/2026/02/03/[0-9a-f-]{36}\.mp4$`), key)
	assert.Equal(t, "https://cdn.example.com", u.publicBaseURL)
}

func TestDefaultPrefix(t *testing.T) {
	u := newUploader(nil, "bucket", "https://cdn.example.com", "")
	assert.Equal(t, "inputs", u.prefix)
}

func TestContentTypes(t *testing.T) {
	assert.Equal(t, ".png", extensionFromContentType("image/png"))
	assert.Equal(t, ".jpg", extensionFromContentType("IMAGE/JPEG; charset=binary"))
	assert.Equal(t, ".mov", extensionFromContentType("video/quicktime"))
	assert.Equal(t, ".bin", extensionFromContentType("application/zip"))

	assert.True(t, Supported("image/webp"))
	assert.False(t, Supported("text/plain"))
	assert.True(t, IsVideo("video/webm"))
	assert.False(t, IsVideo("image/png"))
}

func TestUploadRejectsBadInput(t *testing.T) {
	u := newUploader(nil, "bucket", "https://cdn.example.com", "")

	_, err := u.Upload(context.Background(), nil, "image/png")
	assert.Error(t, err)

	_, err = u.Upload(context.Background(), []byte("x"), "text/plain")
	assert.Error(t, err)
}

func TestNewUploaderValidatesConfig(t *testing.T) {
	_, err := NewUploader(config.Config{S3Region: "us-east-1"})
	require.Error(t, err)

	u, err := NewUploader(config.Config{
		S3Bucket:        "b",
		S3Region:        "us-east-1",
		S3AccessKey:     "a",
		S3SecretKey:     "s",
		S3PublicBaseURL: "https://cdn",
		S3Endpoint:      "http://localhost:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "inputs", u.prefix)
}
