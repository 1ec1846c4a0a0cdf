package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	key         string
	contentType string
	body        string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.key = aws.ToString(in.Key)
	f.contentType = aws.ToString(in.ContentType)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestArchive(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer src.Close()

	putter := &fakePutter{}
	s := newS3Storage(putter, src.Client(), "attachments", "https://cdn.example/attachments/")
	s.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	out, err := s.Archive(context.Background(), ArchiveInput{Schema: "tenant_a", SourceURL: src.URL + "/a"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out.Key, "tenant_a/attachments/2026/03/02/"))
	assert.True(t, strings.HasSuffix(out.Key, ".png"))
	assert.Equal(t, "https://cdn.example/attachments/"+out.Key, out.URL)
	assert.Equal(t, "image/png", putter.contentType)
	assert.Equal(t, "png-bytes", putter.body)
}

func TestArchive_SourceError(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer src.Close()

	s := newS3Storage(&fakePutter{}, src.Client(), "attachments", "")
	_, err := s.Archive(context.Background(), ArchiveInput{Schema: "tenant_a", SourceURL: src.URL})
	assert.Error(t, err)
}
