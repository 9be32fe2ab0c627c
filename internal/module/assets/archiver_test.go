package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/module/provider"
)

type fakePutter struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.contentType = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func newSource(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestS3Archiver_Archive(t *testing.T) {
	jobID, itemID := uuid.New(), uuid.New()
	cfg := config.StorageConfig{Bucket: "assets", PublicBaseURL: "https://cdn.example.com/"}

	t.Run("uploads and rewrites url", func(t *testing.T) {
		src := newSource(t, http.StatusOK)
		putter := &fakePutter{}
		a := NewS3Archiver(putter, src.Client(), cfg, nil)

		in := &provider.Result{AssetURL: src.URL + "/out", Metadata: map[string]any{"seed": 7}}
		out, err := a.Archive(context.Background(), jobID, itemID, in)
		require.NoError(t, err)

		key := ObjectKey(jobID, itemID, ".png")
		assert.Equal(t, key, putter.key)
		assert.Equal(t, "image/png", putter.contentType)
		assert.Equal(t, []byte("png-bytes"), putter.body)
		assert.Equal(t, "https://cdn.example.com/"+key, out.AssetURL)
		assert.Equal(t, src.URL+"/out", out.Metadata["source_url"])
		assert.Equal(t, 7, out.Metadata["seed"])
		assert.NotContains(t, in.Metadata, "source_url")
	})

	t.Run("source error", func(t *testing.T) {
		src := newSource(t, http.StatusNotFound)
		a := NewS3Archiver(&fakePutter{}, src.Client(), cfg, nil)

		_, err := a.Archive(context.Background(), jobID, itemID, &provider.Result{AssetURL: src.URL})
		assert.Error(t, err)
	})

	t.Run("upload error", func(t *testing.T) {
		src := newSource(t, http.StatusOK)
		a := NewS3Archiver(&fakePutter{err: errors.New("denied")}, src.Client(), cfg, nil)

		_, err := a.Archive(context.Background(), jobID, itemID, &provider.Result{AssetURL: src.URL})
		assert.ErrorContains(t, err, "put object")
	})

	t.Run("empty url is untouched", func(t *testing.T) {
		a := NewS3Archiver(&fakePutter{}, nil, cfg, nil)
		in := &provider.Result{}
		out, err := a.Archive(context.Background(), jobID, itemID, in)
		require.NoError(t, err)
		assert.Same(t, in, out)
	})
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".mp4", extensionFor("https://x/y", "video/mp4"))
	assert.Equal(t, ".jpg", extensionFor("https://x/y", "image/jpeg; charset=binary"))
	assert.Equal(t, ".webp", extensionFor("https://x/a.webp?sig=1", ""))
	assert.Equal(t, "", extensionFor("https://x/a", ""))
}

func TestNewS3Client_RequiresConfig(t *testing.T) {
	_, err := NewS3Client(context.Background(), config.StorageConfig{Bucket: "b"})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	in := &provider.Result{AssetURL: "https://x"}
	out, err := Noop{}.Archive(context.Background(), uuid.New(), uuid.New(), in)
	require.NoError(t, err)
	assert.Same(t, in, out)
}
