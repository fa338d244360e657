package s3store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3mirror/s3mirror/internal/config"
	"github.com/s3mirror/s3mirror/internal/store"
)

func newTestStore(t *testing.T, h http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Options{
		Bucket:    "mirror",
		Region:    "us-east-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Endpoint:  srv.URL,
		PathStyle: true,
	})
	require.NoError(t, err)
	return s
}

func TestHeadReturnsMetadata(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/mirror/dir/a.bin" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("x-amz-meta-entry_length", "1048576")
		w.Header().Set("x-amz-meta-entry_modified", "2024-03-01T10:00:00+00:00")
		w.WriteHeader(http.StatusOK)
	})

	meta, err := s.Head(context.Background(), "dir/a.bin")
	require.NoError(t, err)
	assert.Equal(t, "1048576", meta["entry_length"])
	assert.Equal(t, "2024-03-01T10:00:00+00:00", meta["entry_modified"])
}

func TestHeadNotFound(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := s.Head(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	var got string
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, s.Delete(context.Background(), "dir/a.bin"))
	assert.Equal(t, "DELETE /mirror/dir/a.bin", got)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&types.NotFound{}))
	assert.True(t, IsNotFound(&types.NoSuchKey{}))
	assert.True(t, IsNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, IsNotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))
	assert.False(t, IsNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, IsNotFound(errors.New("dial tcp: connection refused")))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Options{Region: "us-east-1"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Config{
		Bucket:   config.Bucket{Name: "b", Region: "eu-west-1", Endpoint: "http://minio:9000", PathStyle: true},
		Transfer: config.Transfer{PartSizeMB: 16, Concurrency: 3},
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "b", opts.Bucket)
	assert.EqualValues(t, 16*1024*1024, opts.PartSize)
	assert.Equal(t, 3, opts.Concurrency)
	assert.True(t, opts.PathStyle)
}
