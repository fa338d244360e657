package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3mirror/s3mirror/internal/store"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, "a/b.bin", strings.NewReader("hello"), map[string]string{"k": "v"}, "private"))

	meta, err := s.Head(ctx, "a/b.bin")
	require.NoError(t, err)
	assert.Equal(t, "v", meta["k"])

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()
	n, err := s.Get(ctx, "a/b.bin", f)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	require.NoError(t, s.Delete(ctx, "a/b.bin"))
	_, err = s.Head(ctx, "a/b.bin")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "a/b.bin"), store.ErrNotFound)

	assert.Equal(t, []string{"put a/b.bin", "delete a/b.bin", "delete a/b.bin"}, s.Log())
	assert.Equal(t, Calls{Head: 2, Get: 1, Put: 1, Delete: 2}, s.Calls())
}

func TestFailOn(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("connection reset")

	s.FailOn("put", boom)
	assert.ErrorIs(t, s.Put(ctx, "k", strings.NewReader(""), nil, ""), boom)
	s.FailOn("put", nil)
	assert.NoError(t, s.Put(ctx, "k", strings.NewReader(""), nil, ""))
}
