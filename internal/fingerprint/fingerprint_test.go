package fingerprint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3mirror/s3mirror/internal/store/memstore"
)

func TestNeedsTransferIdempotent(t *testing.T) {
	fps := []Fingerprint{
		Null(),
		New(0, time.Unix(0, 0)),
		New(1, time.Unix(1700000000, 999999999)),
		New(1<<40, time.Date(2030, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))),
	}
	for _, f := range fps {
		assert.False(t, NeedsTransfer(f, f), f.String())
	}
	assert.True(t, NeedsTransfer(New(1, time.Unix(5, 0)), Null()))
	assert.True(t, NeedsTransfer(New(1, time.Unix(5, 0)), New(2, time.Unix(5, 0))))
}

func TestWholeSecondGranularity(t *testing.T) {
	a := New(10, time.Unix(1700000000, 100))
	b := New(10, time.Unix(1700000000, 900_000_000))
	assert.True(t, a.Equal(b))
	assert.False(t, NeedsTransfer(a, b))
	assert.Equal(t, time.UTC, a.ModTime.Location())
}

func TestNull(t *testing.T) {
	assert.True(t, Null().IsNull())
	assert.True(t, New(0, time.Unix(0, 0)).IsNull())
	assert.Equal(t, "null", Null().String())
}

func TestLocal(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := time.Date(2024, 5, 1, 12, 30, 15, 500, time.UTC)
	require.NoError(t, afero.WriteFile(fs, "/root/a.bin", []byte("12345"), 0o644))
	require.NoError(t, fs.Chtimes("/root/a.bin", mtime, mtime))

	assert.Equal(t, New(5, mtime), Local(fs, "/root/a.bin"))
	assert.Equal(t, Null(), Local(fs, "/root/missing"))

	dir := Local(fs, "/root")
	assert.EqualValues(t, 0, dir.Size)
	assert.False(t, dir.IsNull())
}

func TestEncodeDecode(t *testing.T) {
	f := New(1048576, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	meta := Encode(f)
	assert.Equal(t, "1048576", meta[MetaLength])
	assert.Equal(t, "2024-03-01T10:00:00+00:00", meta[MetaModified])

	got, err := Decode(meta)
	require.NoError(t, err)
	assert.True(t, got.Equal(f))
}

func TestDecodeLenient(t *testing.T) {
	got, err := Decode(map[string]string{
		"Entry_Length":   "7",
		"ENTRY_MODIFIED": "2024-03-01T12:00:00+02:00",
	})
	require.NoError(t, err)
	assert.True(t, got.Equal(New(7, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))))

	got, err = Decode(map[string]string{MetaLength: "7", MetaModified: "2024-03-01T10:00:00Z"})
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Size)
}

func TestDecodeErrors(t *testing.T) {
	tests := []map[string]string{
		nil,
		{MetaLength: "7"},
		{MetaLength: "x", MetaModified: "2024-03-01T10:00:00Z"},
		{MetaLength: "-1", MetaModified: "2024-03-01T10:00:00Z"},
		{MetaLength: "7", MetaModified: "yesterday"},
	}
	for _, meta := range tests {
		_, err := Decode(meta)
		assert.Error(t, err, "%v", meta)
	}
}

func TestRemoteConflatesFailures(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	f := New(3, time.Unix(1700000000, 0))
	st.Seed("ok", []byte("abc"), Encode(f))
	st.Seed("foreign", []byte("abc"), map[string]string{"owner": "someone"})

	assert.True(t, Remote(ctx, st, "ok").Equal(f))
	assert.True(t, Remote(ctx, st, "missing").IsNull())
	assert.True(t, Remote(ctx, st, "foreign").IsNull())

	st.FailOn("head", errors.New("connection refused"))
	assert.True(t, Remote(ctx, st, "ok").IsNull())
}

func TestInspectDistinguishesTransport(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	fp, err := Inspect(ctx, st, "missing")
	require.NoError(t, err)
	assert.True(t, fp.IsNull())

	st.FailOn("head", errors.New("connection refused"))
	_, err = Inspect(ctx, st, "missing")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "refused"))
}
