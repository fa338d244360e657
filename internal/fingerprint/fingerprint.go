// Package fingerprint computes and compares the size and modification time
// fingerprint used to decide whether a file needs to be transferred.
//
// Fingerprints are computed fresh on every call and never cached.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/s3mirror/s3mirror/internal/store"
)

// Metadata keys recorded on every pushed object.
const (
	MetaLength   = "entry_length"
	MetaModified = "entry_modified"
)

// TimeLayout is the layout used to encode MetaModified.
const TimeLayout = "2006-01-02T15:04:05-07:00"

// Fingerprint is a file's size and modification time, truncated to whole
// seconds in UTC.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

// Null returns the fingerprint that means "does not exist".
func Null() Fingerprint {
	return Fingerprint{Size: 0, ModTime: time.Unix(0, 0).UTC()}
}

// New builds a fingerprint, discarding fractional seconds.
func New(size int64, modTime time.Time) Fingerprint {
	return Fingerprint{Size: size, ModTime: modTime.UTC().Truncate(time.Second)}
}

// Equal reports whether two fingerprints describe the same content.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// IsNull reports whether f is the Null fingerprint.
func (f Fingerprint) IsNull() bool {
	return f.Equal(Null())
}

func (f Fingerprint) String() string {
	if f.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d@%s", f.Size, f.ModTime.Format(time.RFC3339))
}

// NeedsTransfer is true unless local and remote are exactly equal.
func NeedsTransfer(local, remote Fingerprint) bool {
	return !local.Equal(remote)
}

// Local fingerprints path. A directory yields size zero with its
// modification time; a missing path yields Null.
func Local(fs afero.Fs, path string) Fingerprint {
	info, err := fs.Stat(path)
	if err != nil {
		return Null()
	}
	if info.IsDir() {
		return New(0, info.ModTime())
	}
	if !info.Mode().IsRegular() {
		return Null()
	}
	return New(info.Size(), info.ModTime())
}

// Remote fingerprints the object stored under key. Every failure, whether
// the object is missing, the store unreachable or the metadata malformed,
// yields Null.
func Remote(ctx context.Context, st store.Store, key string) Fingerprint {
	fp, err := Inspect(ctx, st, key)
	if err != nil {
		return Null()
	}
	return fp
}

// Inspect is Remote with errors. A missing object yields Null and a nil
// error; malformed metadata also yields Null with no error, since such an
// object was not written by this tool and must be replaced. Any other
// failure is returned.
func Inspect(ctx context.Context, st store.Store, key string) (Fingerprint, error) {
	meta, err := st.Head(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Null(), nil
		}
		return Null(), err
	}
	fp, err := Decode(meta)
	if err != nil {
		return Null(), nil
	}
	return fp, nil
}

// Encode renders f as object metadata.
func Encode(f Fingerprint) map[string]string {
	return map[string]string{
		MetaLength:   strconv.FormatInt(f.Size, 10),
		MetaModified: f.ModTime.UTC().Format(TimeLayout),
	}
}

// Decode parses object metadata written by Encode. Keys are matched
// without regard to case; any RFC 3339 instant is accepted.
func Decode(meta map[string]string) (Fingerprint, error) {
	var rawLength, rawModified string
	var hasLength, hasModified bool
	for k, v := range meta {
		switch strings.ToLower(k) {
		case MetaLength:
			rawLength, hasLength = v, true
		case MetaModified:
			rawModified, hasModified = v, true
		}
	}
	if !hasLength || !hasModified {
		return Null(), fmt.Errorf("metadata missing %s or %s", MetaLength, MetaModified)
	}

	size, err := strconv.ParseInt(strings.TrimSpace(rawLength), 10, 64)
	if err != nil || size < 0 {
		return Null(), fmt.Errorf("bad %s %q", MetaLength, rawLength)
	}
	modTime, err := time.Parse(time.RFC3339, strings.TrimSpace(rawModified))
	if err != nil {
		return Null(), fmt.Errorf("bad %s %q: %w", MetaModified, rawModified, err)
	}
	return New(size, modTime), nil
}
