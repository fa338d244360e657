// Package memstore is an in-memory store.Store used by tests and by
// dry runs.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"

	"github.com/s3mirror/s3mirror/internal/store"
)

// Object is a stored object.
type Object struct {
	Data []byte
	Meta map[string]string
	ACL  string
}

// Calls counts operations by kind.
type Calls struct {
	Head, Get, Put, Delete int
}

// Store is a map-backed store.Store.
type Store struct {
	mu      sync.Mutex
	objects map[string]Object
	calls   Calls
	log     []string
	errs    map[string]error

	// OnPut, when set, may rewrite the metadata recorded for a put. It is
	// called with the lock held.
	OnPut func(key string, meta map[string]string) map[string]string
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]Object),
		errs:    make(map[string]error),
	}
}

// FailOn makes every subsequent call of op ("head", "get", "put",
// "delete") return err. A nil err clears the failure.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// Calls returns the operation counters.
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Log returns every mutating call in order, as "put key" or "delete key".
func (s *Store) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Object returns the object stored under key.
func (s *Store) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

// Keys returns the stored keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seed stores an object directly, bypassing counters.
func (s *Store) Seed(key string, data []byte, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: append([]byte(nil), data...), Meta: maps.Clone(meta)}
}

func (s *Store) Head(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Head++
	if err := s.errs["head"]; err != nil {
		return nil, err
	}
	o, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, store.ErrNotFound)
	}
	return maps.Clone(o.Meta), nil
}

func (s *Store) Get(ctx context.Context, key string, dst io.WriterAt) (int64, error) {
	s.mu.Lock()
	s.calls.Get++
	err := s.errs["get"]
	o, ok := s.objects[key]
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("get %s: %w", key, store.ErrNotFound)
	}
	n, err := dst.WriteAt(o.Data, 0)
	return int64(n), err
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, meta map[string]string, acl string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Put++
	if err := s.errs["put"]; err != nil {
		return err
	}
	meta = maps.Clone(meta)
	if s.OnPut != nil {
		meta = s.OnPut(key, meta)
	}
	s.objects[key] = Object{Data: buf.Bytes(), Meta: meta, ACL: acl}
	s.log = append(s.log, "put "+key)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Delete++
	if err := s.errs["delete"]; err != nil {
		return err
	}
	s.log = append(s.log, "delete "+key)
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, store.ErrNotFound)
	}
	delete(s.objects, key)
	return nil
}
