package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (m *memStore) Write(_ context.Context, name string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
	return nil
}

func dataURL(mime string, body []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body)
}

func TestStore_WritesDecodedBytes(t *testing.T) {
	store := newMemStore()
	s := NewSideloader(store, 0)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	name, err := s.Store(context.Background(), "holiday.JPG", dataURL("image/jpeg", []byte("jpeg-bytes")))
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-1.jpg", name)
	assert.Equal(t, []byte("jpeg-bytes"), store.files[name])
}

func TestStore_NoCollisionWithinSameMillisecond(t *testing.T) {
	store := newMemStore()
	s := NewSideloader(store, 0)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	const n = 200
	names := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := s.Store(context.Background(), "a.txt", dataURL("text/plain", []byte("x")))
			assert.NoError(t, err)
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool)
	for name := range names {
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, store.files, n)
}

func TestStore_Failures(t *testing.T) {
	store := newMemStore()
	s := NewSideloader(store, 8)

	_, err := s.Store(context.Background(), "a.txt", "no-comma-here")
	assert.ErrorIs(t, err, ErrMalformedData)

	_, err = s.Store(context.Background(), "a.txt", "data:text/plain;base64,!!!")
	assert.ErrorIs(t, err, ErrMalformedData)

	_, err = s.Store(context.Background(), "a.txt", dataURL("text/plain", []byte("way more than eight bytes")))
	assert.ErrorIs(t, err, ErrTooLarge)

	store.err = errors.New("disk full")
	_, err = s.Store(context.Background(), "a.txt", dataURL("text/plain", []byte("ok")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, store.files)
}

func TestStore_WriteFailureKeepsReservedName(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk full")
	s := NewSideloader(store, 0)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	name, err := s.Store(context.Background(), "a.txt", dataURL("text/plain", []byte("ok")))
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, "1700000000000-1.txt", name)

	name, err = s.Store(context.Background(), "a.txt", "no-comma-here")
	assert.ErrorIs(t, err, ErrMalformedData)
	assert.Empty(t, name)
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"photo.png":        "png",
		"archive.tar.GZ":   "gz",
		"noext":            "bin",
		"trailing.":        "bin",
		"../../etc/passwd": "bin",
		"evil.p/hp":        "bin",
		"x.ph p":           "bin",
		"dir\\file.docx":   "docx",
	}
	tests["long."+strings.Repeat("a", 17)] = "bin"
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), "Extension(%q)", in)
	}
}

func TestFSStore_Write(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	fs, err := NewFSStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Write(context.Background(), "1-1.txt", []byte("hello")))
	got, err := os.ReadFile(filepath.Join(dir, "1-1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	assert.Error(t, fs.Write(context.Background(), "../escape.txt", []byte("x")))
	assert.Error(t, fs.Write(context.Background(), "", []byte("x")))
}
