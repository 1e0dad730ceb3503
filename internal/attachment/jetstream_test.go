package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestJetStreamStore(t *testing.T) *JetStreamStore {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bucket := fmt.Sprintf("test_uploads_%d", time.Now().UnixNano())
	s, err := NewJetStreamStore(ctx, nc, bucket)
	if err != nil {
		t.Skipf("jetstream not available: %v", err)
	}
	t.Cleanup(func() {
		js, err := jetstream.New(nc)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = js.DeleteObjectStore(ctx, bucket)
	})
	return s
}

func TestJetStreamStore_WriteSniffsContentType(t *testing.T) {
	s := newTestJetStreamStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "1700000000000-1.png", pngHeader))

	info, err := s.store.GetInfo(ctx, "1700000000000-1.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", info.Headers.Get("Content-Type"))
	assert.Equal(t, uint64(len(pngHeader)), info.Size)
}

func TestJetStreamStore_Handler(t *testing.T) {
	s := newTestJetStreamStore(t)
	require.NoError(t, s.Write(context.Background(), "1700000000000-2.txt", []byte("hello there")))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	t.Run("stored object", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/1700000000000-2.txt")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello there", string(body))
	})

	t.Run("unknown object", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/nope.txt")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("no name", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
