package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamStore writes attachments into a NATS JetStream object store
// bucket. It is selected when uploads must be shared between hosts.
type JetStreamStore struct {
	store jetstream.ObjectStore
}

// NewJetStreamStore binds to bucket on nc, creating it when missing.
func NewJetStreamStore(ctx context.Context, nc *nats.Conn, bucket string) (*JetStreamStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("attachment: jetstream context: %w", err)
	}

	store, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "chat attachments",
		})
		if err != nil {
			return nil, fmt.Errorf("attachment: create bucket %s: %w", bucket, err)
		}
	}
	return &JetStreamStore{store: store}, nil
}

// Write stores data under name with its sniffed content type.
func (s *JetStreamStore) Write(ctx context.Context, name string, data []byte) error {
	meta := jetstream.ObjectMeta{
		Name: name,
		Headers: nats.Header{
			"Content-Type": []string{mimetype.Detect(data).String()},
		},
	}
	if _, err := s.store.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("attachment: put object: %w", err)
	}
	return nil
}

// Handler serves stored objects by the last path element of the request.
func (s *JetStreamStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if name == "." || name == "/" {
			http.NotFound(w, r)
			return
		}

		obj, err := s.store.Get(r.Context(), name)
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			log.Printf("attachment: get object %s: %v", name, err)
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		defer obj.Close()

		if info, err := obj.Info(); err == nil && info.Headers != nil {
			if ct := info.Headers.Get("Content-Type"); ct != "" {
				w.Header().Set("Content-Type", ct)
			}
		}
		if _, err := io.Copy(w, obj); err != nil {
			log.Printf("attachment: stream object %s: %v", name, err)
		}
	})
}
