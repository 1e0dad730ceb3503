// Package attachment decodes file attachments embedded in chat frames and
// writes them to a content store, returning the generated filename that the
// message references.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaychat/presence/internal/metrics"
)

// DefaultMaxBytes caps the decoded size of one attachment.
const DefaultMaxBytes = 10 << 20

const (
	fallbackExt  = "bin"
	maxExtLength = 16
)

var (
	// ErrMalformedData is returned when the payload is not a base64 data URL.
	ErrMalformedData = errors.New("attachment: malformed data url")
	// ErrTooLarge is returned when the decoded payload exceeds the limit.
	ErrTooLarge = errors.New("attachment: file too large")
	// ErrWriteFailed wraps content store errors. The name was already
	// reserved and is returned alongside it.
	ErrWriteFailed = errors.New("attachment: write failed")
)

// ContentStore writes attachment bytes under a generated name.
type ContentStore interface {
	Write(ctx context.Context, name string, data []byte) error
}

// Sideloader turns an inbound file payload into a stored file reference.
type Sideloader struct {
	store    ContentStore
	maxBytes int
	seq      atomic.Uint64
	now      func() time.Time
}

// NewSideloader creates a Sideloader writing to store. maxBytes <= 0 selects
// DefaultMaxBytes.
func NewSideloader(store ContentStore, maxBytes int) *Sideloader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Sideloader{store: store, maxBytes: maxBytes, now: time.Now}
}

// Store decodes dataURL, writes it and returns the filename reference. Names
// are "<unix-millis>-<seq>.<ext>"; the sequence is process-wide so uploads in
// the same millisecond never collide.
//
// A payload that cannot be decoded returns "" and an error. A failed write
// returns the reserved name together with an ErrWriteFailed error.
func (s *Sideloader) Store(ctx context.Context, originalName, dataURL string) (string, error) {
	data, err := Decode(dataURL, s.maxBytes)
	if err != nil {
		return "", err
	}

	name := s.nextName(originalName)
	if err := s.store.Write(ctx, name, data); err != nil {
		return name, fmt.Errorf("%w: %s: %v", ErrWriteFailed, name, err)
	}
	metrics.AttachmentBytes.Add(float64(len(data)))
	return name, nil
}

func (s *Sideloader) nextName(originalName string) string {
	n := s.seq.Add(1)
	return fmt.Sprintf("%d-%d.%s", s.now().UnixMilli(), n, Extension(originalName))
}

// Decode extracts the base64 body that follows the first comma of a data URL.
func Decode(dataURL string, maxBytes int) ([]byte, error) {
	_, body, ok := strings.Cut(dataURL, ",")
	if !ok || body == "" {
		return nil, ErrMalformedData
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(body)) > maxBytes+2 {
		return nil, ErrTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Extension returns the lower-cased extension of name, restricted to ASCII
// letters and digits so it is safe as part of a storage key.
func Extension(name string) string {
	ext := strings.TrimPrefix(path.Ext(path.Base(strings.ReplaceAll(name, "\\", "/"))), ".")
	if ext == "" || len(ext) > maxExtLength {
		return fallbackExt
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fallbackExt
		}
	}
	return strings.ToLower(ext)
}
