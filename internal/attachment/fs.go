package attachment

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// FSStore writes attachments as files under a base directory.
type FSStore struct {
	dir string
}

// NewFSStore creates the base directory if needed and returns a store
// rooted there.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachment: create upload dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Write stores data as dir/name. Names containing path separators are
// rejected.
func (s *FSStore) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("attachment: invalid file name %q", name)
	}

	target := filepath.Join(s.dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Handler serves stored files read-only.
func (s *FSStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.dir))
}

// Dir returns the base directory.
func (s *FSStore) Dir() string {
	return s.dir
}
