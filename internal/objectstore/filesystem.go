package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// prefixes are the top-level directories a session's objects live under.
var prefixes = []string{"audio", "graphs", "logs"}

// Filesystem is a local-disk Store. Object keys become file paths under the
// root directory; URIs are file:// URLs of the absolute path.
type Filesystem struct {
	root string

	now func() time.Time
}

// Compile-time interface assertion.
var _ Store = (*Filesystem)(nil)

// NewFilesystem creates a Filesystem store rooted at dir, creating it when
// missing.
func NewFilesystem(dir string) (*Filesystem, error) {
	if dir == "" {
		return nil, fmt.Errorf("objectstore: root directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("objectstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	return &Filesystem{root: abs, now: time.Now}, nil
}

// PutAudio implements Store. The object lands at
// audio/YYYY/MM/DD/HH/<session>_<rand8>.<ext>.
func (f *Filesystem) PutAudio(_ context.Context, sessionID string, data []byte, codec string) (string, error) {
	ext := strings.ToLower(codec)
	if ext == "" {
		ext = "bin"
	}
	now := f.now().UTC()
	key := filepath.Join(
		"audio",
		now.Format("2006"), now.Format("01"), now.Format("02"), now.Format("15"),
		fmt.Sprintf("%s_%s.%s", sessionID, uuid.NewString()[:8], ext),
	)
	return f.write(key, data)
}

// PutGraph implements Store. The object lands at
// graphs/YYYY/MM/DD/<session>_v<version>.json.
func (f *Filesystem) PutGraph(_ context.Context, sessionID string, version int, graphJSON []byte) (string, error) {
	now := f.now().UTC()
	key := filepath.Join(
		"graphs",
		now.Format("2006"), now.Format("01"), now.Format("02"),
		fmt.Sprintf("%s_v%d.json", sessionID, version),
	)
	return f.write(key, graphJSON)
}

// PutSessionLog implements Store. The object lands at
// logs/YYYY/MM/DD/HH/<session>.json.
func (f *Filesystem) PutSessionLog(_ context.Context, sessionID string, logJSON []byte) (string, error) {
	now := f.now().UTC()
	key := filepath.Join(
		"logs",
		now.Format("2006"), now.Format("01"), now.Format("02"), now.Format("15"),
		fmt.Sprintf("%s.json", sessionID),
	)
	return f.write(key, logJSON)
}

// DeleteSession implements Store. It walks all prefixes and removes every
// object whose file name starts with the session id.
func (f *Filesystem) DeleteSession(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("objectstore: session id required")
	}
	for _, prefix := range prefixes {
		dir := filepath.Join(f.root, prefix)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if name == sessionID+".json" || strings.HasPrefix(name, sessionID+"_") {
				return os.Remove(path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("objectstore: delete session %s under %s: %w", sessionID, prefix, err)
		}
	}
	return nil
}

func (f *Filesystem) write(key string, data []byte) (string, error) {
	path := filepath.Join(f.root, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("objectstore: create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("objectstore: write %s: %w", key, err)
	}
	return "file://" + path, nil
}
