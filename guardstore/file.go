package guardstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/unkn0wn-root/sitecache/codec"
)

// File keeps the guard in a single file, replaced atomically on every Save.
type File struct {
	mu    sync.Mutex
	path  string
	codec codec.Codec[State]
}

var _ Store = (*File)(nil)

// NewFile stores the guard at path using c (nil => JSON). The parent
// directory is created if needed.
func NewFile(path string, c codec.Codec[State]) (*File, error) {
	if path == "" {
		return nil, errors.New("guardstore: file path is required")
	}
	if c == nil {
		c = codec.JSON[State]{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("guardstore: %w", err)
	}
	return &File{path: path, codec: c}, nil
}

func (f *File) Load(context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("guardstore: read: %w", err)
	}
	s, err := f.codec.Decode(b)
	if err != nil {
		return State{}, fmt.Errorf("guardstore: decode: %w", err)
	}
	return s, nil
}

func (f *File) Save(_ context.Context, s State) error {
	b, err := f.codec.Encode(s)
	if err != nil {
		return fmt.Errorf("guardstore: encode: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path, b, 0o600)
}

func (f *File) Close(context.Context) error { return nil }

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path, so readers see either the old or the new guard.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove destination before rename: %w", rmErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename temp file after remove: %w", err)
		}
	}
	cleanup = false

	if d, err := os.Open(parent); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
