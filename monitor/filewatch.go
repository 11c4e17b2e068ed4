package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/unkn0wn-root/sitecache"
)

// FileWatch reads the version marker straight from disk and re-reads it on
// every change. It suits agents deployed on the same host as the site
// output. The parent directory is watched so atomic rename-into-place
// deployments are seen.
type FileWatch struct {
	Path   string
	Logger sitecache.Logger
}

func (s *FileWatch) Name() string { return "file" }

func (s *FileWatch) Watch(ctx context.Context, report func(string)) error {
	log := s.Logger
	if log == nil {
		log = sitecache.NopLogger{}
	}
	target, err := filepath.Abs(s.Path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	read := func() {
		f, err := os.Open(target)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("version file unreadable", sitecache.Fields{"path": target, "err": err})
			}
			return
		}
		defer func() { _ = f.Close() }()
		v, err := readVersion(f)
		if err != nil {
			log.Debug("version file empty", sitecache.Fields{"path": target})
			return
		}
		report(v)
	}

	read()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("monitor: watcher closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				read()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("monitor: watcher closed")
			}
			log.Warn("version file watch error", sitecache.Fields{"err": err})
		}
	}
}
