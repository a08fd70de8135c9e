package trust

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
)

// FileSource serves keys from a JWKS file and reloads it when the file changes.
// A reload that fails to parse keeps the previous keys.
type FileSource struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

// NewFileSource loads path and starts watching its directory. Editors and
// config-map mounts replace files by rename, which only a directory watch sees.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileSource{path: filepath.Clean(path), logger: logger.Named("jwks_file"), done: make(chan struct{})}
	if err := s.load(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jwks file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *FileSource) Name() string { return "jwks_file" }

func (s *FileSource) Keys(context.Context) (map[string]crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]crypto.PublicKey, len(s.keys))
	for k, v := range s.keys {
		out[k] = v
	}
	return out, nil
}

// Close stops the watcher.
func (s *FileSource) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *FileSource) watch() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := s.load(); err != nil {
				obs.KeySourceRefreshes.WithLabelValues(s.Name(), "error").Inc()
				s.logger.Warn("JWKS reload failed; keeping previous keys", zap.Error(err))
				continue
			}
			obs.KeySourceRefreshes.WithLabelValues(s.Name(), "ok").Inc()
			s.logger.Info("JWKS file reloaded", zap.String("path", s.path))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("JWKS file watcher error", zap.Error(err))
		}
	}
}

func (s *FileSource) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read jwks file: %w", err)
	}
	set, err := jwk.Parse(b)
	if err != nil {
		return fmt.Errorf("parse jwks file: %w", err)
	}
	keys, err := publicKeys(set)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}
