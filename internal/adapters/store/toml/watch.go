package toml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/fsnotify/fsnotify"
)

const notifyTimeout = 10 * time.Second

type revisionStamp struct {
	writer   string
	revision uint64
}

// OnUpdate watches the roster file and calls fn with the record each time
// another Store replaces it. fn runs on the watcher goroutine, one record at
// a time.
func (s *Store) OnUpdate(fn func(domain.PersistedSession)) (func(), error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, sessionDirMode); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create session watcher: %w", err)
	}
	// Atomic replacement swaps the inode, so the directory is watched.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch session directory: %w", err)
	}

	s.mu.RLock()
	initial, err := s.readSchema()
	s.mu.RUnlock()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go s.watch(watcher, done, revisionStamp{writer: initial.Writer, revision: initial.Revision}, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}, nil
}

func (s *Store) watch(watcher *fsnotify.Watcher, done <-chan struct{}, last revisionStamp, fn func(domain.PersistedSession)) {
	for {
		select {
		case <-done:
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("session watcher error")
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			record, stamp, changed := s.readForeign(last)
			if !changed {
				continue
			}
			last = stamp

			select {
			case <-done:
				return
			default:
			}
			fn(record)
		}
	}
}

// readForeign loads the record when its stamp differs from last and another
// writer produced it.
func (s *Store) readForeign(last revisionStamp) (domain.PersistedSession, revisionStamp, bool) {
	s.mu.RLock()
	file, err := s.readSchema()
	s.mu.RUnlock()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read updated session file")
		return domain.PersistedSession{}, last, false
	}

	stamp := revisionStamp{writer: file.Writer, revision: file.Revision}
	if stamp == last {
		return domain.PersistedSession{}, last, false
	}
	if file.Writer == s.writer {
		return domain.PersistedSession{}, stamp, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	record, err := s.fromSchema(ctx, file)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load updated session record")
		return domain.PersistedSession{}, last, false
	}

	s.logger.Debug().Str("from", file.Writer).Uint64("revision", file.Revision).Msg("session record updated elsewhere")
	return record, stamp, true
}
