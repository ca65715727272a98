package autopilot

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Sentinel signals when a stop or pause file may have changed. The loop
// still stats the files; notifications only cut waits short.
type Sentinel struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	started bool
}

// NewSentinel watches the parent directories of paths.
func NewSentinel(paths ...string) (*Sentinel, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &Sentinel{
		watcher: w,
		files:   make(map[string]bool, len(paths)),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	dirs := map[string]bool{}
	for _, p := range paths {
		s.files[filepath.Clean(p)] = true
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	return s, nil
}

// Start runs the event loop until ctx ends or Close is called.
func (s *Sentinel) Start(ctx context.Context) {
	s.started = true
	go s.run(ctx)
}

// Wake fires after a watched file is created, written or removed.
func (s *Sentinel) Wake() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.wake
}

// Close stops the event loop and releases the watcher.
func (s *Sentinel) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		if s.started {
			<-s.doneCh
		}
		err = s.watcher.Close()
	})
	return err
}

func (s *Sentinel) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !s.files[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
				continue
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("autopilot sentinel watch error", logging.Error(err))
		}
	}
}
