package bridge

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// Reloader restarts a pool's processes after files under a directory change.
type Reloader struct {
	watcher *fsnotify.Watcher
	pool    *ProcessPool
	log     *zap.Logger

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Watch watches root and its non-hidden subdirectories. Any write, create,
// remove or rename marks every process in pool dead, so each one restarts on
// its next request.
func Watch(root string, pool *ProcessPool, log *zap.Logger) (*Reloader, error) {
	if log == nil {
		log = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	r := &Reloader{
		watcher: w,
		pool:    pool,
		log:     log,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()

	log.Info("hot reload enabled", zap.String("root", root))
	return r, nil
}

func (r *Reloader) run() {
	defer close(r.stopped)

	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if isHidden(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := r.watcher.Add(ev.Name); err != nil {
						r.log.Warn("cannot watch new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			fire = time.After(reloadDebounce)

		case <-fire:
			fire = nil
			r.pool.MarkAllDead()
			r.log.Info("source changed, bridge processes will restart")

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("watch error", zap.Error(err))

		case <-r.done:
			return
		}
	}
}

func (r *Reloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.watcher.Close()
		<-r.stopped
	})
	return err
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
