package lease

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/litehalt/internal/lockfile"
)

// watchLockFile force-releases the lease when the lock file is removed,
// renamed or recreated while held. A lock on an unlinked file no longer
// excludes processes that open the path afresh.
func (t *Token) watchLockFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lease: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.lockPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("lease: watch %s: %w", filepath.Dir(t.lockPath), err)
	}
	stop := make(chan struct{})
	var once sync.Once
	closeWatch := func() {
		once.Do(func() {
			close(stop)
			watcher.Close()
		})
	}
	if !t.addStop(closeWatch) {
		closeWatch()
		return nil
	}
	go t.runWatch(watcher, stop)
	return nil
}

func (t *Token) runWatch(watcher *fsnotify.Watcher, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != t.lockPath {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				t.m.logger.Warn("lease.watch.lock_file_changed", "lock", t.lockPath, "op", ev.Op.String())
				go t.force(fmt.Errorf("%w: %s %s", lockfile.ErrLockFileReplaced, ev.Op, t.lockPath), reasonReplaced)
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.m.logger.Debug("lease.watch.error", "lock", t.lockPath, "error", err)
		}
	}
}
