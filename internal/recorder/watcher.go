package recorder

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// outputWatcher observes the encoder's output file to learn whether any media
// data actually flowed. The final session status depends on it.
type outputWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	seen    atomic.Bool

	closeOnce sync.Once
}

func watchOutput(path string) (*outputWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &outputWatcher{path: path, watcher: fw}
	go w.run()
	return w, nil
}

func (w *outputWatcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) {
				w.seen.Store(true)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// DataSeen reports whether the output file received any writes. A nonempty
// file on disk counts too, in case events were missed.
func (w *outputWatcher) DataSeen() bool {
	if w.seen.Load() {
		return true
	}
	if info, err := os.Stat(w.path); err == nil && info.Size() > 0 {
		w.seen.Store(true)
		return true
	}
	return false
}

func (w *outputWatcher) Close() {
	w.closeOnce.Do(func() {
		w.watcher.Close()
	})
}
