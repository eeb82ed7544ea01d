package watchdog

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Notifier turns native filesystem notifications under the rule roots into
// a coalesced wake-up signal. It only shortens the time until the next Poll;
// debounce and event emission stay with the Watchdog.
type Notifier struct {
	w      *fsnotify.Watcher
	wake   chan struct{}
	skip   map[string]struct{}
	closed chan struct{}
	once   sync.Once
}

// NewNotifier watches every directory below each rule root.
func NewNotifier(rules []Rule) (*Notifier, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	n := &Notifier{
		w:      fw,
		wake:   make(chan struct{}, 1),
		skip:   make(map[string]struct{}),
		closed: make(chan struct{}),
	}
	roots := make(map[string]struct{})
	for _, r := range rules {
		for _, name := range r.ignored() {
			n.skip[name] = struct{}{}
		}
		roots[r.Root] = struct{}{}
	}
	for root := range roots {
		n.addTree(root)
	}
	go n.run()
	return n, nil
}

func (n *Notifier) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if _, ok := n.skip[d.Name()]; ok && path != root {
			return fs.SkipDir
		}
		if err := n.w.Add(path); err != nil {
			slog.Debug("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

func (n *Notifier) run() {
	for {
		select {
		case ev, ok := <-n.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				n.addTree(ev.Name)
			}
			select {
			case n.wake <- struct{}{}:
			default:
			}
		case err, ok := <-n.w.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		case <-n.closed:
			return
		}
	}
}

// C receives a value after filesystem activity. Multiple events coalesce.
func (n *Notifier) C() <-chan struct{} { return n.wake }

func (n *Notifier) Close() error {
	var err error
	n.once.Do(func() {
		close(n.closed)
		err = n.w.Close()
	})
	return err
}
