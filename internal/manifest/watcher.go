package manifest

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a manifest file and delivers the reloaded manifest
// whenever the file changes and still parses. Parse failures are logged
// and skipped; the previously delivered manifest stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	reloads chan *Manifest
	done    chan struct{}
}

// Watch starts watching the manifest file. The parent directory is
// watched rather than the file itself so atomic rename-into-place saves
// are seen.
func Watch(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		watcher: fsw,
		reloads: make(chan *Manifest, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Reloads returns the channel of successfully reloaded manifests.
func (w *Watcher) Reloads() <-chan *Manifest {
	return w.reloads
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors produce several events per save.
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			m, err := Load(w.path)
			if err != nil {
				log.Printf("[manifest] reload skipped: %v", err)
				continue
			}
			select {
			case w.reloads <- m:
			default:
				// Consumer is behind; drop the stale pending reload
				// and queue the fresh one.
				select {
				case <-w.reloads:
				default:
				}
				w.reloads <- m
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Keep watching.
		}
	}
}
