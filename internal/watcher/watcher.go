// Package watcher keeps concurrently running processes of the same user in
// agreement about the session. It watches the session file with fsnotify and
// re-runs the optimistic restore when another process writes or removes it.
// Convergence is eventually consistent; no lock spans processes.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	// replaceCheckDelay lets an atomic replace (rename) settle before a
	// Remove event is believed to be a real deletion.
	replaceCheckDelay = 50 * time.Millisecond
	// changeDebounce coalesces the event bursts some platforms emit for a
	// single write.
	changeDebounce = 100 * time.Millisecond
)

// Watcher observes one session file and notifies the owner of changes made by
// other contexts.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	// onChange re-runs the optimistic restore; onRemove retracts.
	onChange func()
	onRemove func()

	mu          sync.Mutex
	lastHash    string
	changeTimer *time.Timer
}

// New creates a watcher for the given session file path. The parent directory
// is watched rather than the file itself so atomic replaces and re-creations
// keep being observed.
func New(path string, onChange, onRemove func()) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("watcher: session file path is empty")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  fsWatcher,
		onChange: onChange,
		onRemove: onRemove,
	}, nil
}

// Start begins watching and processes events until the context is done.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("watcher: create session dir failed: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("failed to watch session directory %s: %v", dir, err)
		return err
	}
	log.Debugf("watching session file: %s", w.path)

	w.mu.Lock()
	w.lastHash = w.hashFile()
	w.mu.Unlock()

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases its resources.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.changeTimer != nil {
		w.changeTimer.Stop()
		w.changeTimer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("session file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		// Ignore temp files and other noise in the directory.
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// An atomic replace may surface as Rename/Remove before the new file
		// is visible. Wait briefly; if the path is back, treat as a change.
		time.Sleep(replaceCheckDelay)
		if _, err := os.Stat(w.path); err == nil {
			w.scheduleChange()
			return
		}
		log.Debugf("session file removed: %s", filepath.Base(w.path))
		w.mu.Lock()
		w.lastHash = ""
		w.mu.Unlock()
		if w.onRemove != nil {
			w.onRemove()
		}
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		w.scheduleChange()
	}
}

// scheduleChange debounces write bursts, then fires onChange if the content
// actually differs from what was last observed.
func (w *Watcher) scheduleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.changeTimer != nil {
		w.changeTimer.Stop()
	}
	w.changeTimer = time.AfterFunc(changeDebounce, w.fireChange)
}

func (w *Watcher) fireChange() {
	hash := w.hashFile()

	w.mu.Lock()
	unchanged := hash != "" && hash == w.lastHash
	w.lastHash = hash
	w.mu.Unlock()

	if unchanged {
		log.Debugf("session file unchanged (hash match), skipping resync")
		return
	}
	log.Debugf("session file changed: %s", filepath.Base(w.path))
	if w.onChange != nil {
		w.onChange()
	}
}

func (w *Watcher) hashFile() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
