// Package spool attaches captured evidence photos to pending records.
//
// Capture providers (camera app, kiosk shell) drop image files named
// <recordID>.jpg into a spool directory. The watcher picks them up,
// debounces rapid writes, attaches the bytes to the matching record and
// nudges the sync scheduler. Processed files are removed from the spool.
package spool

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marcaje/marcaje/internal/store"
)

// DefaultDebounce batches rapid writes to the same file (cameras write
// incrementally) before the file is read.
const DefaultDebounce = 500 * time.Millisecond

// Notifier receives a nudge after evidence is attached. The engine's
// scheduler satisfies it.
type Notifier interface {
	NotifyRecordCreated()
}

// Watcher monitors the spool directory for evidence files.
type Watcher struct {
	store    *store.Store
	dir      string
	notify   Notifier
	debounce time.Duration
	logger   *log.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a watcher over dir. The directory is created if missing.
func New(st *store.Store, dir string, notify Notifier, logger *log.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		store:    st,
		dir:      dir,
		notify:   notify,
		debounce: DefaultDebounce,
		logger:   logger,
		watcher:  fsw,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start processes any files already in the spool, then watches for new
// ones until the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("spool watcher already running")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.dir, err)
	}

	w.drainExisting(ctx)

	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processPending(ctx)

	w.logger.Printf("watching spool: %s", w.dir)
	return nil
}

// Stop halts the watcher and waits for its goroutines.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	_ = w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Printf("cannot read spool directory: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		w.attach(ctx, filepath.Join(w.dir, e.Name()))
	}
}

func (w *Watcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isImage(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string

	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	attached := false
	for _, path := range ready {
		if w.attach(ctx, path) {
			attached = true
		}
	}
	if attached && w.notify != nil {
		w.notify.NotifyRecordCreated()
	}
}

// attach reads an evidence file, stores its bytes on the matching record
// and removes the file. Returns whether evidence was attached.
func (w *Watcher) attach(ctx context.Context, path string) bool {
	recordID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	rec, err := w.store.Get(ctx, recordID)
	if err != nil {
		w.logger.Printf("spool file %s matches no record: %v", filepath.Base(path), err)
		return false
	}
	if rec.PhotoUploaded {
		w.logger.Printf("record %s already has uploaded evidence, ignoring %s",
			recordID, filepath.Base(path))
		_ = os.Remove(path)
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Printf("cannot read spool file %s: %v", path, err)
		return false
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	uri := "file://" + path
	if err := w.store.Update(ctx, recordID, store.Patch{
		PhotoBase64: &encoded,
		PhotoURI:    &uri,
	}); err != nil {
		w.logger.Printf("cannot attach evidence to record %s: %v", recordID, err)
		return false
	}

	if err := os.Remove(path); err != nil {
		w.logger.Printf("cannot remove processed spool file %s: %v", path, err)
	}
	w.logger.Printf("attached evidence to record %s (%d bytes)", recordID, len(data))
	return true
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
