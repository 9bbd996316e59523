// Package spool turns files dropped into a spool directory into upload_file
// commands. The gate camera writes captures as <visitID>__<name>; the watcher
// waits for the write to settle, enqueues the upload durably and then removes
// the file.
package spool

import (
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/dockflow/gatesync/internal/gatesync"
)

const visitSeparator = "__"

type SubmitFunc func(cmd gatesync.SyncCommand) error

type Logger interface {
	Printf(format string, args ...any)
}

type WatcherOptions struct {
	Dir          string
	SettleDelay  time.Duration
	Submit       SubmitFunc
	Logger       Logger
	NewCommandID func() string
}

type Watcher struct {
	dir          string
	settleDelay  time.Duration
	submit       SubmitFunc
	logger       Logger
	newCommandID func() string

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" || opts.Submit == nil {
		return nil, gatesync.ErrInvalidInput
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	if opts.NewCommandID == nil {
		opts.NewCommandID = uuid.NewString
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	w := &Watcher{
		dir:          dir,
		settleDelay:  opts.SettleDelay,
		submit:       opts.Submit,
		logger:       opts.Logger,
		newCommandID: opts.NewCommandID,
		watcher:      fsWatcher,
		timers:       map[string]*time.Timer{},
		closed:       make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	w.sweepExisting()
	return w, nil
}

// sweepExisting picks up files left behind by a previous process.
func (w *Watcher) sweepExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logf("spool sweep failed: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.scheduleSettle(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.scheduleSettle(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logf("spool watcher error: %v", err)
		}
	}
}

// scheduleSettle debounces per file: every write pushes the ingest out by the
// settle delay so half-written captures are never uploaded.
func (w *Watcher) scheduleSettle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.closed:
		return
	default:
	}
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.settleDelay)
		return
	}
	w.timers[path] = time.AfterFunc(w.settleDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case <-w.closed:
			return
		default:
			w.ingest(path)
		}
	})
}

func (w *Watcher) ingest(path string) {
	name := filepath.Base(path)
	visitID, filename, ok := splitSpoolName(name)
	if !ok {
		w.logf("skipping spool file %s: expected <visitID>%s<name>", name, visitSeparator)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logf("reading spool file %s failed: %v", name, err)
		return
	}
	cmd, err := gatesync.NewCommand(gatesync.CommandUploadFile, visitID, gatesync.UploadFilePayload{
		Filename:    filename,
		ContentType: detectContentType(filename),
		Content:     base64.StdEncoding.EncodeToString(data),
	}, w.newCommandID)
	if err != nil {
		w.logf("building upload command for %s failed: %v", name, err)
		return
	}
	if err := w.submit(cmd); err != nil {
		// Leave the file in place; the next sweep or write retries it.
		w.logf("enqueueing upload for %s failed: %v", name, err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.logf("removing spooled file %s failed: %v", name, err)
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		for _, timer := range w.timers {
			timer.Stop()
		}
		w.timers = map[string]*time.Timer{}
		w.mu.Unlock()
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func splitSpoolName(name string) (visitID, filename string, ok bool) {
	idx := strings.Index(name, visitSeparator)
	if idx <= 0 || idx+len(visitSeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(visitSeparator):], true
}

func detectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}
