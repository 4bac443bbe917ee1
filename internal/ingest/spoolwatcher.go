// Package ingest provides the spool-directory ingress: workflow runners
// that cannot hold a socket open drop single-event JSON files into a spool
// directory, and the watcher feeds them into the broadcast hub.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

// Broadcaster is the hub surface the watcher needs.
type Broadcaster interface {
	Broadcast(message []byte)
}

// SpoolWatcher monitors a directory for dropped event files.
type SpoolWatcher struct {
	dir      string
	hub      Broadcaster
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// Debounce state
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewSpoolWatcher creates a watcher over dir, creating it if needed.
func NewSpoolWatcher(dir string, hub Broadcaster) (*SpoolWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &SpoolWatcher{
		dir:      dir,
		hub:      hub,
		watcher:  watcher,
		debounce: 200 * time.Millisecond, // Writers may not be atomic
		pending:  make(map[string]struct{}),
	}, nil
}

// Start begins watching. Files already present in the spool are ingested
// immediately.
func (sw *SpoolWatcher) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	sw.ingestExisting()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sw.watcher.Events:
				if !ok {
					return
				}
				sw.handleEvent(event)
			case err, ok := <-sw.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("spool: watch error: %v", err)
			}
		}
	}()
}

// Stop halts the watcher.
func (sw *SpoolWatcher) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.watcher.Close()

	sw.mu.Lock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.mu.Unlock()
}

func (sw *SpoolWatcher) ingestExisting() {
	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		log.Printf("spool: cannot list %s: %v", sw.dir, err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			sw.ingestFile(filepath.Join(sw.dir, entry.Name()))
		}
	}
}

func (sw *SpoolWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pending[event.Name] = struct{}{}
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.flushPending)
}

func (sw *SpoolWatcher) flushPending() {
	sw.mu.Lock()
	paths := make([]string, 0, len(sw.pending))
	for path := range sw.pending {
		paths = append(paths, path)
	}
	sw.pending = make(map[string]struct{})
	sw.mu.Unlock()

	for _, path := range paths {
		sw.ingestFile(path)
	}
}

// ingestFile reads one spooled envelope and broadcasts it. Malformed files
// are renamed aside so they are never re-read in a loop.
func (sw *SpoolWatcher) ingestFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("spool: reading %s: %v", path, err)
		}
		return
	}

	var env relayprotocol.EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		sw.reject(path, err)
		return
	}
	if !relayprotocol.KnownType(env.Type) {
		sw.reject(path, nil)
		return
	}

	message, err := json.Marshal(env)
	if err != nil {
		sw.reject(path, err)
		return
	}

	sw.hub.Broadcast(message)
	if err := os.Remove(path); err != nil {
		log.Printf("spool: removing %s: %v", path, err)
	}
}

func (sw *SpoolWatcher) reject(path string, cause error) {
	log.Printf("spool: rejecting %s: %v", path, cause)
	if err := os.Rename(path, path+".rejected"); err != nil {
		log.Printf("spool: renaming %s: %v", path, err)
	}
}
