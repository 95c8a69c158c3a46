package workflow

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher republishes definition files as they change on disk, so
// operators can roll a new definition version by editing the YAML without
// restarting the daemon.
type Watcher struct {
	defs *DefinitionStore
	dir  string

	// Writes arrive as bursts of events; coalesce per file.
	settle time.Duration
}

// NewWatcher creates a definitions directory watcher.
func NewWatcher(defs *DefinitionStore, dir string) *Watcher {
	return &Watcher{defs: defs, dir: dir, settle: 500 * time.Millisecond}
}

// Run watches the directory until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	log.Printf("[Watcher] Watching %s for definition changes", w.dir)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Watcher] Error: %v", err)

		case now := <-ticker.C:
			for path, at := range pending {
				if now.Sub(at) < w.settle {
					continue
				}
				delete(pending, path)
				w.republish(ctx, path)
			}
		}
	}
}

func (w *Watcher) republish(ctx context.Context, path string) {
	def, err := LoadDefinitionFromFile(path)
	if err != nil {
		log.Printf("[Watcher] Ignoring %s: %v", filepath.Base(path), err)
		return
	}
	pub, err := w.defs.Publish(ctx, def)
	if err != nil {
		log.Printf("[Watcher] Publish failed for %s: %v", filepath.Base(path), err)
		return
	}
	log.Printf("[Watcher] Republished %s as v%d (%s)", pub.Name, pub.Version, pub.ID)
}
