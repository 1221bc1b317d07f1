package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pluginhost/pkg/logging"
)

// reloadHost is the slice of Manager the reloader needs.
type reloadHost interface {
	ReloadPlugin(ctx context.Context, pluginID string) error
	SupportsHotReload(pluginID string) bool
}

// HotReloader watches the plugins root and reloads a plugin when its
// manifest or sources change. Bursts of events for one plugin collapse
// into a single reload; a short settle delay lets writers finish before
// the reload runs.
type HotReloader struct {
	root    string
	host    reloadHost
	logger  logging.Logger
	watcher *fsnotify.Watcher

	debounce time.Duration
	settle   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

func NewHotReloader(root string, host reloadHost, logger logging.Logger) *HotReloader {
	if logger == nil {
		logger = logging.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HotReloader{
		root:     root,
		host:     host,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		settle:   100 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching. Directories under the root are watched
// recursively; new plugin directories are picked up as they appear.
func (r *HotReloader) Start() error {
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return fmt.Errorf("failed to create plugins directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	r.watcher = watcher

	if err := r.watchTree(r.root); err != nil {
		watcher.Close()
		return err
	}

	r.wg.Add(1)
	go r.loop()
	r.logger.Info("hot reload watching", "dir", r.root)
	return nil
}

func (r *HotReloader) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if err := r.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (r *HotReloader) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case evt, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(evt)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("watcher error", "error", err)
		}
	}
}

func (r *HotReloader) handleEvent(evt fsnotify.Event) {
	if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	if evt.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := r.watchTree(evt.Name); err != nil {
				r.logger.Warn("failed to watch new directory", "dir", evt.Name, "error", err)
			}
			return
		}
	}

	if !isReloadTrigger(evt.Name) {
		return
	}
	pluginID, ok := r.pluginIDFor(evt.Name)
	if !ok {
		return
	}
	r.schedule(pluginID)
}

// isReloadTrigger accepts manifest and source/artifact files; everything
// else (settings, caches, editor droppings) is ignored.
func isReloadTrigger(path string) bool {
	base := filepath.Base(path)
	if base == "plugin.yaml" {
		return true
	}
	switch filepath.Ext(base) {
	case ".go", ".so", ".dylib", ".dll", ".wasm":
		return true
	}
	return false
}

// pluginIDFor maps a changed path to the plugin owning it: the first
// directory under the plugins root.
func (r *HotReloader) pluginIDFor(path string) (string, bool) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", false
	}
	return parts[0], true
}

func (r *HotReloader) schedule(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if timer, ok := r.pending[pluginID]; ok {
		timer.Reset(r.debounce)
		return
	}
	r.pending[pluginID] = time.AfterFunc(r.debounce, func() {
		r.fire(pluginID)
	})
}

func (r *HotReloader) fire(pluginID string) {
	r.mu.Lock()
	delete(r.pending, pluginID)
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	select {
	case <-time.After(r.settle):
	case <-r.ctx.Done():
		return
	}

	if !r.host.SupportsHotReload(pluginID) {
		r.logger.Debug("skipping reload, loader does not support it", "plugin", pluginID)
		return
	}

	r.logger.Info("reloading plugin", "plugin", pluginID)
	if err := r.host.ReloadPlugin(r.ctx, pluginID); err != nil {
		r.logger.Error("reload failed", "plugin", pluginID, "error", err)
	}
}

// Close cancels pending and in-flight reloads and waits for them before
// shutting the watcher down.
func (r *HotReloader) Close() error {
	r.cancel()

	r.mu.Lock()
	r.closed = true
	for id, timer := range r.pending {
		timer.Stop()
		delete(r.pending, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
