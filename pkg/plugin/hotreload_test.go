package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeReloadHost struct {
	mu       sync.Mutex
	reloads  []string
	supports bool
}

func (f *fakeReloadHost) ReloadPlugin(ctx context.Context, pluginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads = append(f.reloads, pluginID)
	return nil
}

func (f *fakeReloadHost) SupportsHotReload(pluginID string) bool {
	return f.supports
}

func (f *fakeReloadHost) reloaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reloads...)
}

func newTestReloader(t *testing.T, host *fakeReloadHost) (*HotReloader, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alpha"), 0755); err != nil {
		t.Fatal(err)
	}
	r := NewHotReloader(root, host, nil)
	r.debounce = 50 * time.Millisecond
	r.settle = 10 * time.Millisecond
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, root
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestHotReloadOnManifestChange(t *testing.T) {
	host := &fakeReloadHost{supports: true}
	_, root := newTestReloader(t, host)

	path := filepath.Join(root, "alpha", "plugin.yaml")
	if err := os.WriteFile(path, []byte("plugin:\n  id: alpha\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(host.reloaded()) == 1 }) {
		t.Fatalf("reloads = %v", host.reloaded())
	}
	if host.reloaded()[0] != "alpha" {
		t.Errorf("reloaded plugin = %q", host.reloaded()[0])
	}
}

func TestHotReloadDebouncesBursts(t *testing.T) {
	host := &fakeReloadHost{supports: true}
	_, root := newTestReloader(t, host)

	path := filepath.Join(root, "alpha", "main.go")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("package main\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(host.reloaded()) >= 1 }) {
		t.Fatal("no reload after burst")
	}
	// Give a second reload the chance to fire if debouncing is broken.
	time.Sleep(150 * time.Millisecond)
	if got := len(host.reloaded()); got != 1 {
		t.Errorf("burst produced %d reloads, want 1", got)
	}
}

func TestHotReloadIgnoresUnsupportedLoaders(t *testing.T) {
	host := &fakeReloadHost{supports: false}
	_, root := newTestReloader(t, host)

	path := filepath.Join(root, "alpha", "plugin.yaml")
	if err := os.WriteFile(path, []byte("plugin:\n  id: alpha\n"), 0644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := host.reloaded(); len(got) != 0 {
		t.Errorf("unsupported loader reloaded anyway: %v", got)
	}
}

func TestHotReloadIgnoresIrrelevantFiles(t *testing.T) {
	host := &fakeReloadHost{supports: true}
	_, root := newTestReloader(t, host)

	if err := os.WriteFile(filepath.Join(root, "alpha", "settings.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := host.reloaded(); len(got) != 0 {
		t.Errorf("settings change triggered reload: %v", got)
	}
}

func TestHotReloadPicksUpNewPluginDirs(t *testing.T) {
	host := &fakeReloadHost{supports: true}
	_, root := newTestReloader(t, host)

	dir := filepath.Join(root, "beta")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// Small pause so the watch on the new directory is installed.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte("plugin:\n  id: beta\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		for _, id := range host.reloaded() {
			if id == "beta" {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("new plugin dir not reloaded, got %v", host.reloaded())
	}
}

func TestHotReloadCloseCancelsPending(t *testing.T) {
	host := &fakeReloadHost{supports: true}
	r, root := newTestReloader(t, host)

	if err := os.WriteFile(filepath.Join(root, "alpha", "plugin.yaml"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// Close before the debounce window elapses: nothing may fire after.
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := host.reloaded(); len(got) != 0 {
		t.Errorf("reload fired after close: %v", got)
	}
}

func TestPluginIDForPaths(t *testing.T) {
	r := NewHotReloader("/srv/plugins", &fakeReloadHost{}, nil)
	cases := []struct {
		path string
		id   string
		ok   bool
	}{
		{"/srv/plugins/alpha/plugin.yaml", "alpha", true},
		{"/srv/plugins/alpha/src/main.go", "alpha", true},
		{"/srv/plugins/stray.yaml", "", false},
		{"/elsewhere/alpha/plugin.yaml", "", false},
	}
	for _, tc := range cases {
		id, ok := r.pluginIDFor(tc.path)
		if id != tc.id || ok != tc.ok {
			t.Errorf("pluginIDFor(%q) = %q, %v; want %q, %v", tc.path, id, ok, tc.id, tc.ok)
		}
	}
}

func TestIsReloadTrigger(t *testing.T) {
	triggers := []string{"plugin.yaml", "main.go", "libalpha.so", "mod.wasm"}
	for _, name := range triggers {
		if !isReloadTrigger("/p/alpha/" + name) {
			t.Errorf("%s should trigger a reload", name)
		}
	}
	ignored := []string{"settings.json", "README.md", "data.txt"}
	for _, name := range ignored {
		if isReloadTrigger("/p/alpha/" + name) {
			t.Errorf("%s should not trigger a reload", name)
		}
	}
}
