package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"runtime"
	"strings"
	"sync"

	"pluginhost/pkg/manifest"
)

// DylibLoader loads native shared-library plugins built with the Go plugin
// build mode. The handle and the instance created from it are kept
// together so the instance is always released before the handle record.
type DylibLoader struct {
	mu      sync.Mutex
	handles map[string]*dylibHandle
}

type dylibHandle struct {
	handle       *goplugin.Plugin
	instance     Plugin
	artifactPath string
	installation *Installation
}

func NewDylibLoader() *DylibLoader {
	return &DylibLoader{
		handles: make(map[string]*dylibHandle),
	}
}

// libraryExtension returns the shared-library suffix for the current OS.
func libraryExtension() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// artifactCandidates lists the paths probed for a plugin's library, in
// order: lib<id>.<ext>, then <id>.<ext>.
func artifactCandidates(inst *Installation) []string {
	ext := libraryExtension()
	return []string{
		filepath.Join(inst.Path, "lib"+inst.PluginID+ext),
		filepath.Join(inst.Path, inst.PluginID+ext),
	}
}

func findArtifact(inst *Installation) (string, error) {
	candidates := artifactCandidates(inst)
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no library found for plugin %s (tried %s)",
		inst.PluginID, strings.Join(candidates, ", "))
}

func (l *DylibLoader) Load(ctx context.Context, inst *Installation) (Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.handles[inst.PluginID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, inst.PluginID)
	}

	artifactPath, err := findArtifact(inst)
	if err != nil {
		return nil, err
	}

	handle, err := goplugin.Open(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open library for plugin %s: %w", inst.PluginID, err)
	}

	instance, err := resolveInstance(handle, inst)
	if err != nil {
		return nil, err
	}

	info := instance.Info()
	if info.ID != inst.PluginID {
		return nil, fmt.Errorf("plugin id mismatch: manifest=%s, library=%s", inst.PluginID, info.ID)
	}

	l.handles[inst.PluginID] = &dylibHandle{
		handle:       handle,
		instance:     instance,
		artifactPath: artifactPath,
		installation: inst,
	}
	return instance, nil
}

// resolveInstance looks up the plugin symbol and adapts whatever shape the
// library exports into a Plugin value.
func resolveInstance(handle *goplugin.Plugin, inst *Installation) (Plugin, error) {
	var symbol goplugin.Symbol
	var err error
	for _, name := range symbolCandidates(inst) {
		symbol, err = handle.Lookup(name)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no plugin symbol in library for %s: %w", inst.PluginID, err)
	}

	switch s := symbol.(type) {
	case *Plugin:
		return *s, nil
	case Plugin:
		return s, nil
	case func() Plugin:
		return s(), nil
	case func() (Plugin, error):
		instance, err := s()
		if err != nil {
			return nil, fmt.Errorf("plugin constructor for %s failed: %w", inst.PluginID, err)
		}
		return instance, nil
	default:
		return nil, fmt.Errorf("unexpected plugin symbol type for %s: %T", inst.PluginID, s)
	}
}

// symbolCandidates prefers the manifest entry when it names a bare symbol,
// then the conventional exports.
func symbolCandidates(inst *Installation) []string {
	var names []string
	if inst.Manifest != nil {
		entry := inst.Manifest.Build.Entry
		if entry != "" && !strings.ContainsAny(entry, "/\\.") {
			names = append(names, entry)
		}
	}
	return append(names, "Plugin", "NewPlugin")
}

func (l *DylibLoader) Validate(inst *Installation) manifest.ValidationResult {
	result := validateInstallationManifest(inst)
	if _, err := findArtifact(inst); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
	}
	return result
}

// Unload drops the instance reference first, then the handle record. The
// library mapping itself stays resident; the Go runtime cannot unmap it.
func (l *DylibLoader) Unload(pluginID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, exists := l.handles[pluginID]
	if !exists {
		return notFoundErr(pluginID)
	}
	h.instance = nil
	h.handle = nil
	delete(l.handles, pluginID)
	return nil
}

func (l *DylibLoader) SupportsHotReload() bool { return true }

// HotReload reopens the plugin's library from its installation. The old
// instance is released before the new one is created.
func (l *DylibLoader) HotReload(ctx context.Context, pluginID string) error {
	l.mu.Lock()
	h, exists := l.handles[pluginID]
	l.mu.Unlock()
	if !exists {
		return notFoundErr(pluginID)
	}

	inst := h.installation
	if err := l.Unload(pluginID); err != nil {
		return err
	}
	if _, err := l.Load(ctx, inst); err != nil {
		return fmt.Errorf("hot reload of plugin %s failed: %w", pluginID, err)
	}
	return nil
}
