package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pluginhost/pkg/manifest"
)

// Loader turns an installation into a live plugin instance. Implementations
// differ in where the code comes from; the lifecycle around them is the
// installation manager's job.
type Loader interface {
	Load(ctx context.Context, inst *Installation) (Plugin, error)
	Validate(inst *Installation) manifest.ValidationResult
	Unload(pluginID string) error
	SupportsHotReload() bool
	HotReload(ctx context.Context, pluginID string) error
}

// FactoryLoader serves plugins registered in-process as constructor
// functions. It is the fast path for built-ins and cannot hot reload.
type FactoryLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]Plugin
}

func NewFactoryLoader() *FactoryLoader {
	return &FactoryLoader{
		factories: make(map[string]Factory),
		loaded:    make(map[string]Plugin),
	}
}

func (l *FactoryLoader) Register(pluginID string, factory Factory) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.factories[pluginID]; exists {
		return fmt.Errorf("factory already registered: %s", pluginID)
	}
	l.factories[pluginID] = factory
	return nil
}

func (l *FactoryLoader) Has(pluginID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.factories[pluginID]
	return ok
}

func (l *FactoryLoader) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.factories))
	for id := range l.factories {
		ids = append(ids, id)
	}
	return ids
}

// New constructs an instance straight from the registry, without an
// installation backing it.
func (l *FactoryLoader) New(pluginID string) (Plugin, error) {
	l.mu.RLock()
	factory, ok := l.factories[pluginID]
	l.mu.RUnlock()
	if !ok {
		return nil, notFoundErr(pluginID)
	}
	instance, err := factory()
	if err != nil {
		return nil, fmt.Errorf("factory for plugin %s failed: %w", pluginID, err)
	}
	return instance, nil
}

func (l *FactoryLoader) Load(ctx context.Context, inst *Installation) (Plugin, error) {
	instance, err := l.New(inst.PluginID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.loaded[inst.PluginID] = instance
	l.mu.Unlock()
	return instance, nil
}

func (l *FactoryLoader) Validate(inst *Installation) manifest.ValidationResult {
	result := validateInstallationManifest(inst)
	if !l.Has(inst.PluginID) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("no factory registered for plugin %s", inst.PluginID))
		result.Valid = false
	}
	return result
}

func (l *FactoryLoader) Unload(pluginID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[pluginID]; !ok {
		return notFoundErr(pluginID)
	}
	delete(l.loaded, pluginID)
	return nil
}

func (l *FactoryLoader) SupportsHotReload() bool { return false }

func (l *FactoryLoader) HotReload(ctx context.Context, pluginID string) error {
	return fmt.Errorf("%w: factory plugin %s", ErrHotReloadUnsupported, pluginID)
}

// ModuleLoader serves sandboxed module artifacts. Execution goes through
// registered module factories; the artifact on disk is validated but never
// mapped into the host process.
type ModuleLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[string]Plugin
}

func NewModuleLoader() *ModuleLoader {
	return &ModuleLoader{
		factories: make(map[string]Factory),
		loaded:    make(map[string]Plugin),
	}
}

func (l *ModuleLoader) Register(pluginID string, factory Factory) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.factories[pluginID]; exists {
		return fmt.Errorf("module factory already registered: %s", pluginID)
	}
	l.factories[pluginID] = factory
	return nil
}

func (l *ModuleLoader) Load(ctx context.Context, inst *Installation) (Plugin, error) {
	l.mu.RLock()
	factory, ok := l.factories[inst.PluginID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no module runtime for plugin %s", ErrPluginNotFound, inst.PluginID)
	}
	instance, err := factory()
	if err != nil {
		return nil, fmt.Errorf("module factory for plugin %s failed: %w", inst.PluginID, err)
	}
	l.mu.Lock()
	l.loaded[inst.PluginID] = instance
	l.mu.Unlock()
	return instance, nil
}

func (l *ModuleLoader) Validate(inst *Installation) manifest.ValidationResult {
	result := validateInstallationManifest(inst)
	if inst.Manifest != nil && inst.Manifest.Build.Entry != "" {
		entry := filepath.Join(inst.Path, filepath.FromSlash(inst.Manifest.Build.Entry))
		if _, err := os.Stat(entry); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("module artifact %s not found", inst.Manifest.Build.Entry))
		}
	}
	return result
}

func (l *ModuleLoader) Unload(pluginID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[pluginID]; !ok {
		return notFoundErr(pluginID)
	}
	delete(l.loaded, pluginID)
	return nil
}

func (l *ModuleLoader) SupportsHotReload() bool { return false }

func (l *ModuleLoader) HotReload(ctx context.Context, pluginID string) error {
	return fmt.Errorf("%w: module plugin %s", ErrHotReloadUnsupported, pluginID)
}

func validateInstallationManifest(inst *Installation) manifest.ValidationResult {
	if inst.Manifest == nil {
		return manifest.ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("installation %s has no manifest", inst.PluginID)},
		}
	}
	return inst.Manifest.Validate()
}
