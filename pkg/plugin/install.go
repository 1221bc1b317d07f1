package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"pluginhost/pkg/logging"
	"pluginhost/pkg/manifest"
)

const settingsFileName = "settings.json"

// Installation is the host's record of one plugin on disk.
type Installation struct {
	ID           uuid.UUID
	PluginID     string
	Version      string
	Path         string
	Status       Status
	Manifest     *manifest.Manifest
	InstalledAt  time.Time
	LastLoadedAt *time.Time
	ErrorMessage string
	Settings     map[string]interface{}
}

// InstallationManager tracks every plugin found under the plugins root and
// drives each through its lifecycle. Loading is delegated to the loader
// matching the installation's build entry.
type InstallationManager struct {
	mu            sync.Mutex
	root          string
	platform      string
	installations map[string]*Installation

	factory *FactoryLoader
	dylib   *DylibLoader
	module  *ModuleLoader

	security *SecurityManager
	logger   logging.Logger
}

func NewInstallationManager(root string, factory *FactoryLoader, security *SecurityManager, logger logging.Logger) *InstallationManager {
	if factory == nil {
		factory = NewFactoryLoader()
	}
	if logger == nil {
		logger = logging.Nop
	}
	return &InstallationManager{
		root:          root,
		platform:      runtime.GOOS,
		installations: make(map[string]*Installation),
		factory:       factory,
		dylib:         NewDylibLoader(),
		module:        NewModuleLoader(),
		security:      security,
		logger:        logger,
	}
}

// RegisterModuleFactory registers the runtime for a sandboxed module
// plugin with the module loader.
func (im *InstallationManager) RegisterModuleFactory(pluginID string, factory Factory) error {
	return im.module.Register(pluginID, factory)
}

// Discover scans the plugins root for directories carrying a manifest,
// creating the root if it does not exist yet. Invalid or
// platform-incompatible plugins are recorded as Failed with the reason; one
// bad plugin never aborts the scan.
func (im *InstallationManager) Discover(ctx context.Context) error {
	if err := os.MkdirAll(im.root, 0755); err != nil {
		return fmt.Errorf("failed to create plugins directory: %w", err)
	}
	entries, err := os.ReadDir(im.root)
	if err != nil {
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(im.root, entry.Name())
		manifestPath := filepath.Join(dir, manifest.FileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		im.discoverOne(dir, manifestPath, entry.Name())
	}
	return nil
}

func (im *InstallationManager) discoverOne(dir, manifestPath, dirName string) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		im.recordFailure(dirName, dir, nil, err.Error())
		return
	}

	pluginID := m.Plugin.ID
	if pluginID == "" {
		pluginID = dirName
	}

	if existing, ok := im.installations[pluginID]; ok {
		switch existing.Status {
		case StatusLoading, StatusLoaded, StatusRunning, StatusStopping:
			return
		}
	}

	result := m.Validate()
	if !result.Valid {
		im.recordFailure(pluginID, dir, m, result.Err().Error())
		im.logger.Warn("plugin failed validation", "plugin", pluginID, "errors", result.Errors)
		return
	}
	for _, warning := range result.Warnings {
		im.logger.Warn("manifest warning", "plugin", pluginID, "warning", warning)
	}

	if !m.IsPlatformCompatible(im.platform) {
		im.recordFailure(pluginID, dir, m,
			fmt.Sprintf("plugin %s does not support platform %s", pluginID, im.platform))
		return
	}

	im.installations[pluginID] = &Installation{
		ID:       uuid.New(),
		PluginID: pluginID,
		Version:  m.Plugin.Version,
		Path:     dir,
		Status:   StatusDiscovered,
		Manifest: m,
	}
	im.logger.Info("plugin discovered", "plugin", pluginID, "version", m.Plugin.Version)
}

func (im *InstallationManager) recordFailure(pluginID, dir string, m *manifest.Manifest, message string) {
	im.installations[pluginID] = &Installation{
		ID:           uuid.New(),
		PluginID:     pluginID,
		Path:         dir,
		Status:       StatusFailed,
		Manifest:     m,
		ErrorMessage: message,
	}
}

// Install moves a discovered plugin to Installed and seeds its persisted
// settings with the manifest defaults.
func (im *InstallationManager) Install(ctx context.Context, pluginID string) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	inst, ok := im.installations[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	if err := im.transition(inst, StatusInstalling); err != nil {
		return err
	}

	defaults := settingsDefaults(inst.Manifest.Settings)
	persisted, err := im.readSettings(inst)
	if err != nil {
		im.logger.Warn("failed to read persisted settings", "plugin", pluginID, "error", err)
	}
	inst.Settings = mergeSettings(defaults, persisted)
	if err := im.writeSettings(inst); err != nil {
		return im.fail(inst, fmt.Errorf("failed to persist settings for plugin %s: %w", pluginID, err))
	}

	if err := im.transition(inst, StatusInstalled); err != nil {
		return err
	}
	inst.InstalledAt = time.Now()
	im.logger.Info("plugin installed", "plugin", pluginID)
	return nil
}

// Load brings an installed (or stopped) plugin to Loaded and returns the
// instance. Failures land the installation in Failed with the message
// recorded.
func (im *InstallationManager) Load(ctx context.Context, pluginID string) (Plugin, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	inst, ok := im.installations[pluginID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	if err := im.transition(inst, StatusLoading); err != nil {
		return nil, err
	}

	if im.security != nil {
		if err := im.security.CheckInstallation(inst); err != nil {
			return nil, im.fail(inst, err)
		}
	}

	loader := im.loaderFor(inst)

	result := loader.Validate(inst)
	for _, warning := range result.Warnings {
		im.logger.Warn("validation warning", "plugin", pluginID, "warning", warning)
	}
	if !result.Valid {
		return nil, im.fail(inst, fmt.Errorf("plugin %s failed validation: %w", pluginID, result.Err()))
	}

	instance, err := loader.Load(ctx, inst)
	if err != nil {
		return nil, im.fail(inst, fmt.Errorf("failed to load plugin %s: %w", pluginID, err))
	}

	if err := im.transition(inst, StatusLoaded); err != nil {
		return nil, err
	}
	now := time.Now()
	inst.LastLoadedAt = &now
	inst.ErrorMessage = ""
	im.logger.Info("plugin loaded", "plugin", pluginID)
	return instance, nil
}

// loaderFor selects the loader variant: factory when the id is registered
// in-process, the native loader when the entry names a shared library, and
// the module loader otherwise.
func (im *InstallationManager) loaderFor(inst *Installation) Loader {
	if im.factory.Has(inst.PluginID) {
		return im.factory
	}
	entry := ""
	if inst.Manifest != nil {
		entry = inst.Manifest.Build.Entry
	}
	switch {
	case strings.HasSuffix(entry, ".so"), strings.HasSuffix(entry, ".dylib"), strings.HasSuffix(entry, ".dll"):
		return im.dylib
	default:
		if _, err := findArtifact(inst); err == nil {
			return im.dylib
		}
		return im.module
	}
}

// MarkStopping, MarkStopped and MarkRunning move an installation along the
// lifecycle after the caller has acted on the instance.
func (im *InstallationManager) MarkRunning(pluginID string) error {
	return im.setStatus(pluginID, StatusRunning)
}

func (im *InstallationManager) MarkStopping(pluginID string) error {
	return im.setStatus(pluginID, StatusStopping)
}

func (im *InstallationManager) MarkStopped(pluginID string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	inst, ok := im.installations[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	if err := im.transition(inst, StatusStopped); err != nil {
		return err
	}
	if err := im.loaderFor(inst).Unload(pluginID); err != nil {
		im.logger.Debug("loader unload", "plugin", pluginID, "error", err)
	}
	return nil
}

// MarkFailed records the error and parks the installation in Failed.
func (im *InstallationManager) MarkFailed(pluginID string, cause error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if inst, ok := im.installations[pluginID]; ok {
		im.fail(inst, cause)
	}
}

// Uninstall removes the installation record and its files on disk. The
// record is dropped even when removing the directory fails, so a partial
// removal surfaces as an error without leaving a stale registry entry.
func (im *InstallationManager) Uninstall(ctx context.Context, pluginID string) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	inst, ok := im.installations[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	if err := im.transition(inst, StatusUninstalling); err != nil {
		return err
	}

	loader := im.loaderFor(inst)
	if err := loader.Unload(pluginID); err != nil {
		im.logger.Debug("loader unload during uninstall", "plugin", pluginID, "error", err)
	}
	delete(im.installations, pluginID)

	if err := os.RemoveAll(inst.Path); err != nil {
		return fmt.Errorf("failed to remove files for plugin %s: %w", pluginID, err)
	}
	im.logger.Info("plugin uninstalled", "plugin", pluginID)
	return nil
}

func (im *InstallationManager) Get(pluginID string) (*Installation, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	inst, ok := im.installations[pluginID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	return inst, nil
}

func (im *InstallationManager) List() []*Installation {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]*Installation, 0, len(im.installations))
	for _, inst := range im.installations {
		out = append(out, inst)
	}
	return out
}

// CountByStatus summarizes the registry for stats reporting.
func (im *InstallationManager) CountByStatus() map[Status]int {
	im.mu.Lock()
	defer im.mu.Unlock()
	counts := make(map[Status]int)
	for _, inst := range im.installations {
		counts[inst.Status]++
	}
	return counts
}

// SupportsHotReload reports whether the installation's loader can reload
// the plugin in place.
func (im *InstallationManager) SupportsHotReload(pluginID string) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	inst, ok := im.installations[pluginID]
	if !ok {
		return false
	}
	return im.loaderFor(inst).SupportsHotReload()
}

// SaveSettings merges and persists user settings for the plugin.
func (im *InstallationManager) SaveSettings(pluginID string, settings map[string]interface{}) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	inst, ok := im.installations[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	inst.Settings = mergeSettings(inst.Settings, settings)
	return im.writeSettings(inst)
}

func (im *InstallationManager) setStatus(pluginID string, next Status) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	inst, ok := im.installations[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstallationNotFound, pluginID)
	}
	return im.transition(inst, next)
}

func (im *InstallationManager) transition(inst *Installation, next Status) error {
	if !inst.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: plugin %s cannot move %s -> %s",
			ErrInvalidTransition, inst.PluginID, inst.Status, next)
	}
	inst.Status = next
	return nil
}

func (im *InstallationManager) fail(inst *Installation, cause error) error {
	inst.Status = StatusFailed
	inst.ErrorMessage = cause.Error()
	im.logger.Error("plugin failed", "plugin", inst.PluginID, "error", cause)
	return cause
}

func (im *InstallationManager) readSettings(inst *Installation) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(inst.Path, settingsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("corrupt settings file: %w", err)
	}
	return settings, nil
}

func (im *InstallationManager) writeSettings(inst *Installation) error {
	if inst.Settings == nil {
		inst.Settings = make(map[string]interface{})
	}
	data, err := json.MarshalIndent(inst.Settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(inst.Path, settingsFileName), data, 0644)
}

// ValidateAll runs loader validation over every tracked installation and
// returns the accumulated failures.
func (im *InstallationManager) ValidateAll() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	var merr *multierror.Error
	for id, inst := range im.installations {
		result := im.loaderFor(inst).Validate(inst)
		if !result.Valid {
			merr = multierror.Append(merr, fmt.Errorf("plugin %s: %w", id, result.Err()))
		}
	}
	return merr.ErrorOrNil()
}
