package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pluginhost/pkg/event"
	"pluginhost/pkg/logging"
	"pluginhost/pkg/platform"
	"pluginhost/pkg/secrets"
)

// Manager is the runtime's front door: it owns the active instance table,
// builds capability-scoped contexts, and drives installations through the
// installation manager.
type Manager struct {
	id     uuid.UUID
	cfg    *ManagerConfig
	logger logging.Logger

	installs *InstallationManager
	factory  *FactoryLoader

	bus      event.Bus
	database platform.DatabaseProvider
	secrets  secrets.Store

	// signingKey signs per-plugin API tokens.
	signingKey []byte
	tokenTTL   time.Duration

	mu       sync.RWMutex
	active   map[string]*activePlugin
	contexts map[string]*Context
}

type activePlugin struct {
	mu        sync.Mutex
	instance  Plugin
	startedAt time.Time
	installed bool
}

// ManagerOption customizes optional manager collaborators.
type ManagerOption func(*Manager)

func WithEventBus(bus event.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

func WithDatabase(db platform.DatabaseProvider) ManagerOption {
	return func(m *Manager) { m.database = db }
}

func WithSecretStore(store secrets.Store) ManagerOption {
	return func(m *Manager) { m.secrets = store }
}

func WithSigningKey(key []byte) ManagerOption {
	return func(m *Manager) { m.signingKey = key }
}

func WithLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(cfg *ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		id:       uuid.New(),
		cfg:      cfg,
		logger:   logging.Nop,
		factory:  NewFactoryLoader(),
		tokenTTL: time.Hour,
		active:   make(map[string]*activePlugin),
		contexts: make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = event.NewMemoryBus()
	}
	if len(m.signingKey) == 0 {
		m.signingKey = []byte(m.id.String())
	}

	var security *SecurityManager
	if cfg.EnableSandboxing {
		security = NewSecurityManager()
	}
	m.installs = NewInstallationManager(cfg.PluginsDir, m.factory, security, m.logger)
	return m, nil
}

func (m *Manager) Config() *ManagerConfig              { return m.cfg }
func (m *Manager) Installations() *InstallationManager { return m.installs }
func (m *Manager) EventBus() event.Bus                 { return m.bus }

// RegisterFactory makes an in-process plugin loadable by id.
func (m *Manager) RegisterFactory(pluginID string, factory Factory) error {
	return m.factory.Register(pluginID, factory)
}

// RegisterModuleFactory makes a sandboxed module runtime available for an
// installed plugin id.
func (m *Manager) RegisterModuleFactory(pluginID string, factory Factory) error {
	return m.installs.RegisterModuleFactory(pluginID, factory)
}

// LoadPlugin brings a plugin up by id. Registered factories are tried
// first; otherwise the id must resolve to an installation, discovering and
// installing on demand. A second load of an active id is rejected.
func (m *Manager) LoadPlugin(ctx context.Context, pluginID string) error {
	m.mu.RLock()
	_, isActive := m.active[pluginID]
	m.mu.RUnlock()
	if isActive {
		return fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, pluginID)
	}

	if !m.cfg.IsPluginEnabled(pluginID) {
		return fmt.Errorf("plugin %s is disabled by host configuration", pluginID)
	}

	if m.cfg.LoadingTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.LoadingTimeoutSecs)*time.Second)
		defer cancel()
	}

	if m.factory.Has(pluginID) {
		return m.loadFromFactory(ctx, pluginID)
	}
	return m.loadFromInstallation(ctx, pluginID)
}

func (m *Manager) loadFromFactory(ctx context.Context, pluginID string) error {
	instance, err := m.factory.New(pluginID)
	if err != nil {
		return err
	}

	pctx, err := m.buildContext(ctx, pluginID, nil)
	if err != nil {
		return err
	}
	if err := m.startInstance(ctx, pluginID, instance, pctx, false); err != nil {
		return err
	}
	m.logger.Info("plugin started", "plugin", pluginID, "source", "factory")
	return nil
}

func (m *Manager) loadFromInstallation(ctx context.Context, pluginID string) error {
	inst, err := m.installs.Get(pluginID)
	if err != nil {
		if derr := m.installs.Discover(ctx); derr != nil {
			return derr
		}
		inst, err = m.installs.Get(pluginID)
		if err != nil {
			return fmt.Errorf("plugin %s not found in factory registry or installations", pluginID)
		}
	}

	if inst.Status == StatusDiscovered {
		if err := m.installs.Install(ctx, pluginID); err != nil {
			return err
		}
		inst, _ = m.installs.Get(pluginID)
	}

	pctx, err := m.buildContext(ctx, pluginID, inst)
	if err != nil {
		m.installs.MarkFailed(pluginID, err)
		return err
	}

	instance, err := m.installs.Load(ctx, pluginID)
	if err != nil {
		return err
	}

	if err := m.startInstance(ctx, pluginID, instance, pctx, true); err != nil {
		m.installs.MarkFailed(pluginID, err)
		return err
	}
	if err := m.installs.MarkRunning(pluginID); err != nil {
		m.logger.Warn("status update failed", "plugin", pluginID, "error", err)
	}
	m.logger.Info("plugin started", "plugin", pluginID, "source", "installation")
	return nil
}

func (m *Manager) startInstance(ctx context.Context, pluginID string, instance Plugin, pctx *Context, installed bool) error {
	if err := instance.Init(ctx, pctx); err != nil {
		return fmt.Errorf("plugin %s init failed: %w", pluginID, err)
	}
	if err := instance.Start(ctx); err != nil {
		return fmt.Errorf("plugin %s start failed: %w", pluginID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[pluginID]; exists {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		instance.Stop(stopCtx)
		return fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, pluginID)
	}
	m.active[pluginID] = &activePlugin{
		instance:  instance,
		startedAt: time.Now(),
		installed: installed,
	}
	m.contexts[pluginID] = pctx
	return nil
}

// buildContext assembles the capability-scoped context. inst is nil for
// factory-only plugins.
func (m *Manager) buildContext(ctx context.Context, pluginID string, inst *Installation) (*Context, error) {
	var requires []string
	var defaults, persisted map[string]interface{}
	if inst != nil && inst.Manifest != nil {
		requires = inst.Manifest.Requires
		defaults = settingsDefaults(inst.Manifest.Settings)
		persisted = inst.Settings
	}
	config := mergeSettings(defaults, persisted, m.cfg.PluginSettings(pluginID))

	if m.secrets != nil {
		if err := secrets.Resolve(ctx, m.secrets, config); err != nil {
			return nil, fmt.Errorf("plugin %s: %w", pluginID, err)
		}
	}

	api, err := NewAPIClient(m.signingKey, pluginID, requires, m.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", pluginID, err)
	}

	fs, err := platform.NewOSFileSystem(filepath.Join(m.cfg.PluginsDir, pluginID))
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", pluginID, err)
	}

	pctx := &Context{
		PluginID: pluginID,
		Config:   config,
		API:      api,
		Events:   m.bus,
		FS:       fs,
		Logger:   m.logger,
	}

	if m.database != nil && api.HasCapability("database.query") {
		pctx.DB = NewDatabase(pluginID, m.database, DefaultDatabasePermissions())
	}
	return pctx, nil
}

// ReloadPlugin stops an active plugin and loads it again from its
// installation.
func (m *Manager) ReloadPlugin(ctx context.Context, pluginID string) error {
	if m.IsPluginLoaded(pluginID) {
		if err := m.StopPlugin(ctx, pluginID); err != nil {
			return fmt.Errorf("reload of plugin %s: %w", pluginID, err)
		}
	}
	return m.LoadPlugin(ctx, pluginID)
}

// SupportsHotReload reports whether the plugin's backing loader can reload
// it. Factory-only plugins cannot.
func (m *Manager) SupportsHotReload(pluginID string) bool {
	return m.installs.SupportsHotReload(pluginID)
}

// StopPlugin stops a running plugin and drops it from the active table.
func (m *Manager) StopPlugin(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	active, ok := m.active[pluginID]
	if !ok {
		m.mu.Unlock()
		return notFoundErr(pluginID)
	}
	delete(m.active, pluginID)
	delete(m.contexts, pluginID)
	m.mu.Unlock()

	active.mu.Lock()
	defer active.mu.Unlock()

	if active.installed {
		if err := m.installs.MarkStopping(pluginID); err != nil {
			m.logger.Warn("status update failed", "plugin", pluginID, "error", err)
		}
	}
	stopErr := active.instance.Stop(ctx)
	if active.installed {
		if err := m.installs.MarkStopped(pluginID); err != nil {
			m.logger.Warn("status update failed", "plugin", pluginID, "error", err)
		}
	}
	if stopErr != nil {
		return fmt.Errorf("plugin %s stop failed: %w", pluginID, stopErr)
	}
	m.logger.Info("plugin stopped", "plugin", pluginID)
	return nil
}

// StopAll stops every active plugin. Individual failures are logged and do
// not stop the sweep.
func (m *Manager) StopAll(ctx context.Context) {
	for _, pluginID := range m.ActivePlugins() {
		if err := m.StopPlugin(ctx, pluginID); err != nil {
			m.logger.Error("failed to stop plugin", "plugin", pluginID, "error", err)
		}
	}
}

// UninstallPlugin stops the plugin if needed and removes its installation
// record.
func (m *Manager) UninstallPlugin(ctx context.Context, pluginID string) error {
	if m.IsPluginLoaded(pluginID) {
		if err := m.StopPlugin(ctx, pluginID); err != nil {
			m.logger.Warn("stop before uninstall failed", "plugin", pluginID, "error", err)
		}
	}
	return m.installs.Uninstall(ctx, pluginID)
}

// AutoLoadPlugins discovers installations and loads the startup set: the
// configured default plugins plus any installation opted in through its
// host config block. Load failures are logged and the batch continues.
func (m *Manager) AutoLoadPlugins(ctx context.Context) error {
	if !m.cfg.AutoLoad {
		return nil
	}
	if err := m.installs.Discover(ctx); err != nil {
		return err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, id := range m.cfg.DefaultPlugins {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, inst := range m.installs.List() {
		if inst.Status != StatusDiscovered && inst.Status != StatusInstalled && inst.Status != StatusStopped {
			continue
		}
		if m.cfg.PluginConfigs[inst.PluginID].AutoLoad && !seen[inst.PluginID] {
			seen[inst.PluginID] = true
			ids = append(ids, inst.PluginID)
		}
	}

	sem := make(chan struct{}, m.cfg.MaxConcurrentOperations)
	var wg sync.WaitGroup
	for _, pluginID := range ids {
		if !m.cfg.IsPluginEnabled(pluginID) {
			m.logger.Debug("skipping disabled plugin", "plugin", pluginID)
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := m.LoadPlugin(ctx, id); err != nil {
				m.logger.Error("auto-load failed", "plugin", id, "error", err)
			}
		}(pluginID)
	}
	wg.Wait()
	return nil
}

func (m *Manager) IsPluginLoaded(pluginID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[pluginID]
	return ok
}

// ActivePlugins lists the ids of every running plugin.
func (m *Manager) ActivePlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// PluginContext returns the context handed to an active plugin.
func (m *Manager) PluginContext(pluginID string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pctx, ok := m.contexts[pluginID]
	if !ok {
		return nil, notFoundErr(pluginID)
	}
	return pctx, nil
}

// Stats is a point-in-time summary of the runtime.
type Stats struct {
	ManagerID     string
	ActivePlugins int
	Installations map[Status]int
	Uptime        map[string]time.Duration
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	uptime := make(map[string]time.Duration, len(m.active))
	for id, active := range m.active {
		uptime[id] = time.Since(active.startedAt)
	}
	count := len(m.active)
	m.mu.RUnlock()

	return Stats{
		ManagerID:     m.id.String(),
		ActivePlugins: count,
		Installations: m.installs.CountByStatus(),
		Uptime:        uptime,
	}
}
