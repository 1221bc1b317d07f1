package plugin

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the runtime's plugins.yaml.
type ManagerConfig struct {
	AutoLoad   bool   `yaml:"auto_load"`
	HotReload  bool   `yaml:"hot_reload"`
	PluginsDir string `yaml:"plugins_dir"`

	// DefaultPlugins are loaded on startup when AutoLoad is on.
	DefaultPlugins []string `yaml:"default_plugins"`

	PluginConfigs map[string]PluginConfig `yaml:"plugin_configs,omitempty"`

	RegistryURL             string `yaml:"registry_url,omitempty"`
	MaxConcurrentOperations int    `yaml:"max_concurrent_operations"`
	LoadingTimeoutSecs      int    `yaml:"loading_timeout_secs"`
	EnableSandboxing        bool   `yaml:"enable_sandboxing"`

	Cache CacheConfig `yaml:"cache_settings"`
}

// PluginConfig is the host-side per-plugin block.
type PluginConfig struct {
	Enabled  *bool                  `yaml:"enabled,omitempty"`
	AutoLoad bool                   `yaml:"auto_load,omitempty"`
	Settings map[string]interface{} `yaml:"settings,omitempty"`
}

type CacheConfig struct {
	EnableMetadataCache  bool   `yaml:"enable_metadata_cache"`
	MetadataCacheTTLSecs int    `yaml:"metadata_cache_ttl_secs"`
	MaxCacheSizeMB       int    `yaml:"max_cache_size_mb"`
	CacheDirectory       string `yaml:"cache_directory"`
}

func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		AutoLoad:                true,
		HotReload:               true,
		PluginsDir:              "plugins",
		DefaultPlugins:          []string{"system_monitor", "notifications"},
		PluginConfigs:           make(map[string]PluginConfig),
		MaxConcurrentOperations: 4,
		LoadingTimeoutSecs:      30,
		EnableSandboxing:        true,
		Cache: CacheConfig{
			EnableMetadataCache:  true,
			MetadataCacheTTLSecs: 3600,
			MaxCacheSizeMB:       100,
			CacheDirectory:       "cache",
		},
	}
}

// LoadManagerConfig reads plugins.yaml, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	cfg := DefaultManagerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config YAML: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ManagerConfig) Validate() error {
	if c.MaxConcurrentOperations < 1 || c.MaxConcurrentOperations > 100 {
		return fmt.Errorf("max_concurrent_operations must be between 1 and 100, got %d",
			c.MaxConcurrentOperations)
	}
	if c.LoadingTimeoutSecs < 0 {
		return fmt.Errorf("loading_timeout_secs must not be negative, got %d", c.LoadingTimeoutSecs)
	}
	if c.PluginsDir == "" {
		return fmt.Errorf("plugins_dir must not be empty")
	}
	if c.Cache.MetadataCacheTTLSecs < 0 {
		return fmt.Errorf("metadata_cache_ttl_secs must not be negative")
	}
	if c.Cache.MaxCacheSizeMB < 0 {
		return fmt.Errorf("max_cache_size_mb must not be negative")
	}
	return nil
}

func (c *ManagerConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// IsPluginEnabled reports whether the host allows the plugin at all. A
// missing block means enabled.
func (c *ManagerConfig) IsPluginEnabled(pluginID string) bool {
	pc, ok := c.PluginConfigs[pluginID]
	if !ok || pc.Enabled == nil {
		return true
	}
	return *pc.Enabled
}

// PluginSettings returns the host override settings for the plugin.
func (c *ManagerConfig) PluginSettings(pluginID string) map[string]interface{} {
	return c.PluginConfigs[pluginID].Settings
}

const envPrefix = "PLUGIND_"

func (c *ManagerConfig) applyEnv() {
	if v, ok := envBool("AUTO_LOAD"); ok {
		c.AutoLoad = v
	}
	if v, ok := envBool("HOT_RELOAD"); ok {
		c.HotReload = v
	}
	if v, ok := envBool("ENABLE_SANDBOXING"); ok {
		c.EnableSandboxing = v
	}
	if v := os.Getenv(envPrefix + "PLUGINS_DIR"); v != "" {
		c.PluginsDir = v
	}
	if v := os.Getenv(envPrefix + "REGISTRY_URL"); v != "" {
		c.RegistryURL = v
	}
	if v, ok := envInt("MAX_CONCURRENT_OPERATIONS"); ok {
		c.MaxConcurrentOperations = v
	}
	if v, ok := envInt("LOADING_TIMEOUT_SECS"); ok {
		c.LoadingTimeoutSecs = v
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
