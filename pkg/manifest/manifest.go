package manifest

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HostAPIVersion is the plugin API version this host implements.
const HostAPIVersion = "0.1.0"

// FileName is the manifest file every plugin directory must contain.
const FileName = "plugin.yaml"

type Manifest struct {
	Plugin       PluginInfo            `yaml:"plugin"`
	Build        Build                 `yaml:"build"`
	Targets      map[string]Target     `yaml:"targets,omitempty"`
	Dependencies map[string]Dependency `yaml:"dependencies,omitempty"`
	Permissions  []string              `yaml:"permissions,omitempty"`
	Provides     []string              `yaml:"provides,omitempty"`
	Requires     []string              `yaml:"requires,omitempty"`
	Search       *Search               `yaml:"search,omitempty"`

	// Settings holds a JSON-schema shaped description of the plugin's
	// configurable settings, including defaults.
	Settings map[string]interface{} `yaml:"settings,omitempty"`
}

type PluginInfo struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Version            string   `yaml:"version"`
	Description        string   `yaml:"description,omitempty"`
	Author             string   `yaml:"author,omitempty"`
	License            string   `yaml:"license,omitempty"`
	Homepage           string   `yaml:"homepage,omitempty"`
	Repository         string   `yaml:"repository,omitempty"`
	Keywords           []string `yaml:"keywords,omitempty"`
	Categories         []string `yaml:"categories,omitempty"`
	MinimumCoreVersion string   `yaml:"minimum_core_version,omitempty"`
	APIVersion         string   `yaml:"api_version"`
}

type Build struct {
	Entry             string            `yaml:"entry"`
	Sources           []string          `yaml:"sources,omitempty"`
	Features          []string          `yaml:"features,omitempty"`
	HotReload         bool              `yaml:"hot_reload,omitempty"`
	BuildDependencies map[string]string `yaml:"build_dependencies,omitempty"`
}

type Target struct {
	Platform string   `yaml:"platform"`
	Arch     string   `yaml:"arch,omitempty"`
	Features []string `yaml:"features,omitempty"`
}

type Dependency struct {
	Version  string   `yaml:"version"`
	Optional bool     `yaml:"optional,omitempty"`
	Features []string `yaml:"features,omitempty"`
	Platform string   `yaml:"platform,omitempty"`
}

type Search struct {
	Providers     []SearchProvider `yaml:"providers,omitempty"`
	ResultTypes   []string         `yaml:"result_types,omitempty"`
	IndexedFields []string         `yaml:"indexed_fields,omitempty"`
	Filters       []string         `yaml:"filters,omitempty"`
}

type SearchProvider struct {
	ID                   string `yaml:"id"`
	Name                 string `yaml:"name"`
	Description          string `yaml:"description,omitempty"`
	Priority             int    `yaml:"priority,omitempty"`
	SupportsFacets       bool   `yaml:"supports_facets,omitempty"`
	SupportsAutocomplete bool   `yaml:"supports_autocomplete,omitempty"`
}

// Parse decodes a manifest document. Unknown fields are tolerated so newer
// plugins keep parsing on older hosts.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest YAML: %w", err)
	}
	return &m, nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// IsPlatformCompatible reports whether the plugin can run on the given
// platform. A manifest without targets runs anywhere; a target with
// platform "all" matches every platform.
func (m *Manifest) IsPlatformCompatible(platform string) bool {
	if len(m.Targets) == 0 {
		return true
	}
	for _, target := range m.Targets {
		if target.Platform == platform || target.Platform == "all" {
			return true
		}
	}
	return false
}

// Version is a parsed semantic version.
type Version struct {
	Major int
	Minor int
	Patch int
}

func ParseVersion(s string) (Version, error) {
	base := s
	if idx := strings.IndexAny(base, "-+"); idx >= 0 {
		base = base[:idx]
	}
	parts := strings.Split(base, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if len(parts) == 3 {
		if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// CompatibleWith reports whether a plugin built against version v can run
// on a host exposing API version host. Majors must match exactly; the
// plugin's minor must not exceed the host's.
func (v Version) CompatibleWith(host Version) bool {
	if v.Major != host.Major {
		return false
	}
	return v.Minor <= host.Minor
}
