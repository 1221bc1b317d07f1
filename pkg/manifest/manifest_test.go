package manifest

import (
	"path/filepath"
	"strings"
	"testing"
)

func validManifest() *Manifest {
	return &Manifest{
		Plugin: PluginInfo{
			ID:         "system_monitor",
			Name:       "System Monitor",
			Version:    "1.2.0",
			APIVersion: "0.1.0",
		},
		Build: Build{
			Entry:   "src/lib.go",
			Sources: []string{"src/**/*.go"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	result := validManifest().Validate()
	if !result.Valid {
		t.Fatalf("expected valid manifest, got errors: %v", result.Errors)
	}
	if result.Err() != nil {
		t.Fatalf("Err() should be nil for a valid manifest, got %v", result.Err())
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	m := &Manifest{}
	result := m.Validate()
	if result.Valid {
		t.Fatal("empty manifest must not validate")
	}
	// id, version, api_version and entry are all missing at once.
	if len(result.Errors) < 4 {
		t.Fatalf("expected at least 4 errors, got %d: %v", len(result.Errors), result.Errors)
	}
	if result.Err() == nil {
		t.Fatal("Err() must be non-nil for an invalid manifest")
	}
}

func TestValidateIDCharset(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"system_monitor", true},
		{"notify-v2", true},
		{"ABC123", true},
		{"bad id", false},
		{"bad/id", false},
		{"bad.id", false},
	}
	for _, tc := range cases {
		m := validManifest()
		m.Plugin.ID = tc.id
		result := m.Validate()
		if result.Valid != tc.valid {
			t.Errorf("id %q: valid=%v, want %v (errors: %v)", tc.id, result.Valid, tc.valid, result.Errors)
		}
	}
}

func TestValidateVersionNeedsDigit(t *testing.T) {
	m := validManifest()
	m.Plugin.Version = "latest"
	result := m.Validate()
	if result.Valid {
		t.Fatal("version without a digit must be rejected")
	}
}

func TestAPIVersionCompatibility(t *testing.T) {
	cases := []struct {
		api   string
		valid bool
	}{
		{"0.1.0", true},
		{"0.1.5", true},
		{"0.0.9", true},
		{"0.2.0", false},
		{"1.0.0", false},
		{"not-a-version", false},
	}
	for _, tc := range cases {
		m := validManifest()
		m.Plugin.APIVersion = tc.api
		result := m.Validate()
		if result.Valid != tc.valid {
			t.Errorf("api_version %q: valid=%v, want %v", tc.api, result.Valid, tc.valid)
		}
	}
}

func TestVersionCompatibleWith(t *testing.T) {
	host := Version{Major: 0, Minor: 2}
	if v := (Version{Major: 0, Minor: 1}); !v.CompatibleWith(host) {
		t.Error("0.1 should be compatible with host 0.2")
	}
	if v := (Version{Major: 0, Minor: 3}); v.CompatibleWith(host) {
		t.Error("0.3 should not be compatible with host 0.2")
	}
	if v := (Version{Major: 1, Minor: 0}); v.CompatibleWith(host) {
		t.Error("1.0 should not be compatible with host 0.2")
	}
}

func TestSearchProviderValidation(t *testing.T) {
	m := validManifest()
	m.Search = &Search{
		Providers: []SearchProvider{
			{ID: "files", Name: "File Search"},
			{ID: "", Name: ""},
		},
	}
	result := m.Validate()
	if result.Valid {
		t.Fatal("provider without id and name must be rejected")
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 provider errors, got %v", result.Errors)
	}
}

func TestPlatformCompatibility(t *testing.T) {
	m := validManifest()
	if !m.IsPlatformCompatible("linux") {
		t.Error("manifest without targets must be compatible everywhere")
	}

	m.Targets = map[string]Target{
		"desktop": {Platform: "linux"},
	}
	if !m.IsPlatformCompatible("linux") {
		t.Error("linux target should match linux")
	}
	if m.IsPlatformCompatible("darwin") {
		t.Error("linux-only target must not match darwin")
	}

	m.Targets["any"] = Target{Platform: "all"}
	if !m.IsPlatformCompatible("darwin") {
		t.Error("'all' target must match every platform")
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	m := validManifest()
	m.Permissions = []string{"fs.read"}
	m.Requires = []string{"database.query"}
	m.Dependencies = map[string]Dependency{
		"core-utils": {Version: ">=1.0", Optional: true},
	}
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Plugin.ID != m.Plugin.ID {
		t.Errorf("id = %q, want %q", loaded.Plugin.ID, m.Plugin.ID)
	}
	if len(loaded.Requires) != 1 || loaded.Requires[0] != "database.query" {
		t.Errorf("requires = %v", loaded.Requires)
	}
	dep, ok := loaded.Dependencies["core-utils"]
	if !ok || !dep.Optional {
		t.Errorf("dependency not preserved: %+v", loaded.Dependencies)
	}
}

func TestParseUnknownFieldsTolerated(t *testing.T) {
	data := []byte(strings.TrimSpace(`
plugin:
  id: demo
  version: "0.1.0"
  api_version: "0.1.0"
  future_field: ignored
build:
  entry: src/lib.go
`))
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Plugin.ID != "demo" {
		t.Errorf("id = %q", m.Plugin.ID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope", FileName)); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
