package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"pluginhost/pkg/manifest"
)

// testPlugin is the instance used throughout the package tests.
type testPlugin struct {
	id string

	mu          sync.Mutex
	pctx        *Context
	initialized bool
	started     bool
	stopped     bool

	failInit  bool
	failStart bool
	failStop  bool
}

func (p *testPlugin) Info() Info {
	return Info{ID: p.id, Name: p.id, Version: "1.0.0"}
}

func (p *testPlugin) Init(ctx context.Context, pctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failInit {
		return fmt.Errorf("init refused")
	}
	p.pctx = pctx
	p.initialized = true
	return nil
}

func (p *testPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failStart {
		return fmt.Errorf("start refused")
	}
	p.started = true
	return nil
}

func (p *testPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failStop {
		return fmt.Errorf("stop refused")
	}
	p.stopped = true
	return nil
}

func (p *testPlugin) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *testPlugin) context() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pctx
}

func testFactory(id string) Factory {
	return func() (Plugin, error) {
		return &testPlugin{id: id}, nil
	}
}

func testInstallation(id string) *Installation {
	return &Installation{
		PluginID: id,
		Status:   StatusInstalled,
		Manifest: &manifest.Manifest{
			Plugin: manifest.PluginInfo{
				ID:         id,
				Version:    "1.0.0",
				APIVersion: manifest.HostAPIVersion,
			},
			Build: manifest.Build{Entry: "src/lib.go"},
		},
	}
}

func TestFactoryLoaderLoadUnload(t *testing.T) {
	loader := NewFactoryLoader()
	if err := loader.Register("demo", testFactory("demo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	instance, err := loader.Load(context.Background(), testInstallation("demo"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if instance.Info().ID != "demo" {
		t.Errorf("loaded id = %q", instance.Info().ID)
	}

	if err := loader.Unload("demo"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := loader.Unload("demo"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("second unload: %v", err)
	}
}

func TestFactoryLoaderDuplicateRegistration(t *testing.T) {
	loader := NewFactoryLoader()
	if err := loader.Register("demo", testFactory("demo")); err != nil {
		t.Fatal(err)
	}
	if err := loader.Register("demo", testFactory("demo")); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

func TestFactoryLoaderUnknownPlugin(t *testing.T) {
	loader := NewFactoryLoader()
	_, err := loader.Load(context.Background(), testInstallation("ghost"))
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected ErrPluginNotFound, got %v", err)
	}
}

func TestFactoryLoaderValidate(t *testing.T) {
	loader := NewFactoryLoader()
	loader.Register("demo", testFactory("demo"))

	result := loader.Validate(testInstallation("demo"))
	if !result.Valid {
		t.Fatalf("registered plugin should validate, errors: %v", result.Errors)
	}

	result = loader.Validate(testInstallation("ghost"))
	if result.Valid {
		t.Fatal("unregistered plugin must not validate")
	}
}

func TestFactoryLoaderHotReloadUnsupported(t *testing.T) {
	loader := NewFactoryLoader()
	if loader.SupportsHotReload() {
		t.Fatal("factory loader must not support hot reload")
	}
	err := loader.HotReload(context.Background(), "demo")
	if !errors.Is(err, ErrHotReloadUnsupported) {
		t.Fatalf("expected ErrHotReloadUnsupported, got %v", err)
	}
}

func TestModuleLoaderSemantics(t *testing.T) {
	loader := NewModuleLoader()
	if err := loader.Register("mod", testFactory("mod")); err != nil {
		t.Fatal(err)
	}
	if err := loader.Register("mod", testFactory("mod")); err == nil {
		t.Fatal("duplicate module registration must fail")
	}

	instance, err := loader.Load(context.Background(), testInstallation("mod"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if instance.Info().ID != "mod" {
		t.Errorf("id = %q", instance.Info().ID)
	}

	if loader.SupportsHotReload() {
		t.Error("module loader must not support hot reload")
	}
	if err := loader.HotReload(context.Background(), "mod"); !errors.Is(err, ErrHotReloadUnsupported) {
		t.Errorf("hot reload: %v", err)
	}

	if err := loader.Unload("mod"); err != nil {
		t.Fatalf("unload: %v", err)
	}
}

func TestModuleLoaderValidateWarnsOnMissingArtifact(t *testing.T) {
	loader := NewModuleLoader()
	loader.Register("mod", testFactory("mod"))

	inst := testInstallation("mod")
	inst.Path = t.TempDir()
	result := loader.Validate(inst)
	if !result.Valid {
		t.Fatalf("missing artifact is a warning, not an error: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a missing-artifact warning")
	}
}

func TestDylibLoaderArtifactCandidates(t *testing.T) {
	inst := testInstallation("imgtools")
	inst.Path = "/opt/plugins/imgtools"
	candidates := artifactCandidates(inst)
	if len(candidates) != 2 {
		t.Fatalf("candidates = %v", candidates)
	}
	ext := libraryExtension()
	want0 := "/opt/plugins/imgtools/libimgtools" + ext
	want1 := "/opt/plugins/imgtools/imgtools" + ext
	if candidates[0] != want0 || candidates[1] != want1 {
		t.Errorf("candidates = %v, want [%s %s]", candidates, want0, want1)
	}
}

func TestDylibLoaderMissingArtifact(t *testing.T) {
	loader := NewDylibLoader()
	inst := testInstallation("ghost")
	inst.Path = t.TempDir()
	if _, err := loader.Load(context.Background(), inst); err == nil {
		t.Fatal("load without a library must fail")
	}
	if !loader.SupportsHotReload() {
		t.Error("dylib loader must support hot reload")
	}
	if err := loader.HotReload(context.Background(), "ghost"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("hot reload of unloaded plugin: %v", err)
	}
}

func TestSymbolCandidatesPreferManifestEntry(t *testing.T) {
	inst := testInstallation("demo")
	inst.Manifest.Build.Entry = "Exported"
	names := symbolCandidates(inst)
	if len(names) != 3 || names[0] != "Exported" {
		t.Errorf("candidates = %v", names)
	}

	inst.Manifest.Build.Entry = "src/lib.go"
	names = symbolCandidates(inst)
	if len(names) != 2 || names[0] != "Plugin" || names[1] != "NewPlugin" {
		t.Errorf("path entry must fall back to conventional symbols, got %v", names)
	}
}
