package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pluginhost/pkg/platform"
)

var signingKey = []byte("test-signing-key")

func TestAPIClientTokenRoundTrip(t *testing.T) {
	client, err := NewAPIClient(signingKey, "search", []string{"database.query", "events.publish"}, time.Minute)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.PluginID() != "search" {
		t.Errorf("plugin id = %q", client.PluginID())
	}
	if !client.HasCapability("database.query") {
		t.Error("granted capability missing")
	}
	if client.HasCapability("fs.write") {
		t.Error("ungranted capability reported")
	}

	pluginID, capabilities, err := VerifyToken(signingKey, client.Token())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if pluginID != "search" {
		t.Errorf("subject = %q", pluginID)
	}
	if len(capabilities) != 2 {
		t.Errorf("capabilities = %v", capabilities)
	}
}

func TestVerifyTokenRejectsWrongKey(t *testing.T) {
	client, err := NewAPIClient(signingKey, "search", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := VerifyToken([]byte("other-key"), client.Token()); err == nil {
		t.Fatal("token signed with a different key must not verify")
	}
}

func TestNewAPIClientRequiresKey(t *testing.T) {
	if _, err := NewAPIClient(nil, "search", nil, time.Minute); err == nil {
		t.Fatal("empty signing key must be rejected")
	}
}

func TestSettingsDefaults(t *testing.T) {
	schema := map[string]interface{}{
		"properties": map[string]interface{}{
			"interval_secs": map[string]interface{}{"type": "integer", "default": 15},
			"endpoint":      map[string]interface{}{"type": "string"},
		},
	}
	defaults := settingsDefaults(schema)
	if defaults["interval_secs"] != 15 {
		t.Errorf("interval default = %v", defaults["interval_secs"])
	}
	if _, ok := defaults["endpoint"]; ok {
		t.Error("property without default must not appear")
	}

	flat := map[string]interface{}{
		"theme": map[string]interface{}{"default": "dark"},
	}
	if settingsDefaults(flat)["theme"] != "dark" {
		t.Error("flat schema defaults not extracted")
	}

	if settingsDefaults(nil) != nil {
		t.Error("nil schema should yield nil defaults")
	}
}

func TestMergeSettingsPrecedence(t *testing.T) {
	merged := mergeSettings(
		map[string]interface{}{"a": 1, "b": 1, "c": 1},
		map[string]interface{}{"b": 2, "c": 2},
		map[string]interface{}{"c": 3},
	)
	if merged["a"] != 1 || merged["b"] != 2 || merged["c"] != 3 {
		t.Errorf("merged = %v", merged)
	}
}

type fakeDatabase struct {
	tables  []string
	queries []string
}

func (f *fakeDatabase) ExecContext(ctx context.Context, query string, args ...interface{}) (int64, error) {
	f.queries = append(f.queries, query)
	return 1, nil
}

func (f *fakeDatabase) QueryContext(ctx context.Context, query string, args ...interface{}) ([]platform.Row, error) {
	f.queries = append(f.queries, query)
	return nil, nil
}

func (f *fakeDatabase) ListTables(ctx context.Context) ([]string, error) {
	return f.tables, nil
}

func (f *fakeDatabase) Close() error { return nil }

func TestDatabaseTableNamespacing(t *testing.T) {
	db := NewDatabase("search", &fakeDatabase{}, DefaultDatabasePermissions())
	if got := db.TableName("index"); got != "plugin_search_index" {
		t.Errorf("table name = %q", got)
	}
}

func TestDatabasePermissionGates(t *testing.T) {
	fake := &fakeDatabase{}
	db := NewDatabase("search", fake, DefaultDatabasePermissions())
	ctx := context.Background()

	if err := db.CreateTable(ctx, "index", "id INT"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("create without grant: %v", err)
	}
	if err := db.DropTable(ctx, "index"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("drop without grant: %v", err)
	}

	perms := DefaultDatabasePermissions()
	perms.CanCreateTables = true
	perms.CanDropTables = true
	db = NewDatabase("search", fake, perms)

	if err := db.CreateTable(ctx, "index", "id INT"); err != nil {
		t.Fatalf("create with grant: %v", err)
	}
	last := fake.queries[len(fake.queries)-1]
	if !strings.Contains(last, "plugin_search_index") {
		t.Errorf("create query not namespaced: %q", last)
	}
	if err := db.DropTable(ctx, "index"); err != nil {
		t.Fatalf("drop with grant: %v", err)
	}
}

func TestDatabaseTableLimit(t *testing.T) {
	fake := &fakeDatabase{}
	for i := 0; i < 10; i++ {
		fake.tables = append(fake.tables, "plugin_search_t"+string(rune('0'+i)))
	}
	perms := DefaultDatabasePermissions()
	perms.CanCreateTables = true
	db := NewDatabase("search", fake, perms)

	if err := db.CreateTable(context.Background(), "overflow", "id INT"); err == nil {
		t.Fatal("create beyond the table limit must fail")
	}
}

func TestDatabaseListsOnlyOwnTables(t *testing.T) {
	fake := &fakeDatabase{tables: []string{
		"plugin_search_index",
		"plugin_other_data",
		"host_users",
	}}
	db := NewDatabase("search", fake, DefaultDatabasePermissions())

	tables, err := db.ListTables(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0] != "index" {
		t.Errorf("tables = %v", tables)
	}
}
