package plugin

import (
	"context"
	"fmt"
	"strings"

	"pluginhost/pkg/platform"
)

// DatabasePermissions bound what a plugin may do with its database handle.
type DatabasePermissions struct {
	CanCreateTables bool
	CanDropTables   bool
	CanModifySchema bool
	MaxTableCount   int
	MaxStorageSize  int64
}

// DefaultDatabasePermissions is the grant every plugin gets unless the
// host overrides it: query-only, capped at 10 tables and 100 MB.
func DefaultDatabasePermissions() DatabasePermissions {
	return DatabasePermissions{
		CanCreateTables: false,
		CanDropTables:   false,
		CanModifySchema: false,
		MaxTableCount:   10,
		MaxStorageSize:  100 * 1024 * 1024,
	}
}

// Database is a plugin's scoped view of the host database. All tables the
// plugin touches carry the "plugin_<id>_" prefix; schema operations are
// gated by the permission grant.
type Database struct {
	pluginID    string
	provider    platform.DatabaseProvider
	permissions DatabasePermissions
}

func NewDatabase(pluginID string, provider platform.DatabaseProvider, permissions DatabasePermissions) *Database {
	return &Database{
		pluginID:    pluginID,
		provider:    provider,
		permissions: permissions,
	}
}

// TableName maps a plugin-local table name to its namespaced name.
func (d *Database) TableName(name string) string {
	return fmt.Sprintf("plugin_%s_%s", d.pluginID, name)
}

func (d *Database) Permissions() DatabasePermissions {
	return d.permissions
}

func (d *Database) CreateTable(ctx context.Context, name, schema string) error {
	if !d.permissions.CanCreateTables {
		return fmt.Errorf("%w: plugin %s may not create tables", ErrPermissionDenied, d.pluginID)
	}
	tables, err := d.listOwnTables(ctx)
	if err != nil {
		return err
	}
	if len(tables) >= d.permissions.MaxTableCount {
		return fmt.Errorf("plugin %s reached its table limit (%d)", d.pluginID, d.permissions.MaxTableCount)
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.TableName(name), schema)
	if _, err := d.provider.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("plugin %s: %w", d.pluginID, err)
	}
	return nil
}

func (d *Database) DropTable(ctx context.Context, name string) error {
	if !d.permissions.CanDropTables {
		return fmt.Errorf("%w: plugin %s may not drop tables", ErrPermissionDenied, d.pluginID)
	}
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", d.TableName(name))
	if _, err := d.provider.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("plugin %s: %w", d.pluginID, err)
	}
	return nil
}

func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	affected, err := d.provider.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("plugin %s: %w", d.pluginID, err)
	}
	return affected, nil
}

func (d *Database) Query(ctx context.Context, query string, args ...interface{}) ([]platform.Row, error) {
	rows, err := d.provider.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", d.pluginID, err)
	}
	return rows, nil
}

// ListTables returns the plugin's own tables with the namespace prefix
// stripped.
func (d *Database) ListTables(ctx context.Context) ([]string, error) {
	return d.listOwnTables(ctx)
}

func (d *Database) listOwnTables(ctx context.Context) ([]string, error) {
	all, err := d.provider.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", d.pluginID, err)
	}
	prefix := fmt.Sprintf("plugin_%s_", d.pluginID)
	var own []string
	for _, table := range all {
		if name, ok := strings.CutPrefix(table, prefix); ok {
			own = append(own, name)
		}
	}
	return own, nil
}
