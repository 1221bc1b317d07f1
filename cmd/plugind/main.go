package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"pluginhost/pkg/logging"
	"pluginhost/pkg/manifest"
	"pluginhost/pkg/platform"
	"pluginhost/pkg/plugin"
	"pluginhost/pkg/secrets"
)

func main() {
	var (
		cmd          = flag.String("cmd", "run", "command: run, discover, status, validate")
		configPath   = flag.String("config", "plugins.yaml", "path to the runtime config")
		pluginsDir   = flag.String("dir", "", "override the plugins directory")
		manifestPath = flag.String("manifest", "", "manifest to validate (validate command)")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := logging.New(*logLevel)

	cfg, err := plugin.LoadManagerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *pluginsDir != "" {
		cfg.PluginsDir = *pluginsDir
	}

	var exitErr error
	switch *cmd {
	case "run":
		exitErr = runDaemon(cfg, logger)
	case "discover", "status":
		exitErr = printInstallations(cfg, logger)
	case "validate":
		exitErr = validateManifest(*manifestPath)
	default:
		exitErr = fmt.Errorf("unknown command: %s", *cmd)
	}

	if exitErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", exitErr)
		os.Exit(1)
	}
}

func buildManager(cfg *plugin.ManagerConfig, logger logging.Logger) (*plugin.Manager, error) {
	opts := []plugin.ManagerOption{plugin.WithLogger(logger)}

	if key := os.Getenv("PLUGIND_SIGNING_KEY"); key != "" {
		opts = append(opts, plugin.WithSigningKey([]byte(key)))
	}
	if dsn := os.Getenv("PLUGIND_DB_DSN"); dsn != "" {
		db, err := platform.NewSQLDatabase(dsn, os.Getenv("PLUGIND_DB_NAME"))
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		opts = append(opts, plugin.WithDatabase(db))
	}
	if dir := os.Getenv("PLUGIND_SECRETS_DIR"); dir != "" {
		enc, err := secrets.NewAESEncryption([]byte(os.Getenv("PLUGIND_SECRETS_KEY")))
		if err != nil {
			return nil, fmt.Errorf("secret store: %w", err)
		}
		store, err := secrets.NewFileStore(dir, enc, logger)
		if err != nil {
			return nil, fmt.Errorf("secret store: %w", err)
		}
		opts = append(opts, plugin.WithSecretStore(store))
	} else if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		store, err := secrets.NewVaultStore(secrets.VaultConfig{
			Address: addr,
			Token:   os.Getenv("VAULT_TOKEN"),
		})
		if err != nil {
			return nil, fmt.Errorf("vault store: %w", err)
		}
		opts = append(opts, plugin.WithSecretStore(store))
	}

	m, err := plugin.NewManager(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := plugin.RegisterBuiltins(m); err != nil {
		return nil, err
	}
	return m, nil
}

func runDaemon(cfg *plugin.ManagerConfig, logger logging.Logger) error {
	m, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := m.AutoLoadPlugins(ctx); err != nil {
		return err
	}
	logger.Info("runtime started", "active", len(m.ActivePlugins()))

	var reloader *plugin.HotReloader
	if cfg.HotReload {
		reloader = plugin.NewHotReloader(cfg.PluginsDir, m, logger)
		if err := reloader.Start(); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if reloader != nil {
		if err := reloader.Close(); err != nil {
			logger.Warn("watcher close failed", "error", err)
		}
	}
	m.StopAll(ctx)
	return nil
}

func printInstallations(cfg *plugin.ManagerConfig, logger logging.Logger) error {
	m, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	if err := m.Installations().Discover(context.Background()); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tVERSION\tSTATUS\tERROR")
	for _, inst := range m.Installations().List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.PluginID, inst.Version, inst.Status, inst.ErrorMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := m.Installations().ValidateAll(); err != nil {
		fmt.Printf("\nvalidation problems:\n%v\n", err)
	}
	return nil
}

func validateManifest(path string) error {
	if path == "" {
		return fmt.Errorf("validate needs -manifest")
	}
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	result := m.Validate()
	for _, warning := range result.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Printf("error: %s\n", e)
		}
		return fmt.Errorf("manifest %s is invalid", path)
	}
	fmt.Printf("manifest %s is valid (plugin %s %s)\n", path, m.Plugin.ID, m.Plugin.Version)
	return nil
}
