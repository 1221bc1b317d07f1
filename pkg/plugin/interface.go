package plugin

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound       = errors.New("plugin not found")
	ErrPluginAlreadyLoaded  = errors.New("plugin already loaded")
	ErrInstallationNotFound = errors.New("installation not found")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrHotReloadUnsupported = errors.New("hot reload not supported")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrPermissionDenied     = errors.New("permission denied")
)

// Status tracks a plugin installation through its lifecycle.
type Status int

const (
	StatusDiscovered Status = iota
	StatusInstalling
	StatusInstalled
	StatusLoading
	StatusLoaded
	StatusRunning
	StatusStopping
	StatusStopped
	StatusUninstalling
	StatusFailed
)

func (s Status) String() string {
	return [...]string{
		"Discovered",
		"Installing",
		"Installed",
		"Loading",
		"Loaded",
		"Running",
		"Stopping",
		"Stopped",
		"Uninstalling",
		"Failed",
	}[s]
}

// validTransitions is the lifecycle graph. Failed is reachable from every
// status but only leads to Uninstalling; Stopped may load again.
var validTransitions = map[Status][]Status{
	StatusDiscovered:   {StatusInstalling},
	StatusInstalling:   {StatusInstalled},
	StatusInstalled:    {StatusLoading, StatusUninstalling},
	StatusLoading:      {StatusLoaded},
	StatusLoaded:       {StatusRunning, StatusStopping, StatusUninstalling},
	StatusRunning:      {StatusStopping},
	StatusStopping:     {StatusStopped},
	StatusStopped:      {StatusLoading, StatusUninstalling},
	StatusUninstalling: {},
	StatusFailed:       {StatusUninstalling},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to
// next. Failed is reachable from anywhere.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusFailed {
		return s != StatusFailed
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Info identifies a plugin instance to the host.
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Provides    []string `json:"provides"`
	Requires    []string `json:"requires"`
}

// Plugin is the contract every loaded plugin implements. Init receives the
// capability-scoped context; Start and Stop bound any long-running work
// with the passed context.
type Plugin interface {
	Info() Info

	Init(ctx context.Context, pctx *Context) error

	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	Ready() bool
}

// Factory constructs a plugin instance in-process.
type Factory func() (Plugin, error)

func notFoundErr(pluginID string) error {
	return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
}
