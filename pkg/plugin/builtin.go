package plugin

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"pluginhost/pkg/event"
)

// Builtins returns the factories shipped with the host. Both are in the
// default auto-load set.
func Builtins() map[string]Factory {
	return map[string]Factory{
		"system_monitor": func() (Plugin, error) { return NewSystemMonitorPlugin(), nil },
		"notifications":  func() (Plugin, error) { return NewNotificationPlugin(), nil },
	}
}

// RegisterBuiltins registers every built-in factory with the manager.
func RegisterBuiltins(m *Manager) error {
	for id, factory := range Builtins() {
		if err := m.RegisterFactory(id, factory); err != nil {
			return err
		}
	}
	return nil
}

// SystemMonitorPlugin periodically publishes runtime memory statistics on
// the "metrics" topic.
type SystemMonitorPlugin struct {
	mu       sync.Mutex
	pctx     *Context
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	ready    bool
}

func NewSystemMonitorPlugin() *SystemMonitorPlugin {
	return &SystemMonitorPlugin{interval: 30 * time.Second}
}

func (p *SystemMonitorPlugin) Info() Info {
	return Info{
		ID:          "system_monitor",
		Name:        "System Monitor",
		Version:     "1.0.0",
		Description: "Publishes host resource metrics",
		Author:      "pluginhost",
		Provides:    []string{"metrics"},
	}
}

func (p *SystemMonitorPlugin) Init(ctx context.Context, pctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pctx = pctx
	if raw, ok := pctx.Config["interval_secs"]; ok {
		switch v := raw.(type) {
		case int:
			p.interval = time.Duration(v) * time.Second
		case float64:
			p.interval = time.Duration(v) * time.Second
		}
	}
	if p.interval <= 0 {
		return fmt.Errorf("system_monitor: interval must be positive")
	}
	p.ready = true
	return nil
}

func (p *SystemMonitorPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return fmt.Errorf("system_monitor: not initialized")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

func (p *SystemMonitorPlugin) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *SystemMonitorPlugin) publish(ctx context.Context) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	p.pctx.Events.Publish(ctx, event.Event{
		Topic:  "metrics",
		Source: "system_monitor",
		Payload: map[string]interface{}{
			"heap_alloc_bytes": stats.HeapAlloc,
			"heap_sys_bytes":   stats.HeapSys,
			"num_gc":           stats.NumGC,
			"goroutines":       runtime.NumGoroutine(),
		},
	})
}

func (p *SystemMonitorPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SystemMonitorPlugin) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// NotificationPlugin collects events from the "notifications" topic and
// keeps a bounded history.
type NotificationPlugin struct {
	mu         sync.Mutex
	pctx       *Context
	history    []event.Event
	maxHistory int
	cancelSub  func()
	done       chan struct{}
	ready      bool
}

func NewNotificationPlugin() *NotificationPlugin {
	return &NotificationPlugin{maxHistory: 100}
}

func (p *NotificationPlugin) Info() Info {
	return Info{
		ID:          "notifications",
		Name:        "Notifications",
		Version:     "1.0.0",
		Description: "Collects and stores notification events",
		Author:      "pluginhost",
		Provides:    []string{"notifications"},
	}
}

func (p *NotificationPlugin) Init(ctx context.Context, pctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pctx = pctx
	if raw, ok := pctx.Config["max_history"]; ok {
		switch v := raw.(type) {
		case int:
			p.maxHistory = v
		case float64:
			p.maxHistory = int(v)
		}
	}
	if p.maxHistory <= 0 {
		return fmt.Errorf("notifications: max_history must be positive")
	}
	p.ready = true
	return nil
}

func (p *NotificationPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return fmt.Errorf("notifications: not initialized")
	}
	ch, cancel := p.pctx.Events.Subscribe("notifications")
	p.cancelSub = cancel
	p.done = make(chan struct{})
	go p.collect(ch)
	return nil
}

func (p *NotificationPlugin) collect(ch <-chan event.Event) {
	defer close(p.done)
	for evt := range ch {
		p.mu.Lock()
		p.history = append(p.history, evt)
		if len(p.history) > p.maxHistory {
			p.history = p.history[len(p.history)-p.maxHistory:]
		}
		p.mu.Unlock()
	}
}

func (p *NotificationPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancelSub, p.done
	p.cancelSub = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *NotificationPlugin) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// History returns a copy of the collected notifications, newest last.
func (p *NotificationPlugin) History() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.history...)
}
