package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/config"
)

// ChannelFactory builds a channel named name from the instance's own raw
// settings. The name doubles as the activity channel ID.
type ChannelFactory func(name string, cfg json.RawMessage, processor TurnProcessor) (Channel, error)

// restartPause gives polling APIs (Telegram getUpdates) time to release their
// lock before a replaced instance with the same token starts.
const restartPause = 500 * time.Millisecond

// InstanceLoader builds the extra channel instances listed in config and
// keeps the Manager in sync with that list.
type InstanceLoader struct {
	mu        sync.Mutex
	factories map[string]ChannelFactory
	manager   *Manager
	processor TurnProcessor
	loaded    map[string]config.ChannelInstance
}

func NewInstanceLoader(mgr *Manager, processor TurnProcessor) *InstanceLoader {
	return &InstanceLoader{
		factories: make(map[string]ChannelFactory),
		manager:   mgr,
		processor: processor,
		loaded:    make(map[string]config.ChannelInstance),
	}
}

// RegisterFactory sets the factory used for instances of channelType.
func (l *InstanceLoader) RegisterFactory(channelType string, factory ChannelFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[channelType] = factory
}

// LoadAll registers every enabled instance without starting it;
// Manager.StartAll starts them with the rest. An instance that cannot be
// built is logged and skipped.
func (l *InstanceLoader) LoadAll(ctx context.Context, instances []config.ChannelInstance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.loadMissing(ctx, instances, false)
	if n > 0 {
		slog.Info("channel instances loaded", "count", n)
	}
	return nil
}

// Reload applies a new instance list: instances that disappeared, were
// disabled or changed type or settings are stopped and removed; new and
// changed ones are built and started. Unchanged instances keep running.
func (l *InstanceLoader) Reload(ctx context.Context, instances []config.ChannelInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wanted := make(map[string]config.ChannelInstance, len(instances))
	for _, inst := range instances {
		if inst.Enabled {
			wanted[inst.Name] = inst
		}
	}

	stopped := 0
	for name, cur := range l.loaded {
		if next, ok := wanted[name]; ok && sameInstance(cur, next) {
			continue
		}
		l.unload(ctx, name)
		stopped++
	}
	if stopped > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartPause):
		}
	}

	started := l.loadMissing(ctx, instances, true)
	slog.Info("channel instances reloaded", "stopped", stopped, "started", started, "total", len(l.loaded))
}

// Stop stops and unregisters every instance this loader created.
func (l *InstanceLoader) Stop(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name := range l.loaded {
		l.unload(ctx, name)
	}
}

// LoadedNames returns the names of the channels this loader manages.
func (l *InstanceLoader) LoadedNames() map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]struct{}, len(l.loaded))
	for name := range l.loaded {
		out[name] = struct{}{}
	}
	return out
}

// loadMissing builds the enabled instances not loaded yet. Caller holds mu.
func (l *InstanceLoader) loadMissing(ctx context.Context, instances []config.ChannelInstance, start bool) int {
	n := 0
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		if _, ok := l.loaded[inst.Name]; ok {
			continue
		}
		if err := l.load(ctx, inst, start); err != nil {
			slog.Error("channel instance not loaded", "name", inst.Name, "type", inst.Type, "error", err)
			continue
		}
		n++
	}
	return n
}

func (l *InstanceLoader) load(ctx context.Context, inst config.ChannelInstance, start bool) error {
	factory, ok := l.factories[inst.Type]
	if !ok {
		return fmt.Errorf("no factory for channel type %q", inst.Type)
	}
	if _, exists := l.manager.GetChannel(inst.Name); exists {
		return fmt.Errorf("channel %q already registered", inst.Name)
	}

	ch, err := factory(inst.Name, inst.Config, l.processor)
	if err != nil {
		return err
	}
	l.manager.RegisterChannel(inst.Name, ch)
	l.loaded[inst.Name] = inst

	if start {
		// A failed start leaves the channel registered and reported as down.
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel instance start failed", "name", inst.Name, "error", err)
		}
	}
	slog.Info("channel instance loaded", "name", inst.Name, "type", inst.Type, "started", start)
	return nil
}

func (l *InstanceLoader) unload(ctx context.Context, name string) {
	if ch, ok := l.manager.GetChannel(name); ok {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel instance stop failed", "name", name, "error", err)
		}
	}
	l.manager.UnregisterChannel(name)
	delete(l.loaded, name)
}

func sameInstance(a, b config.ChannelInstance) bool {
	return a.Type == b.Type && bytes.Equal(bytes.TrimSpace(a.Config), bytes.TrimSpace(b.Config))
}
