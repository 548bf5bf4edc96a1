package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns the registered channels and runs their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	channels  map[string]Channel
	startErrs map[string]error
}

func NewManager() *Manager {
	return &Manager{
		channels:  make(map[string]Channel),
		startErrs: make(map[string]error),
	}
}

// StartAll starts every registered channel concurrently. A channel that
// fails to start stays registered, reports its error through GetStatus and
// does not keep the others from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	chans := m.snapshot()
	if len(chans) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	var mu sync.Mutex
	errs := make(map[string]error)
	var g errgroup.Group
	for name, ch := range chans {
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				slog.Error("channel start failed", "channel", name, "error", err)
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				return nil
			}
			slog.Info("channel started", "channel", name)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for name := range chans {
		if err, failed := errs[name]; failed {
			m.startErrs[name] = err
		} else {
			delete(m.startErrs, name)
		}
	}
	m.mu.Unlock()
	return nil
}

// StopAll stops every channel concurrently and waits for their in-flight
// turns, bounded by ctx. Stop errors are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	chans := m.snapshot()

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for name, ch := range chans {
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				slog.Error("channel stop failed", "channel", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("channels stopped", "count", len(chans))
	return errors.Join(errs...)
}

func (m *Manager) snapshot() map[string]Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch
	}
	return out
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// ChannelStatus is the health of one channel as served on /health.
type ChannelStatus struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func (m *Manager) GetStatus() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ChannelStatus, len(m.channels))
	for name, ch := range m.channels {
		st := ChannelStatus{Running: ch.IsRunning()}
		if err := m.startErrs[name]; err != nil && !st.Running {
			st.Error = err.Error()
		}
		status[name] = st
	}
	return status
}

// GetEnabledChannels returns the sorted names of all registered channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds or replaces the channel registered under name.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
	delete(m.startErrs, name)
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
	delete(m.startErrs, name)
}
