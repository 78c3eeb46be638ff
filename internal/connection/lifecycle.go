package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a named machine is not managed.
var ErrNotFound = errors.New("connection not found")

// TransportFactory builds the transport for an endpoint.
type TransportFactory func(kind Kind) (Transport, error)

// Manager keeps named Machines and applies global observers to each of them.
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine

	newTransport TransportFactory

	// Global observers applied to every machine created after registration
	globalObservers []Observer
}

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	// Transports builds a transport per endpoint kind. Defaults to NewTransport.
	Transports TransportFactory
	Observers  []Observer
}

// NewManager creates a new Manager.
func NewManager(cfg ManagerConfig) *Manager {
	factory := cfg.Transports
	if factory == nil {
		factory = NewTransport
	}
	return &Manager{
		machines:        make(map[string]*Machine),
		newTransport:    factory,
		globalObservers: append([]Observer(nil), cfg.Observers...),
	}
}

// AddObserver adds a global observer. It is attached to existing machines too.
func (mg *Manager) AddObserver(o Observer) {
	mg.mu.Lock()
	mg.globalObservers = append(mg.globalObservers, o)
	machines := make([]*Machine, 0, len(mg.machines))
	for _, m := range mg.machines {
		machines = append(machines, m)
	}
	mg.mu.Unlock()

	for _, m := range machines {
		m.AddObserver(o)
	}
}

// GetOrCreate returns the named machine, creating one for kind if needed.
func (mg *Manager) GetOrCreate(name string, kind Kind) (*Machine, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	if m, ok := mg.machines[name]; ok {
		return m, nil
	}

	tr, err := mg.newTransport(kind)
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", name, err)
	}

	observers := make([]Observer, len(mg.globalObservers))
	copy(observers, mg.globalObservers)

	m := New(Config{
		Name:      name,
		Transport: tr,
		Observers: observers,
	})
	mg.machines[name] = m

	log.Debug().
		Str("conn", name).
		Str("transport", string(tr.Kind())).
		Msg("created connection")

	return m, nil
}

// Get returns the named machine or nil.
func (mg *Manager) Get(name string) *Machine {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return mg.machines[name]
}

// Connect creates the named machine if needed and starts an attempt to ep.
func (mg *Manager) Connect(ctx context.Context, name string, ep Endpoint) (*Machine, error) {
	m, err := mg.GetOrCreate(name, ep.Kind)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx, ep); err != nil {
		return m, err
	}
	return m, nil
}

// Close closes the named machine but keeps it in the manager.
func (mg *Manager) Close(name string) error {
	m := mg.Get(name)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.Close()
}

// Remove closes the named machine and forgets it.
func (mg *Manager) Remove(name string) {
	mg.mu.Lock()
	m := mg.machines[name]
	delete(mg.machines, name)
	mg.mu.Unlock()

	if m != nil {
		_ = m.Close()
	}
}

// CloseAll closes every machine and clears the manager.
func (mg *Manager) CloseAll() {
	mg.mu.Lock()
	machines := mg.machines
	mg.machines = make(map[string]*Machine)
	mg.mu.Unlock()

	for name, m := range machines {
		if err := m.Close(); err != nil {
			log.Debug().Str("conn", name).Err(err).Msg("error closing connection")
		}
	}
}

// List returns all managed names, sorted.
func (mg *Manager) List() []string {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	names := make([]string, 0, len(mg.machines))
	for name := range mg.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByState returns the sorted names of machines in the given state.
func (mg *Manager) ListByState(state State) []string {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	var names []string
	for name, m := range mg.machines {
		if m.State() == state {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CountByState returns the number of machines in the given state.
func (mg *Manager) CountByState(state State) int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	count := 0
	for _, m := range mg.machines {
		if m.State() == state {
			count++
		}
	}
	return count
}

// AllInfo returns snapshots of all machines, sorted by name.
func (mg *Manager) AllInfo() []ConnectionInfo {
	mg.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(mg.machines))
	for _, m := range mg.machines {
		infos = append(infos, m.Info())
	}
	mg.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
