// Package memory implements storage.Store in process memory. It backs unit
// tests and small single-process deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/storage"
)

// Store implements storage.Store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	definitions map[string]*storage.ServiceDefinition
	connections map[int64]*storage.ServiceConnection
	triggers    map[int64]*storage.Trigger
	nextConnID  int64
	nextTrigID  int64
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		definitions: make(map[string]*storage.ServiceDefinition),
		connections: make(map[int64]*storage.ServiceConnection),
		triggers:    make(map[int64]*storage.Trigger),
		nextConnID:  1,
		nextTrigID:  1,
	}
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// Health is a no-op
func (s *Store) Health(ctx context.Context) error { return nil }

// UpsertServiceDefinition inserts or replaces a catalog row
func (s *Store) UpsertServiceDefinition(ctx context.Context, def *storage.ServiceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *def
	s.definitions[def.Name] = &copied
	return nil
}

// GetServiceDefinition fetches one catalog row by name
func (s *Store) GetServiceDefinition(ctx context.Context, name string) (*storage.ServiceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[name]
	if !ok {
		return nil, errors.NotFoundError("service definition " + name)
	}
	copied := *def
	return &copied, nil
}

// ListServiceDefinitions returns the whole catalog sorted by name
func (s *Store) ListServiceDefinitions(ctx context.Context) ([]*storage.ServiceDefinition, error) {
	return s.listDefinitions(func(*storage.ServiceDefinition) bool { return true }), nil
}

// ListEnabledServiceDefinitions returns only enabled catalog rows
func (s *Store) ListEnabledServiceDefinitions(ctx context.Context) ([]*storage.ServiceDefinition, error) {
	return s.listDefinitions(func(d *storage.ServiceDefinition) bool { return d.Enabled }), nil
}

func (s *Store) listDefinitions(keep func(*storage.ServiceDefinition) bool) []*storage.ServiceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []*storage.ServiceDefinition
	for _, def := range s.definitions {
		if keep(def) {
			copied := *def
			defs = append(defs, &copied)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CreateServiceConnection stores a connection and assigns its ID
func (s *Store) CreateServiceConnection(ctx context.Context, conn *storage.ServiceConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.ID = s.nextConnID
	s.nextConnID++
	copied := *conn
	s.connections[conn.ID] = &copied
	return nil
}

// GetServiceConnection fetches one connection
func (s *Store) GetServiceConnection(ctx context.Context, id int64) (*storage.ServiceConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[id]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("service connection %d", id))
	}
	copied := *conn
	return &copied, nil
}

// ListServiceConnectionsByOwner returns all connections owned by a user
func (s *Store) ListServiceConnectionsByOwner(ctx context.Context, owner string) ([]*storage.ServiceConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conns []*storage.ServiceConnection
	for _, conn := range s.connections {
		if conn.Owner == owner {
			copied := *conn
			conns = append(conns, &copied)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

// DeleteServiceConnection removes a connection
func (s *Store) DeleteServiceConnection(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	return nil
}

// CreateTrigger validates and stores a trigger, assigning its ID
func (s *Store) CreateTrigger(ctx context.Context, trigger *storage.Trigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}
	trigger.ID = s.nextTrigID
	s.nextTrigID++
	copied := *trigger
	s.triggers[trigger.ID] = &copied
	return nil
}

// GetTrigger fetches one trigger
func (s *Store) GetTrigger(ctx context.Context, id int64) (*storage.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trigger, ok := s.triggers[id]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("trigger %d", id))
	}
	copied := *trigger
	return &copied, nil
}

// ListTriggersByOwner returns all triggers owned by a user
func (s *Store) ListTriggersByOwner(ctx context.Context, owner string) ([]*storage.Trigger, error) {
	return s.listTriggers(func(t *storage.Trigger) bool { return t.Owner == owner }), nil
}

// ListEligibleTriggers returns all enabled triggers
func (s *Store) ListEligibleTriggers(ctx context.Context) ([]*storage.Trigger, error) {
	return s.listTriggers(func(t *storage.Trigger) bool { return t.Enabled }), nil
}

func (s *Store) listTriggers(keep func(*storage.Trigger) bool) []*storage.Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var triggers []*storage.Trigger
	for _, trigger := range s.triggers {
		if keep(trigger) {
			copied := *trigger
			triggers = append(triggers, &copied)
		}
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].ID < triggers[j].ID })
	return triggers
}

// SetTriggerEnabled toggles a trigger's status
func (s *Store) SetTriggerEnabled(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.triggers[id]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("trigger %d", id))
	}
	trigger.Enabled = enabled
	return nil
}

// DeleteTrigger removes a trigger
func (s *Store) DeleteTrigger(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return nil
}

// AdvanceWatermark sets the trigger's watermark, keeping it monotone
func (s *Store) AdvanceWatermark(ctx context.Context, triggerID int64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trigger, ok := s.triggers[triggerID]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("trigger %d", triggerID))
	}

	utc := ts.UTC()
	if trigger.LastFiredAt == nil || !utc.Before(*trigger.LastFiredAt) {
		trigger.LastFiredAt = &utc
	}
	return nil
}
