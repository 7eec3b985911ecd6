package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gttdesk/internal/domain"
)

// Compile-time interface checks.
var _ Broker = (*SimulatorBroker)(nil)
var _ TriggerConfirmer = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It keeps a pending alert book in memory without making external API
// calls.
type SimulatorBroker struct {
	mu      sync.Mutex
	nextID  int
	pending map[string]domain.AlertPayload
	fired   map[string]bool

	// Failure hooks. A non-nil result makes the matching call fail.
	PlaceErr  func(domain.AlertPayload) error
	ListErr   func() error
	CancelErr func(alertID string) error
}

// NewSimulatorBroker creates a new SimulatorBroker with an empty alert book.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		nextID:  1000,
		pending: make(map[string]domain.AlertPayload),
		fired:   make(map[string]bool),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// PlaceAlert records the alert as pending and returns a sequential id.
func (b *SimulatorBroker) PlaceAlert(_ context.Context, payload domain.AlertPayload) (string, error) {
	if b.PlaceErr != nil {
		if err := b.PlaceErr(payload); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("SIM%d", b.nextID)
	b.pending[id] = payload
	return id, nil
}

// ListAlerts returns every pending alert id.
func (b *SimulatorBroker) ListAlerts(_ context.Context) (AlertSet, error) {
	if b.ListErr != nil {
		if err := b.ListErr(); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(AlertSet, len(b.pending))
	for id := range b.pending {
		set[id] = struct{}{}
	}
	return set, nil
}

// CancelAlert removes a pending alert. Unknown ids are rejected.
func (b *SimulatorBroker) CancelAlert(_ context.Context, alertID string) error {
	if b.CancelErr != nil {
		if err := b.CancelErr(alertID); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[alertID]; !ok {
		return fmt.Errorf("%w: alert %s is not pending", ErrRejected, alertID)
	}
	delete(b.pending, alertID)
	return nil
}

// ConfirmTrigger reports whether the alert was removed by Fire.
func (b *SimulatorBroker) ConfirmTrigger(_ context.Context, alertID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired[alertID], nil
}

// Fire simulates the alert's trigger condition being met: the alert leaves
// the pending book.
func (b *SimulatorBroker) Fire(alertID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[alertID]; !ok {
		return false
	}
	delete(b.pending, alertID)
	b.fired[alertID] = true
	return true
}

// Expire removes a pending alert without it firing.
func (b *SimulatorBroker) Expire(alertID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[alertID]; !ok {
		return false
	}
	delete(b.pending, alertID)
	return true
}

// Pending returns the pending alert ids in sorted order.
func (b *SimulatorBroker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Payload returns the payload a pending alert was placed with.
func (b *SimulatorBroker) Payload(alertID string) (domain.AlertPayload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[alertID]
	return p, ok
}
