// Package store defines storage interfaces for persisting exit plans and the
// journal of everything that happened to them.
package store

import (
	"context"
	"errors"
	"fmt"

	"gttdesk/internal/domain"
)

// ErrNotFound is returned when a plan id matches no stored plan.
var ErrNotFound = errors.New("not found")

// PlanStore persists plan snapshots.
type PlanStore interface {
	// SavePlan inserts or replaces the snapshot of a plan.
	SavePlan(ctx context.Context, p *domain.Plan) error

	// GetPlan retrieves a plan by its ID.
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)

	// ListPlans returns every stored plan, oldest first.
	ListPlans(ctx context.Context) ([]*domain.Plan, error)

	// DeletePlan removes a plan. Its journal is kept.
	DeletePlan(ctx context.Context, id string) error
}

// Journal is an append-only log of plan events.
type Journal interface {
	// Append records events in order.
	Append(ctx context.Context, events ...domain.Event) error

	// Events returns the events of one plan in the order they were appended.
	Events(ctx context.Context, planID string) ([]domain.Event, error)
}

// Store combines plan snapshots and the journal behind one backend.
type Store interface {
	PlanStore
	Journal
	Close() error
}

// Open returns the backend named by driver: "memory", "sqlite" (dsn is a
// file path) or "postgres" (dsn is a connection string).
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres:
		return NewSQLStore(driver, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
