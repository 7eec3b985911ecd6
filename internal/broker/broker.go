// Package broker defines the Broker interface and provides implementations
// for placing, listing and cancelling conditional alerts (GTT orders) across
// different brokerages.
package broker

import (
	"context"
	"errors"

	"gttdesk/internal/domain"
)

var (
	// ErrRejected is returned when the broker answers but refuses the request.
	ErrRejected = errors.New("broker rejected request")

	// ErrMalformedResponse is returned when a broker response cannot be
	// interpreted. A malformed listing must never be read as "no alerts".
	ErrMalformedResponse = errors.New("malformed broker response")
)

// Broker abstracts the conditional-alert capabilities of a brokerage.
type Broker interface {
	// Name returns the broker identifier (e.g. "definedge", "simulator").
	Name() string

	// PlaceAlert submits a conditional alert and returns the broker-assigned
	// alert id.
	PlaceAlert(ctx context.Context, payload domain.AlertPayload) (string, error)

	// ListAlerts returns the ids of every alert still pending at the broker.
	// An error means the listing is unknown, not empty.
	ListAlerts(ctx context.Context) (AlertSet, error)

	// CancelAlert cancels a pending alert by id.
	CancelAlert(ctx context.Context, alertID string) error
}

// TriggerConfirmer is implemented by brokers that can tell whether an alert
// which disappeared from the pending list actually fired.
type TriggerConfirmer interface {
	// ConfirmTrigger reports true when the alert fired, false when it left the
	// book for another reason (expiry, cancellation outside the manager).
	ConfirmTrigger(ctx context.Context, alertID string) (bool, error)
}

// AlertSet is a set of pending alert ids.
type AlertSet map[string]struct{}

// NewAlertSet builds a set from ids.
func NewAlertSet(ids ...string) AlertSet {
	s := make(AlertSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is pending.
func (s AlertSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}
