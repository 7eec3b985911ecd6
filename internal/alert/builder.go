// Package alert translates plan layers into broker conditional-alert
// payloads.
package alert

import (
	"errors"
	"fmt"
	"strings"

	"gttdesk/internal/domain"
)

// ErrInvalidLayer is returned when a layer cannot be turned into an alert.
var ErrInvalidLayer = errors.New("invalid layer")

// Rule returns the trigger condition and child order side for a layer of the
// given kind protecting a position opened on side.
//
//	BUY  STOP   -> LTP_BELOW, SELL
//	BUY  TARGET -> LTP_ABOVE, SELL
//	SELL STOP   -> LTP_ABOVE, BUY
//	SELL TARGET -> LTP_BELOW, BUY
func Rule(side domain.Side, kind domain.LayerKind) (domain.Condition, domain.Side, error) {
	if !side.Valid() {
		return "", "", fmt.Errorf("%w: unknown side %q", ErrInvalidLayer, side)
	}
	var below bool
	switch kind {
	case domain.LayerStop:
		below = side == domain.SideBuy
	case domain.LayerTarget:
		below = side == domain.SideSell
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidLayer, kind)
	}
	cond := domain.ConditionLTPAbove
	if below {
		cond = domain.ConditionLTPBelow
	}
	return cond, side.Opposite(), nil
}

// Build produces the alert payload for one layer of p. The child order is a
// limit order priced at the layer price.
func Build(p *domain.Plan, l *domain.Layer) (domain.AlertPayload, error) {
	if strings.TrimSpace(p.Symbol) == "" {
		return domain.AlertPayload{}, fmt.Errorf("%w: empty symbol", ErrInvalidLayer)
	}
	if l.Quantity <= 0 {
		return domain.AlertPayload{}, fmt.Errorf("%w: %s quantity %d must be positive", ErrInvalidLayer, l.Label, l.Quantity)
	}
	if !l.Price.IsPositive() {
		return domain.AlertPayload{}, fmt.Errorf("%w: %s price %s must be positive", ErrInvalidLayer, l.Label, l.Price)
	}
	cond, orderSide, err := Rule(p.Side, l.Kind)
	if err != nil {
		return domain.AlertPayload{}, fmt.Errorf("%s: %w", l.Label, err)
	}

	return domain.AlertPayload{
		Exchange:    p.Exchange,
		Symbol:      p.Symbol,
		Condition:   cond,
		AlertPrice:  l.Price,
		OrderSide:   orderSide,
		LimitPrice:  l.Price,
		Quantity:    l.Quantity,
		ProductType: p.ProductType,
		Remarks:     remarks(p, l),
		ClientRef:   clientRef(p, l),
	}, nil
}

func remarks(p *domain.Plan, l *domain.Layer) string {
	if p.Remarks != "" {
		return p.Remarks + " " + l.Label
	}
	return l.Label
}

// clientRef is a stable per-layer reference some brokers accept as a client
// order id.
func clientRef(p *domain.Plan, l *domain.Layer) string {
	if p.ID == "" {
		return l.Label
	}
	return p.ID + "-" + l.Label
}
