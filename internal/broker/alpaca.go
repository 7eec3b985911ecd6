package broker

import (
	"context"
	"fmt"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"gttdesk/internal/domain"
)

// Compile-time interface checks.
var _ Broker = (*AlpacaBroker)(nil)
var _ TriggerConfirmer = (*AlpacaBroker)(nil)

// alpacaOrders is the subset of the Alpaca trading client used here.
type alpacaOrders interface {
	PlaceOrder(req alpacaapi.PlaceOrderRequest) (*alpacaapi.Order, error)
	GetOrders(req alpacaapi.GetOrdersRequest) ([]alpacaapi.Order, error)
	GetOrder(orderID string) (*alpacaapi.Order, error)
	CancelOrder(orderID string) error
}

// AlpacaBroker implements the Broker interface on top of Alpaca, which has no
// native alert book: each alert becomes a GTC order that rests until its
// price is reached.
type AlpacaBroker struct {
	client alpacaOrders
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceAlert maps the alert onto a resting order. Alerts that fire when the
// price moves against the child order (a sell below or a buy above) become
// stop-limit orders; the others are plain limit orders.
func (b *AlpacaBroker) PlaceAlert(_ context.Context, payload domain.AlertPayload) (string, error) {
	order, err := b.client.PlaceOrder(alpacaOrderRequest(payload))
	if err != nil {
		return "", fmt.Errorf("placing alpaca order for %s x%d: %w", payload.Symbol, payload.Quantity, err)
	}
	if order == nil || order.ID == "" {
		return "", fmt.Errorf("placing alpaca order for %s: %w", payload.Symbol, ErrMalformedResponse)
	}
	return order.ID, nil
}

// alpacaPageSize is the largest page the orders endpoint returns.
const alpacaPageSize = 500

// ListAlerts returns the ids of all open orders. Pages are walked oldest
// first; since the after filter has whole-second precision each page
// restarts one second before the last order seen and duplicates are merged.
// A full page that adds nothing new means the listing cannot be completed,
// which is reported as a malformed response rather than a short set.
func (b *AlpacaBroker) ListAlerts(ctx context.Context) (AlertSet, error) {
	set := make(AlertSet)
	req := alpacaapi.GetOrdersRequest{
		Status:    "open",
		Limit:     alpacaPageSize,
		Direction: "asc",
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		orders, err := b.client.GetOrders(req)
		if err != nil {
			return nil, fmt.Errorf("listing alpaca open orders: %w", err)
		}
		added := 0
		for _, o := range orders {
			if !set.Has(o.ID) {
				set[o.ID] = struct{}{}
				added++
			}
		}
		if len(orders) < alpacaPageSize {
			return set, nil
		}
		if added == 0 {
			return nil, fmt.Errorf("listing alpaca open orders: page after %s repeats %d orders: %w",
				req.After.Format(time.RFC3339), len(orders), ErrMalformedResponse)
		}
		req.After = orders[len(orders)-1].SubmittedAt.Add(-time.Second)
	}
}

// CancelAlert cancels an open order.
func (b *AlpacaBroker) CancelAlert(_ context.Context, alertID string) error {
	if err := b.client.CancelOrder(alertID); err != nil {
		return fmt.Errorf("cancelling alpaca order %s: %w", alertID, err)
	}
	return nil
}

// ConfirmTrigger reports whether an order that left the open list was
// filled (fully or partially).
func (b *AlpacaBroker) ConfirmTrigger(_ context.Context, alertID string) (bool, error) {
	order, err := b.client.GetOrder(alertID)
	if err != nil {
		return false, fmt.Errorf("fetching alpaca order %s: %w", alertID, err)
	}
	switch order.Status {
	case "filled", "partially_filled":
		return true, nil
	}
	return false, nil
}

func alpacaOrderRequest(p domain.AlertPayload) alpacaapi.PlaceOrderRequest {
	qty := decimal.NewFromInt(p.Quantity)
	limit := p.LimitPrice
	req := alpacaapi.PlaceOrderRequest{
		Symbol:        p.Symbol,
		Qty:           &qty,
		Side:          alpacaapi.Buy,
		Type:          alpacaapi.Limit,
		TimeInForce:   alpacaapi.GTC,
		LimitPrice:    &limit,
		ClientOrderID: p.ClientRef,
	}
	if p.OrderSide == domain.SideSell {
		req.Side = alpacaapi.Sell
	}
	adverse := (p.Condition == domain.ConditionLTPBelow && p.OrderSide == domain.SideSell) ||
		(p.Condition == domain.ConditionLTPAbove && p.OrderSide == domain.SideBuy)
	if adverse {
		stop := p.AlertPrice
		req.Type = alpacaapi.StopLimit
		req.StopPrice = &stop
	}
	return req
}
