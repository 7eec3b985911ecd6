// Package domain defines the core types shared across gttdesk: exit plans,
// their stop/target layers, broker alert payloads, and journal events.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of the underlying position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// LayerKind distinguishes protective stops from profit targets.
type LayerKind string

const (
	LayerStop   LayerKind = "STOP"
	LayerTarget LayerKind = "TARGET"
)

// LayerStatus is the lifecycle state of a single layer.
type LayerStatus string

const (
	StatusNotPlaced          LayerStatus = "NOT_PLACED"
	StatusActive             LayerStatus = "ACTIVE"
	StatusTriggered          LayerStatus = "TRIGGERED"
	StatusKeep               LayerStatus = "KEEP"
	StatusCancelledByManager LayerStatus = "CANCELLED_BY_MANAGER"
	StatusCancelledByUser    LayerStatus = "CANCELLED_BY_USER"
	StatusCancelFailed       LayerStatus = "CANCEL_FAILED"
	StatusFailed             LayerStatus = "FAILED"
)

// Live reports whether a layer in this status is believed to still have a
// pending alert at the broker.
func (s LayerStatus) Live() bool {
	switch s {
	case StatusActive, StatusKeep, StatusCancelFailed:
		return true
	}
	return false
}

// Placeable reports whether a place-all pass may submit a layer in this
// status.
func (s LayerStatus) Placeable() bool {
	return s == StatusNotPlaced || s == StatusFailed
}

// Condition is the trigger rule of a broker-side conditional alert.
type Condition string

const (
	ConditionLTPBelow Condition = "LTP_BELOW"
	ConditionLTPAbove Condition = "LTP_ABOVE"
)

// Product types accepted by Indian brokers. Empty means broker default.
const (
	ProductDefault  = ""
	ProductCNC      = "CNC"
	ProductIntraday = "INTRADAY"
	ProductNormal   = "NORMAL"
)

// Exchanges supported by the Definedge gateway.
var Exchanges = []string{"NSE", "BSE", "NFO", "MCX"}

// ---------------------------------------------------------------------------
// Plan and layers
// ---------------------------------------------------------------------------

// Layer is one stop or target tier of an exit plan.
type Layer struct {
	Label     string          `json:"label"`
	Kind      LayerKind       `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	AlertID   string          `json:"alert_id,omitempty"`
	Status    LayerStatus     `json:"status"`
	Exited    bool            `json:"exited"` // quantity already added to Plan.ExitedQty
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`

	// CancelIntent is the status a pending cancel resolves to. It is set
	// while the layer is CANCEL_FAILED.
	CancelIntent LayerStatus `json:"cancel_intent,omitempty"`
}

// Plan is a multi-tier exit plan for a single position.
type Plan struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Exchange    string          `json:"exchange"`
	Side        Side            `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	TotalQty    int64           `json:"total_qty"`
	ProductType string          `json:"product_type,omitempty"`
	Remarks     string          `json:"remarks,omitempty"`
	Stops       []Layer         `json:"stops"`
	Targets     []Layer         `json:"targets"`
	ExitedQty   int64           `json:"exited_qty"`
	PlacedAt    *time.Time      `json:"placed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RemainingQty returns total minus exited, clamped at zero.
func (p *Plan) RemainingQty() int64 {
	if p.ExitedQty >= p.TotalQty {
		return 0
	}
	return p.TotalQty - p.ExitedQty
}

// Overexited reports whether more quantity has been recorded as exited than
// the position holds.
func (p *Plan) Overexited() bool {
	return p.ExitedQty > p.TotalQty
}

// Placed reports whether a placement pass has ever succeeded for the plan.
func (p *Plan) Placed() bool {
	return p.PlacedAt != nil
}

// Layers returns pointers to every layer, stops first.
func (p *Plan) Layers() []*Layer {
	out := make([]*Layer, 0, len(p.Stops)+len(p.Targets))
	for i := range p.Stops {
		out = append(out, &p.Stops[i])
	}
	for i := range p.Targets {
		out = append(out, &p.Targets[i])
	}
	return out
}

// Layer looks up a layer by label. It returns nil when no layer matches.
func (p *Plan) Layer(label string) *Layer {
	for _, l := range p.Layers() {
		if l.Label == label {
			return l
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Stops = append([]Layer(nil), p.Stops...)
	c.Targets = append([]Layer(nil), p.Targets...)
	if p.PlacedAt != nil {
		t := *p.PlacedAt
		c.PlacedAt = &t
	}
	return &c
}

// AssignLabels fills empty layer labels with SL1.. and T1.. in slice order.
func (p *Plan) AssignLabels() {
	for i := range p.Stops {
		if p.Stops[i].Label == "" {
			p.Stops[i].Label = fmt.Sprintf("SL%d", i+1)
		}
		p.Stops[i].Kind = LayerStop
		if p.Stops[i].Status == "" {
			p.Stops[i].Status = StatusNotPlaced
		}
	}
	for i := range p.Targets {
		if p.Targets[i].Label == "" {
			p.Targets[i].Label = fmt.Sprintf("T%d", i+1)
		}
		p.Targets[i].Kind = LayerTarget
		if p.Targets[i].Status == "" {
			p.Targets[i].Status = StatusNotPlaced
		}
	}
}

// ---------------------------------------------------------------------------
// Broker payloads
// ---------------------------------------------------------------------------

// AlertPayload is a broker-neutral conditional alert request.
type AlertPayload struct {
	Exchange    string
	Symbol      string
	Condition   Condition
	AlertPrice  decimal.Decimal
	OrderSide   Side // side of the child order submitted when the alert fires
	LimitPrice  decimal.Decimal
	Quantity    int64
	ProductType string
	Remarks     string
	ClientRef   string
}

// ---------------------------------------------------------------------------
// Transitions and journal
// ---------------------------------------------------------------------------

// Transition records one layer status change made by an engine operation.
type Transition struct {
	Label    string      `json:"label"`
	Kind     LayerKind   `json:"kind"`
	From     LayerStatus `json:"from"`
	To       LayerStatus `json:"to"`
	AlertID  string      `json:"alert_id,omitempty"`
	Quantity int64       `json:"quantity"`
	Reason   string      `json:"reason,omitempty"`
}

// EventType classifies journal events.
type EventType string

const (
	EventPlanCreated EventType = "plan_created"
	EventPlanDeleted EventType = "plan_deleted"
	EventLayer       EventType = "layer"
	EventScan        EventType = "scan"
	EventWarning     EventType = "warning"
)

// Event is an append-only journal record of something that happened to a
// plan.
type Event struct {
	Time     time.Time   `json:"time"`
	PlanID   string      `json:"plan_id"`
	Type     EventType   `json:"type"`
	Op       string      `json:"op,omitempty"`
	Layer    string      `json:"layer,omitempty"`
	From     LayerStatus `json:"from,omitempty"`
	To       LayerStatus `json:"to,omitempty"`
	AlertID  string      `json:"alert_id,omitempty"`
	Quantity int64       `json:"quantity,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}
