package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"gttdesk/internal/domain"
)

// ErrInvalidPlan is returned when a plan fails structural checks.
var ErrInvalidPlan = errors.New("invalid plan")

// RiskManager runs pre-placement checks on plans and previews their risk.
type RiskManager struct {
	maxLayers int // per kind
}

// NewRiskManager creates a RiskManager allowing at most maxLayers stops and
// maxLayers targets per plan. Zero means no limit.
func NewRiskManager(maxLayers int) *RiskManager {
	return &RiskManager{maxLayers: maxLayers}
}

// Preview summarizes a plan for the operator before placement.
type Preview struct {
	Warnings  []string          `json:"warnings,omitempty"`
	StopQty   int64             `json:"stop_qty"`
	TargetQty int64             `json:"target_qty"`
	Risk      decimal.Decimal   `json:"risk"`   // loss if every stop fills at its price
	Reward    decimal.Decimal   `json:"reward"` // gain if every target fills at its price
	R         map[string]string `json:"r,omitempty"`
}

// CheckPlan rejects structurally broken plans and returns a preview whose
// warnings flag suspicious but placeable ones: layer quantities that do not
// add up to the position, or prices on the wrong side of the entry.
func (rm *RiskManager) CheckPlan(p *domain.Plan) (*Preview, error) {
	var errs []error
	if strings.TrimSpace(p.Symbol) == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if strings.TrimSpace(p.Exchange) == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	if !p.Side.Valid() {
		errs = append(errs, fmt.Errorf("side %q must be BUY or SELL", p.Side))
	}
	if p.TotalQty <= 0 {
		errs = append(errs, fmt.Errorf("total quantity %d must be positive", p.TotalQty))
	}
	if len(p.Stops)+len(p.Targets) == 0 {
		errs = append(errs, errors.New("plan has no layers"))
	}
	if rm.maxLayers > 0 && (len(p.Stops) > rm.maxLayers || len(p.Targets) > rm.maxLayers) {
		errs = append(errs, fmt.Errorf("at most %d stops and %d targets allowed", rm.maxLayers, rm.maxLayers))
	}
	seen := make(map[string]bool)
	for _, l := range p.Layers() {
		if seen[l.Label] {
			errs = append(errs, fmt.Errorf("duplicate layer label %q", l.Label))
		}
		seen[l.Label] = true
		if l.Quantity < 0 {
			errs = append(errs, fmt.Errorf("%s quantity %d is negative", l.Label, l.Quantity))
		}
		if l.Price.IsNegative() {
			errs = append(errs, fmt.Errorf("%s price %s is negative", l.Label, l.Price))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}

	pv := &Preview{R: make(map[string]string)}
	if !slices.Contains(domain.Exchanges, p.Exchange) {
		pv.Warnings = append(pv.Warnings, fmt.Sprintf("exchange %q is not one of %v", p.Exchange, domain.Exchanges))
	}

	entry := p.EntryPrice
	hasEntry := entry.IsPositive()
	for _, l := range p.Stops {
		pv.StopQty += l.Quantity
		if l.Quantity == 0 || !l.Price.IsPositive() {
			pv.Warnings = append(pv.Warnings, fmt.Sprintf("%s has no price or quantity and cannot be placed", l.Label))
		}
		if !hasEntry {
			continue
		}
		loss := adverse(p.Side, entry, l.Price)
		if !loss.IsPositive() {
			pv.Warnings = append(pv.Warnings, fmt.Sprintf("%s at %s is on the wrong side of entry %s", l.Label, l.Price, entry))
		}
		pv.Risk = pv.Risk.Add(loss.Mul(decimal.NewFromInt(l.Quantity)))
	}
	for _, l := range p.Targets {
		pv.TargetQty += l.Quantity
		if l.Quantity == 0 || !l.Price.IsPositive() {
			pv.Warnings = append(pv.Warnings, fmt.Sprintf("%s has no price or quantity and cannot be placed", l.Label))
		}
		if !hasEntry {
			continue
		}
		gain := adverse(p.Side, entry, l.Price).Neg()
		if !gain.IsPositive() {
			pv.Warnings = append(pv.Warnings, fmt.Sprintf("%s at %s is on the wrong side of entry %s", l.Label, l.Price, entry))
		}
		pv.Reward = pv.Reward.Add(gain.Mul(decimal.NewFromInt(l.Quantity)))
		if len(p.Stops) > 0 {
			if r, ok := RMultiple(p.Side, entry, p.Stops[0].Price, l.Price); ok {
				pv.R[l.Label] = r.StringFixed(2)
			}
		}
	}
	if pv.StopQty != p.TotalQty {
		pv.Warnings = append(pv.Warnings, fmt.Sprintf("stop quantities sum to %d, position is %d", pv.StopQty, p.TotalQty))
	}
	if pv.TargetQty != p.TotalQty {
		pv.Warnings = append(pv.Warnings, fmt.Sprintf("target quantities sum to %d, position is %d", pv.TargetQty, p.TotalQty))
	}
	return pv, nil
}

// adverse returns how far price sits against the position from entry: positive
// below entry for a long, above entry for a short.
func adverse(side domain.Side, entry, price decimal.Decimal) decimal.Decimal {
	if side == domain.SideSell {
		return price.Sub(entry)
	}
	return entry.Sub(price)
}

// RMultiple expresses the move from entry to price in units of the initial
// risk (entry to stop). ok is false when the stop carries no risk.
func RMultiple(side domain.Side, entry, stop, price decimal.Decimal) (decimal.Decimal, bool) {
	risk := adverse(side, entry, stop)
	if !risk.IsPositive() {
		return decimal.Zero, false
	}
	return adverse(side, entry, price).Neg().Div(risk), true
}

// ---------------------------------------------------------------------------
// Ladder builder
// ---------------------------------------------------------------------------

// DefaultTick is the NSE equity price tick.
var DefaultTick = decimal.RequireFromString("0.05")

// LadderSpec describes evenly split stop and target tiers placed at
// percentage distances from the entry price.
type LadderSpec struct {
	Side       domain.Side       `json:"side" yaml:"side"`
	Entry      decimal.Decimal   `json:"entry" yaml:"entry"`
	TotalQty   int64             `json:"total_qty" yaml:"total_qty"`
	StopPcts   []decimal.Decimal `json:"stop_pcts" yaml:"stop_pcts"`
	TargetPcts []decimal.Decimal `json:"target_pcts" yaml:"target_pcts"`
	Tick       decimal.Decimal   `json:"tick" yaml:"tick"`
}

// Ladder builds stop and target layers from spec. Each kind splits the total
// quantity evenly, the remainder going one unit at a time to the nearest
// tiers. Prices are rounded to the tick.
func Ladder(spec LadderSpec) (stops, targets []domain.Layer, err error) {
	if !spec.Side.Valid() {
		return nil, nil, fmt.Errorf("%w: side %q", ErrInvalidPlan, spec.Side)
	}
	if !spec.Entry.IsPositive() || spec.TotalQty <= 0 {
		return nil, nil, fmt.Errorf("%w: ladder needs a positive entry and quantity", ErrInvalidPlan)
	}
	tick := spec.Tick
	if !tick.IsPositive() {
		tick = DefaultTick
	}
	hundred := decimal.NewFromInt(100)

	build := func(kind domain.LayerKind, pcts []decimal.Decimal, prefix string) ([]domain.Layer, error) {
		qtys := SplitQty(spec.TotalQty, len(pcts))
		out := make([]domain.Layer, 0, len(pcts))
		// Stops move against the position, targets with it.
		up := (kind == domain.LayerTarget) == (spec.Side == domain.SideBuy)
		for i, pct := range pcts {
			if !pct.IsPositive() || (!up && pct.GreaterThanOrEqual(hundred)) {
				return nil, fmt.Errorf("%w: %s distance %s%% out of range", ErrInvalidPlan, kind, pct)
			}
			factor := decimal.NewFromInt(1)
			if up {
				factor = factor.Add(pct.Div(hundred))
			} else {
				factor = factor.Sub(pct.Div(hundred))
			}
			out = append(out, domain.Layer{
				Label:    fmt.Sprintf("%s%d", prefix, i+1),
				Kind:     kind,
				Price:    roundTick(spec.Entry.Mul(factor), tick),
				Quantity: qtys[i],
				Status:   domain.StatusNotPlaced,
			})
		}
		return out, nil
	}

	if stops, err = build(domain.LayerStop, spec.StopPcts, "SL"); err != nil {
		return nil, nil, err
	}
	if targets, err = build(domain.LayerTarget, spec.TargetPcts, "T"); err != nil {
		return nil, nil, err
	}
	return stops, targets, nil
}

// SplitQty divides total into n near-equal parts, earlier parts taking the
// remainder.
func SplitQty(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	out := make([]int64, n)
	base, rem := total/int64(n), total%int64(n)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}

func roundTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Round(0).Mul(tick)
}
