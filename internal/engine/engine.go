// Package engine reconciles multi-tier exit plans against a broker's
// conditional-alert book: it places every layer, infers triggers from the
// pending list, trims profit targets to the remaining quantity, and applies
// operator overrides.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gttdesk/internal/alert"
	"gttdesk/internal/broker"
	"gttdesk/internal/domain"
)

var (
	// ErrNotPlaced is returned by operations that need a placed plan.
	ErrNotPlaced = errors.New("plan has not been placed")

	// ErrNothingToPlace is returned when no layer is NOT_PLACED or FAILED.
	ErrNothingToPlace = errors.New("no layer awaiting placement")

	// ErrUnknownLayer is returned when a label matches no layer.
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrLayerClosed is returned when an operator cancels a layer that has
	// already triggered or been cancelled.
	ErrLayerClosed = errors.New("layer is closed")

	// ErrNoAlert is returned when an operator marks a layer triggered that
	// has no broker alert.
	ErrNoAlert = errors.New("layer has no broker alert")

	// ErrScanAborted wraps the listing error that stopped a scan.
	ErrScanAborted = errors.New("scan aborted")
)

// Throttle spaces broker submissions.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Engine drives plans through their lifecycle against a single broker.
// Plans are mutated in place; callers serialize operations per plan.
type Engine struct {
	broker   broker.Broker
	throttle Throttle
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine creates a new Engine wired with the given dependencies. A nil
// throttle submits without pauses.
func NewEngine(b broker.Broker, throttle Throttle, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:   b,
		throttle: throttle,
		log:      log,
		now:      time.Now,
	}
}

// Broker returns the broker the engine talks to.
func (e *Engine) Broker() broker.Broker {
	return e.broker
}

// ---------------------------------------------------------------------------
// Place all
// ---------------------------------------------------------------------------

// PlaceAll submits every stop, then every target, that is NOT_PLACED or
// FAILED. All candidate layers are validated first; any build error aborts
// the pass before the first network call. A failed submission marks that
// layer FAILED and the batch continues.
func (e *Engine) PlaceAll(ctx context.Context, p *domain.Plan) (*Report, error) {
	rep := newReport(OpPlace)

	type job struct {
		layer   *domain.Layer
		payload domain.AlertPayload
	}
	var (
		jobs []job
		errs []error
	)
	for _, l := range p.Layers() {
		if !l.Status.Placeable() {
			rep.Skipped = append(rep.Skipped, l.Label)
			continue
		}
		payload, err := alert.Build(p, l)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, job{layer: l, payload: payload})
	}
	if len(errs) > 0 {
		return rep, errors.Join(errs...)
	}
	if len(jobs) == 0 {
		return rep, ErrNothingToPlace
	}

	firstPass := !p.Placed()
	placed := 0
	var interrupted error
	for _, j := range jobs {
		if e.throttle != nil {
			if err := e.throttle.Wait(ctx); err != nil {
				interrupted = fmt.Errorf("placement interrupted: %w", err)
				break
			}
		}
		id, err := e.broker.PlaceAlert(ctx, j.payload)
		if err != nil {
			e.log.Warn("alert placement failed", "plan", p.ID, "layer", j.layer.Label, "error", err)
			j.layer.AlertID = ""
			e.move(rep, j.layer, domain.StatusFailed, err.Error())
			rep.fail(j.layer.Label, err)
			continue
		}
		j.layer.AlertID = id
		e.move(rep, j.layer, domain.StatusActive, "placed")
		placed++
	}

	if firstPass && placed > 0 {
		now := e.now()
		p.PlacedAt = &now
		p.ExitedQty = 0
	}
	e.finish(p, rep)
	e.log.Info("placement pass complete", "plan", p.ID, "placed", placed, "failed", len(rep.Errors))
	return rep, interrupted
}

// ---------------------------------------------------------------------------
// Scan
// ---------------------------------------------------------------------------

// Scan reconciles a placed plan with the broker's pending alert list.
//
//  1. A failed listing aborts the scan with no state change.
//  2. Any live layer whose alert is no longer pending is TRIGGERED and its
//     quantity added to the exit total. A CANCEL_FAILED layer that vanished
//     is taken as cancelled instead.
//  3. Cancels that failed earlier and are still pending are retried.
//  4. Targets are ranked nearest first (ascending for a long, descending for
//     a short) and kept while their running quantity fits the remaining
//     position; the rest are cancelled. Triggered targets count toward the
//     running total.
//  5. When nothing remains, every live layer is cancelled.
//
// Re-running Scan against an unchanged broker book changes nothing.
func (e *Engine) Scan(ctx context.Context, p *domain.Plan) (*Report, error) {
	if !p.Placed() {
		return nil, ErrNotPlaced
	}
	pending, err := e.broker.ListAlerts(ctx)
	if err != nil {
		e.log.Warn("scan aborted: alert listing failed", "plan", p.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrScanAborted, err)
	}

	rep := newReport(OpScan)
	rep.PendingAlerts = len(pending)

	for _, l := range p.Layers() {
		if l.AlertID == "" || pending.Has(l.AlertID) {
			continue
		}
		switch l.Status {
		case domain.StatusActive, domain.StatusKeep:
			e.inferTrigger(ctx, p, l, rep)
		case domain.StatusCancelFailed:
			e.move(rep, l, cancelTarget(l), "no longer pending after failed cancel")
		}
	}

	// Layers cancelled or retried in this pass are not touched again.
	handled := make(map[*domain.Layer]bool)
	for _, l := range p.Layers() {
		if l.Status == domain.StatusCancelFailed {
			handled[l] = true
			e.cancel(ctx, p, l, rep, cancelTarget(l), "retrying failed cancel")
		}
	}

	remaining := e.remaining(p, rep)

	var cum int64
	for _, t := range rankTargets(p) {
		switch t.Status {
		case domain.StatusTriggered:
			cum += t.Quantity
			continue
		case domain.StatusActive, domain.StatusKeep:
		default:
			continue
		}
		if next := cum + t.Quantity; next <= remaining {
			cum = next
			if t.Status != domain.StatusKeep {
				e.move(rep, t, domain.StatusKeep, fmt.Sprintf("fits remaining %d", remaining))
			}
			continue
		}
		handled[t] = true
		e.cancel(ctx, p, t, rep, domain.StatusCancelledByManager, fmt.Sprintf("exceeds remaining %d", remaining))
	}

	if remaining == 0 {
		for _, l := range p.Layers() {
			if l.Status.Live() && !handled[l] {
				e.cancel(ctx, p, l, rep, domain.StatusCancelledByManager, "position fully exited")
			}
		}
	}

	e.finish(p, rep)
	e.log.Info("scan complete", "plan", p.ID, "pending", len(pending),
		"remaining", rep.RemainingQty, "transitions", len(rep.Transitions))
	return rep, nil
}

// inferTrigger handles a live layer missing from the pending list. Brokers
// with order history confirm the fill first; an alert that left the book
// without firing is recorded as cancelled outside the manager.
func (e *Engine) inferTrigger(ctx context.Context, p *domain.Plan, l *domain.Layer, rep *Report) {
	if c, ok := e.broker.(broker.TriggerConfirmer); ok {
		fired, err := c.ConfirmTrigger(ctx, l.AlertID)
		switch {
		case err != nil:
			e.log.Warn("trigger confirmation failed, assuming triggered", "plan", p.ID, "layer", l.Label, "error", err)
		case !fired:
			e.move(rep, l, domain.StatusCancelledByUser, "left the broker book without firing")
			return
		}
	}
	e.markExited(p, l, rep, "no longer pending at broker")
}

// remaining clamps the open quantity at zero and reports over-exit.
func (e *Engine) remaining(p *domain.Plan, rep *Report) int64 {
	if p.Overexited() {
		msg := fmt.Sprintf("exited quantity %d exceeds total quantity %d", p.ExitedQty, p.TotalQty)
		e.log.Warn("plan over-exited", "plan", p.ID, "exited", p.ExitedQty, "total", p.TotalQty)
		rep.Warnings = append(rep.Warnings, msg)
	}
	return p.RemainingQty()
}

// rankTargets orders targets nearest to the entry first. Equal prices keep
// their plan order.
func rankTargets(p *domain.Plan) []*domain.Layer {
	out := make([]*domain.Layer, len(p.Targets))
	for i := range p.Targets {
		out[i] = &p.Targets[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if p.Side == domain.SideSell {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// ---------------------------------------------------------------------------
// Cancel all
// ---------------------------------------------------------------------------

// CancelAll cancels every live layer. A failed cancel leaves the layer as it
// was and is only reported.
func (e *Engine) CancelAll(ctx context.Context, p *domain.Plan) (*Report, error) {
	rep := newReport(OpCancelAll)
	for _, l := range p.Layers() {
		if !l.Status.Live() || l.AlertID == "" {
			continue
		}
		if err := e.broker.CancelAlert(ctx, l.AlertID); err != nil {
			e.log.Warn("cancel failed", "plan", p.ID, "layer", l.Label, "alert_id", l.AlertID, "error", err)
			l.Error = err.Error()
			rep.fail(l.Label, err)
			continue
		}
		e.move(rep, l, domain.StatusCancelledByManager, "cancel all")
	}
	e.finish(p, rep)
	return rep, nil
}

// ---------------------------------------------------------------------------
// Manual overrides
// ---------------------------------------------------------------------------

// MarkTriggered records an operator-declared exit for a layer. The layer's
// quantity is added to the exit total at most once over its lifetime. A
// layer that never reached the broker cannot have fired.
func (e *Engine) MarkTriggered(p *domain.Plan, label string) (*Report, error) {
	if !p.Placed() {
		return nil, ErrNotPlaced
	}
	l := p.Layer(label)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, label)
	}
	if l.AlertID == "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoAlert, label, l.Status)
	}
	rep := newReport(OpMarkTriggered)
	e.markExited(p, l, rep, "marked triggered by operator")
	e.remaining(p, rep)
	e.finish(p, rep)
	return rep, nil
}

// CancelLayer cancels a single layer at the operator's request.
func (e *Engine) CancelLayer(ctx context.Context, p *domain.Plan, label string) (*Report, error) {
	l := p.Layer(label)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, label)
	}
	if !l.Status.Live() && !l.Status.Placeable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrLayerClosed, label, l.Status)
	}
	rep := newReport(OpCancelLayer)
	e.cancel(ctx, p, l, rep, domain.StatusCancelledByUser, "cancelled by operator")
	e.finish(p, rep)
	return rep, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// cancel cancels l at the broker and moves it to success on success or
// CANCEL_FAILED on failure, remembering success for the retry. A layer with
// no alert has nothing to cancel and returns to NOT_PLACED.
func (e *Engine) cancel(ctx context.Context, p *domain.Plan, l *domain.Layer, rep *Report, success domain.LayerStatus, reason string) {
	if l.AlertID == "" {
		e.move(rep, l, domain.StatusNotPlaced, "no alert to cancel")
		return
	}
	if err := e.broker.CancelAlert(ctx, l.AlertID); err != nil {
		e.log.Warn("cancel failed", "plan", p.ID, "layer", l.Label, "alert_id", l.AlertID, "error", err)
		l.CancelIntent = success
		rep.fail(l.Label, err)
		if l.Status == domain.StatusCancelFailed {
			l.Error = err.Error()
			return
		}
		e.move(rep, l, domain.StatusCancelFailed, err.Error())
		return
	}
	e.move(rep, l, success, reason)
}

// cancelTarget is the status a CANCEL_FAILED layer settles in once its
// alert is gone.
func cancelTarget(l *domain.Layer) domain.LayerStatus {
	if l.CancelIntent == domain.StatusCancelledByUser {
		return domain.StatusCancelledByUser
	}
	return domain.StatusCancelledByManager
}

// markExited moves l to TRIGGERED and counts its quantity unless it was
// already counted.
func (e *Engine) markExited(p *domain.Plan, l *domain.Layer, rep *Report, reason string) {
	if !l.Exited {
		l.Exited = true
		p.ExitedQty += l.Quantity
		rep.NewlyExited = append(rep.NewlyExited, l.Label)
	}
	if l.Status != domain.StatusTriggered {
		e.move(rep, l, domain.StatusTriggered, reason)
	}
}

// move changes a layer's status and records the transition.
func (e *Engine) move(rep *Report, l *domain.Layer, to domain.LayerStatus, reason string) {
	from := l.Status
	l.Status = to
	l.UpdatedAt = e.now()
	if to != domain.StatusCancelFailed {
		l.CancelIntent = ""
	}
	switch to {
	case domain.StatusFailed, domain.StatusCancelFailed:
		l.Error = reason
	default:
		l.Error = ""
	}
	rep.Transitions = append(rep.Transitions, domain.Transition{
		Label:    l.Label,
		Kind:     l.Kind,
		From:     from,
		To:       to,
		AlertID:  l.AlertID,
		Quantity: l.Quantity,
		Reason:   reason,
	})
}

func (e *Engine) finish(p *domain.Plan, rep *Report) {
	rep.ExitedQty = p.ExitedQty
	rep.RemainingQty = p.RemainingQty()
	if len(rep.Transitions) > 0 {
		p.UpdatedAt = e.now()
	}
}
