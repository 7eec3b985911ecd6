// Package desk coordinates exit plans for a trading session. It owns the plan
// registry, serializes operations on each plan, journals every layer
// transition and publishes it to live subscribers.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gttdesk/internal/domain"
	"gttdesk/internal/engine"
	"gttdesk/internal/feed"
	"gttdesk/internal/store"
)

// ErrArchiveDisabled is returned by Archive when no archive directory is set.
var ErrArchiveDisabled = errors.New("journal archive is not configured")

// CreateRequest describes a new plan. When Ladder is set and no layers are
// given, the layers are generated from it.
type CreateRequest struct {
	Symbol      string             `json:"symbol" yaml:"symbol"`
	Exchange    string             `json:"exchange" yaml:"exchange"`
	Side        domain.Side        `json:"side" yaml:"side"`
	EntryPrice  decimal.Decimal    `json:"entry_price" yaml:"entry_price"`
	TotalQty    int64              `json:"total_qty" yaml:"total_qty"`
	ProductType string             `json:"product_type,omitempty" yaml:"product_type"`
	Remarks     string             `json:"remarks,omitempty" yaml:"remarks"`
	Stops       []domain.Layer     `json:"stops,omitempty" yaml:"stops"`
	Targets     []domain.Layer     `json:"targets,omitempty" yaml:"targets"`
	Ladder      *engine.LadderSpec `json:"ladder,omitempty" yaml:"ladder"`
}

// Result is a plan snapshot together with the report of the operation that
// produced it.
type Result struct {
	Plan    *domain.Plan    `json:"plan"`
	Report  *engine.Report  `json:"report,omitempty"`
	Preview *engine.Preview `json:"preview,omitempty"`
}

// ScanSummary reports one ScanAll sweep.
type ScanSummary struct {
	Scanned []string          `json:"scanned"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Config wires a Desk.
type Config struct {
	Plans       store.PlanStore
	Journal     store.Journal
	Engine      *engine.Engine
	Risk        *engine.RiskManager
	Feed        *feed.Feed
	ArchiveDir  string
	ScanWorkers int // concurrent plans in ScanAll; default 4
	Logger      *slog.Logger
}

// Desk is safe for concurrent use. Operations on one plan run one at a time;
// operations on different plans may overlap.
type Desk struct {
	plans      store.PlanStore
	journal    store.Journal
	engine     *engine.Engine
	risk       *engine.RiskManager
	feed       *feed.Feed
	archiveDir string
	workers    int
	log        *slog.Logger
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Desk from cfg. A nil Risk manager applies no layer limit and
// a nil Feed publishes nowhere.
func New(cfg Config) *Desk {
	d := &Desk{
		plans:      cfg.Plans,
		journal:    cfg.Journal,
		engine:     cfg.Engine,
		risk:       cfg.Risk,
		feed:       cfg.Feed,
		archiveDir: cfg.ArchiveDir,
		workers:    cfg.ScanWorkers,
		log:        cfg.Logger,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
	if d.risk == nil {
		d.risk = engine.NewRiskManager(0)
	}
	if d.workers <= 0 {
		d.workers = 4
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Broker returns the name of the broker behind the engine.
func (d *Desk) Broker() string {
	return d.engine.Broker().Name()
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// CreatePlan validates req, stores the new plan and returns it with its
// preview. The plan is not placed.
func (d *Desk) CreatePlan(ctx context.Context, req CreateRequest) (*Result, error) {
	p := &domain.Plan{
		ID:          uuid.NewString(),
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Exchange:    strings.ToUpper(strings.TrimSpace(req.Exchange)),
		Side:        domain.Side(strings.ToUpper(string(req.Side))),
		EntryPrice:  req.EntryPrice,
		TotalQty:    req.TotalQty,
		ProductType: req.ProductType,
		Remarks:     req.Remarks,
		Stops:       append([]domain.Layer(nil), req.Stops...),
		Targets:     append([]domain.Layer(nil), req.Targets...),
	}
	if req.Ladder != nil && len(p.Stops) == 0 && len(p.Targets) == 0 {
		spec := *req.Ladder
		if spec.Side == "" {
			spec.Side = p.Side
		}
		if spec.Entry.IsZero() {
			spec.Entry = p.EntryPrice
		}
		if spec.TotalQty == 0 {
			spec.TotalQty = p.TotalQty
		}
		stops, targets, err := engine.Ladder(spec)
		if err != nil {
			return nil, err
		}
		p.Stops, p.Targets = stops, targets
	}
	for _, l := range p.Layers() {
		// A new plan starts clean regardless of what the request carried.
		l.AlertID, l.Status, l.Exited, l.Error, l.CancelIntent = "", "", false, "", ""
	}
	p.AssignLabels()

	pv, err := d.risk.CheckPlan(p)
	if err != nil {
		return nil, err
	}
	now := d.now()
	p.CreatedAt, p.UpdatedAt = now, now

	if err := d.plans.SavePlan(ctx, p); err != nil {
		return nil, err
	}
	events := []domain.Event{{
		Time:     now,
		PlanID:   p.ID,
		Type:     domain.EventPlanCreated,
		Quantity: p.TotalQty,
		Detail:   fmt.Sprintf("%s %s %s %d @ %s", p.Exchange, p.Symbol, p.Side, p.TotalQty, p.EntryPrice),
	}}
	for _, w := range pv.Warnings {
		events = append(events, domain.Event{Time: now, PlanID: p.ID, Type: domain.EventWarning, Detail: w})
	}
	d.record(ctx, events)
	d.log.Info("plan created", "plan", p.ID, "symbol", p.Symbol, "side", p.Side,
		"qty", p.TotalQty, "stops", len(p.Stops), "targets", len(p.Targets), "warnings", len(pv.Warnings))
	return &Result{Plan: p, Preview: pv}, nil
}

// Get returns a plan snapshot.
func (d *Desk) Get(ctx context.Context, id string) (*domain.Plan, error) {
	return d.plans.GetPlan(ctx, id)
}

// List returns every plan, oldest first.
func (d *Desk) List(ctx context.Context) ([]*domain.Plan, error) {
	return d.plans.ListPlans(ctx)
}

// Delete removes a plan. Its broker alerts are left alone; live ones are
// noted in the journal. When an archive directory is configured the journal
// is archived and the file path returned.
func (d *Desk) Delete(ctx context.Context, id string) (string, error) {
	mu := d.lock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := d.plans.GetPlan(ctx, id)
	if err != nil {
		return "", err
	}
	var live []string
	for _, l := range p.Layers() {
		if l.Status.Live() {
			live = append(live, l.Label)
		}
	}
	detail := "deleted"
	if len(live) > 0 {
		detail = fmt.Sprintf("deleted with live alerts: %s", strings.Join(live, ","))
		d.log.Warn("plan deleted with live alerts", "plan", id, "layers", live)
	}
	if err := d.plans.DeletePlan(ctx, id); err != nil {
		return "", err
	}
	d.record(ctx, []domain.Event{{Time: d.now(), PlanID: id, Type: domain.EventPlanDeleted, Detail: detail}})

	d.locksMu.Lock()
	delete(d.locks, id)
	d.locksMu.Unlock()

	if d.archiveDir == "" {
		return "", nil
	}
	path, err := d.archive(ctx, id)
	if err != nil {
		d.log.Warn("archiving deleted plan failed", "plan", id, "error", err)
		return "", nil
	}
	return path, nil
}

// ---------------------------------------------------------------------------
// Engine operations
// ---------------------------------------------------------------------------

// Place submits every unplaced or failed layer of a plan.
func (d *Desk) Place(ctx context.Context, id string) (*Result, error) {
	return d.apply(ctx, id, func(p *domain.Plan) (*engine.Report, error) {
		return d.engine.PlaceAll(ctx, p)
	})
}

// Scan reconciles a plan with the broker.
func (d *Desk) Scan(ctx context.Context, id string) (*Result, error) {
	return d.apply(ctx, id, func(p *domain.Plan) (*engine.Report, error) {
		return d.engine.Scan(ctx, p)
	})
}

// CancelAll cancels every live layer of a plan.
func (d *Desk) CancelAll(ctx context.Context, id string) (*Result, error) {
	return d.apply(ctx, id, func(p *domain.Plan) (*engine.Report, error) {
		return d.engine.CancelAll(ctx, p)
	})
}

// MarkTriggered records an operator-declared trigger of one layer.
func (d *Desk) MarkTriggered(ctx context.Context, id, label string) (*Result, error) {
	return d.apply(ctx, id, func(p *domain.Plan) (*engine.Report, error) {
		return d.engine.MarkTriggered(p, label)
	})
}

// CancelLayer cancels one layer at the operator's request.
func (d *Desk) CancelLayer(ctx context.Context, id, label string) (*Result, error) {
	return d.apply(ctx, id, func(p *domain.Plan) (*engine.Report, error) {
		return d.engine.CancelLayer(ctx, p, label)
	})
}

// ScanAll scans every placed plan that still has live layers. A failing plan
// does not stop the sweep.
func (d *Desk) ScanAll(ctx context.Context) (*ScanSummary, error) {
	plans, err := d.plans.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	sum := &ScanSummary{Scanned: []string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, p := range plans {
		if !p.Placed() || !hasLive(p) {
			continue
		}
		id := p.ID
		g.Go(func() error {
			_, err := d.Scan(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			sum.Scanned = append(sum.Scanned, id)
			if err != nil {
				if sum.Failed == nil {
					sum.Failed = make(map[string]string)
				}
				sum.Failed[id] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(sum.Scanned)
	if len(sum.Scanned) > 0 {
		d.log.Info("scan sweep complete", "scanned", len(sum.Scanned), "failed", len(sum.Failed))
	}
	return sum, nil
}

// apply runs op on a plan under its lock, then saves, journals and publishes
// the outcome. An operation that fails without touching any layer leaves the
// stored plan as it was.
func (d *Desk) apply(ctx context.Context, id string, op func(*domain.Plan) (*engine.Report, error)) (*Result, error) {
	mu := d.lock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := d.plans.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	rep, opErr := op(p)
	if rep == nil || (opErr != nil && len(rep.Transitions) == 0) {
		return &Result{Plan: p, Report: rep}, opErr
	}
	// The broker has already acted; persist even if the caller gave up.
	saveCtx := context.WithoutCancel(ctx)
	if err := d.plans.SavePlan(saveCtx, p); err != nil {
		return nil, fmt.Errorf("saving plan %s after %s: %w", id, rep.Op, err)
	}
	d.record(saveCtx, reportEvents(d.now(), p, rep))
	return &Result{Plan: p, Report: rep}, opErr
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// Journal returns the events recorded for a plan.
func (d *Desk) Journal(ctx context.Context, id string) ([]domain.Event, error) {
	return d.journal.Events(ctx, id)
}

// Subscribe registers a live event subscriber. The returned function
// unsubscribes.
func (d *Desk) Subscribe(bufSize int) (<-chan domain.Event, func()) {
	if d.feed == nil {
		ch := make(chan domain.Event)
		return ch, func() {}
	}
	id, ch := d.feed.Subscribe(bufSize)
	return ch, func() { d.feed.Unsubscribe(id) }
}

// Archive writes a plan's journal to its parquet archive.
func (d *Desk) Archive(ctx context.Context, id string) (string, error) {
	if d.archiveDir == "" {
		return "", ErrArchiveDisabled
	}
	if _, err := d.plans.GetPlan(ctx, id); err != nil {
		return "", err
	}
	return d.archive(ctx, id)
}

func (d *Desk) archive(ctx context.Context, id string) (string, error) {
	events, err := d.journal.Events(ctx, id)
	if err != nil {
		return "", err
	}
	path, err := store.WriteArchive(d.archiveDir, id, events)
	if err != nil {
		return "", err
	}
	d.log.Info("journal archived", "plan", id, "events", len(events), "path", path)
	return path, nil
}

// record appends events to the journal and publishes them. Journal failures
// are logged; the plan snapshot is already saved.
func (d *Desk) record(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	if err := d.journal.Append(ctx, events...); err != nil {
		d.log.Error("journal append failed", "plan", events[0].PlanID, "events", len(events), "error", err)
	}
	if d.feed != nil {
		d.feed.Publish(events...)
	}
}

// reportEvents turns a report into journal events: one per transition, one
// per failure that did not move its layer, one per warning, and a summary for
// scans.
func reportEvents(now time.Time, p *domain.Plan, rep *engine.Report) []domain.Event {
	var out []domain.Event
	moved := make(map[string]bool, len(rep.Transitions))
	for _, t := range rep.Transitions {
		moved[t.Label] = true
		out = append(out, domain.Event{
			Time:     now,
			PlanID:   p.ID,
			Type:     domain.EventLayer,
			Op:       rep.Op,
			Layer:    t.Label,
			From:     t.From,
			To:       t.To,
			AlertID:  t.AlertID,
			Quantity: t.Quantity,
			Detail:   t.Reason,
		})
	}
	labels := make([]string, 0, len(rep.Errors))
	for label := range rep.Errors {
		if !moved[label] {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	for _, label := range labels {
		out = append(out, domain.Event{Time: now, PlanID: p.ID, Type: domain.EventWarning, Op: rep.Op,
			Layer: label, Detail: rep.Errors[label]})
	}
	for _, w := range rep.Warnings {
		out = append(out, domain.Event{Time: now, PlanID: p.ID, Type: domain.EventWarning, Op: rep.Op, Detail: w})
	}
	if rep.Op == engine.OpScan {
		detail := fmt.Sprintf("pending=%d exited=%d remaining=%d transitions=%d",
			rep.PendingAlerts, rep.ExitedQty, rep.RemainingQty, len(rep.Transitions))
		out = append(out, domain.Event{
			Time:     now,
			PlanID:   p.ID,
			Type:     domain.EventScan,
			Op:       rep.Op,
			Quantity: rep.RemainingQty,
			Detail:   detail,
		})
	}
	return out
}

func (d *Desk) lock(id string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	mu, ok := d.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		d.locks[id] = mu
	}
	return mu
}

func hasLive(p *domain.Plan) bool {
	for _, l := range p.Layers() {
		if l.Status.Live() {
			return true
		}
	}
	return false
}
