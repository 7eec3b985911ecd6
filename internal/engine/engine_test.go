package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"gttdesk/internal/alert"
	"gttdesk/internal/broker"
	"gttdesk/internal/domain"
)

// fakeBroker is a scriptable broker without trigger confirmation, so every
// disappearance counts as a trigger.
type fakeBroker struct {
	mu        sync.Mutex
	next      int
	pending   map[string]bool
	placed    []domain.AlertPayload
	cancelled []string
	lists     int

	placeErr  map[string]error // by layer label (payload remarks)
	cancelErr map[string]error // by alert id
	listErr   error

	cancelCalls map[string]int // by alert id
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		pending:   make(map[string]bool),
		placeErr:  make(map[string]error),
		cancelErr: make(map[string]error),

		cancelCalls: make(map[string]int),
	}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) PlaceAlert(_ context.Context, p domain.AlertPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, p)
	if err := f.placeErr[p.Remarks]; err != nil {
		return "", err
	}
	f.next++
	id := fmt.Sprintf("A%d", f.next)
	f.pending[id] = true
	return id, nil
}

func (f *fakeBroker) ListAlerts(context.Context) (broker.AlertSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	set := make(broker.AlertSet)
	for id := range f.pending {
		set[id] = struct{}{}
	}
	return set, nil
}

func (f *fakeBroker) CancelAlert(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls[id]++
	if err := f.cancelErr[id]; err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, id)
	delete(f.pending, id)
	return nil
}

// fire removes the alert behind a layer, as if it had triggered.
func (f *fakeBroker) fire(t *testing.T, p *domain.Plan, label string) {
	t.Helper()
	l := p.Layer(label)
	if l == nil || l.AlertID == "" {
		t.Fatalf("layer %s has no alert to fire", label)
	}
	f.mu.Lock()
	delete(f.pending, l.AlertID)
	f.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func px(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ladderPlan is a long of 100 with stops 40+60 and four targets of 25,
// stored out of price order.
func ladderPlan() *domain.Plan {
	return &domain.Plan{
		ID:         "p1",
		Symbol:     "RELIANCE-EQ",
		Exchange:   "NSE",
		Side:       domain.SideBuy,
		EntryPrice: px("100"),
		TotalQty:   100,
		Stops: []domain.Layer{
			{Label: "S1", Kind: domain.LayerStop, Price: px("95"), Quantity: 40, Status: domain.StatusNotPlaced},
			{Label: "S2", Kind: domain.LayerStop, Price: px("90"), Quantity: 60, Status: domain.StatusNotPlaced},
		},
		Targets: []domain.Layer{
			{Label: "T3", Kind: domain.LayerTarget, Price: px("115"), Quantity: 25, Status: domain.StatusNotPlaced},
			{Label: "T1", Kind: domain.LayerTarget, Price: px("105"), Quantity: 25, Status: domain.StatusNotPlaced},
			{Label: "T4", Kind: domain.LayerTarget, Price: px("120"), Quantity: 25, Status: domain.StatusNotPlaced},
			{Label: "T2", Kind: domain.LayerTarget, Price: px("110"), Quantity: 25, Status: domain.StatusNotPlaced},
		},
	}
}

func placedPlan(t *testing.T, fb *fakeBroker) (*Engine, *domain.Plan) {
	t.Helper()
	e := NewEngine(fb, nil, quietLogger())
	p := ladderPlan()
	if _, err := e.PlaceAll(context.Background(), p); err != nil {
		t.Fatalf("PlaceAll: %v", err)
	}
	return e, p
}

func statuses(p *domain.Plan) map[string]domain.LayerStatus {
	out := make(map[string]domain.LayerStatus)
	for _, l := range p.Layers() {
		out[l.Label] = l.Status
	}
	return out
}

func wantStatuses(t *testing.T, p *domain.Plan, want map[string]domain.LayerStatus) {
	t.Helper()
	got := statuses(p)
	for label, w := range want {
		if got[label] != w {
			t.Errorf("%s status = %s, want %s", label, got[label], w)
		}
	}
}

func checkQtyInvariant(t *testing.T, p *domain.Plan) {
	t.Helper()
	if p.ExitedQty < 0 || p.ExitedQty > p.TotalQty {
		t.Errorf("exited %d outside [0, %d]", p.ExitedQty, p.TotalQty)
	}
	if p.RemainingQty() != p.TotalQty-p.ExitedQty {
		t.Errorf("remaining %d != total %d - exited %d", p.RemainingQty(), p.TotalQty, p.ExitedQty)
	}
}

// ---------------------------------------------------------------------------
// Place all
// ---------------------------------------------------------------------------

func TestPlaceAllStopsThenTargets(t *testing.T) {
	fb := newFakeBroker()
	_, p := placedPlan(t, fb)

	wantOrder := []string{"S1", "S2", "T3", "T1", "T4", "T2"}
	if len(fb.placed) != len(wantOrder) {
		t.Fatalf("placed %d alerts, want %d", len(fb.placed), len(wantOrder))
	}
	for i, w := range wantOrder {
		if fb.placed[i].Remarks != w {
			t.Errorf("placement %d = %s, want %s", i, fb.placed[i].Remarks, w)
		}
	}
	for _, l := range p.Layers() {
		if l.Status != domain.StatusActive || l.AlertID == "" {
			t.Errorf("%s = %s (alert %q), want ACTIVE with alert", l.Label, l.Status, l.AlertID)
		}
	}
	if p.PlacedAt == nil {
		t.Error("PlacedAt not set")
	}
	if p.ExitedQty != 0 {
		t.Errorf("ExitedQty = %d, want 0", p.ExitedQty)
	}
}

func TestPlaceAllPartialFailure(t *testing.T) {
	fb := newFakeBroker()
	fb.placeErr["T1"] = errors.New("broker timeout")
	e := NewEngine(fb, nil, quietLogger())
	p := ladderPlan()
	p.Targets = p.Targets[:3] // five layers

	rep, err := e.PlaceAll(context.Background(), p)
	if err != nil {
		t.Fatalf("PlaceAll: %v", err)
	}
	if len(fb.placed) != 5 {
		t.Errorf("attempted %d placements, want 5", len(fb.placed))
	}
	wantStatuses(t, p, map[string]domain.LayerStatus{
		"S1": domain.StatusActive,
		"S2": domain.StatusActive,
		"T3": domain.StatusActive,
		"T1": domain.StatusFailed,
		"T4": domain.StatusActive,
	})
	if p.Layer("T1").AlertID != "" {
		t.Error("failed layer should carry no alert id")
	}
	if p.Layer("T1").Error == "" {
		t.Error("failed layer should record its error")
	}
	if _, ok := rep.Errors["T1"]; !ok {
		t.Errorf("report errors = %v, want T1", rep.Errors)
	}
}

func TestPlaceAllRetriesOnlyFailedLayers(t *testing.T) {
	fb := newFakeBroker()
	fb.placeErr["S2"] = errors.New("rejected")
	e := NewEngine(fb, nil, quietLogger())
	p := ladderPlan()
	ctx := context.Background()

	if _, err := e.PlaceAll(ctx, p); err != nil {
		t.Fatalf("first PlaceAll: %v", err)
	}
	placedAt := *p.PlacedAt

	delete(fb.placeErr, "S2")
	fb.placed = nil
	rep, err := e.PlaceAll(ctx, p)
	if err != nil {
		t.Fatalf("second PlaceAll: %v", err)
	}
	if len(fb.placed) != 1 || fb.placed[0].Remarks != "S2" {
		t.Fatalf("second pass placed %v, want only S2", fb.placed)
	}
	if len(rep.Skipped) != 5 {
		t.Errorf("skipped %v, want 5 layers", rep.Skipped)
	}
	if !p.PlacedAt.Equal(placedAt) {
		t.Error("PlacedAt moved on a retry pass")
	}

	if _, err := e.PlaceAll(ctx, p); !errors.Is(err, ErrNothingToPlace) {
		t.Errorf("third PlaceAll err = %v, want ErrNothingToPlace", err)
	}
}

func TestPlaceAllValidationBeforeNetwork(t *testing.T) {
	fb := newFakeBroker()
	e := NewEngine(fb, nil, quietLogger())
	p := ladderPlan()
	p.Targets[2].Quantity = 0
	p.Stops[0].Price = decimal.Zero

	_, err := e.PlaceAll(context.Background(), p)
	if !errors.Is(err, alert.ErrInvalidLayer) {
		t.Fatalf("err = %v, want ErrInvalidLayer", err)
	}
	if len(fb.placed) != 0 {
		t.Errorf("placed %d alerts despite validation failure", len(fb.placed))
	}
	if p.Placed() {
		t.Error("plan marked placed")
	}
	for _, l := range p.Layers() {
		if l.Status != domain.StatusNotPlaced {
			t.Errorf("%s = %s, want NOT_PLACED", l.Label, l.Status)
		}
	}
}

type countingThrottle struct{ n int }

func (c *countingThrottle) Wait(ctx context.Context) error {
	c.n++
	return ctx.Err()
}

func TestPlaceAllThrottlesEverySubmission(t *testing.T) {
	th := &countingThrottle{}
	e := NewEngine(newFakeBroker(), th, quietLogger())
	p := ladderPlan()
	if _, err := e.PlaceAll(context.Background(), p); err != nil {
		t.Fatalf("PlaceAll: %v", err)
	}
	if th.n != 6 {
		t.Errorf("throttle waited %d times, want 6", th.n)
	}
}

func TestPlaceAllInterrupted(t *testing.T) {
	fb := newFakeBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine(fb, &countingThrottle{}, quietLogger())
	p := ladderPlan()

	_, err := e.PlaceAll(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(fb.placed) != 0 || p.Placed() {
		t.Error("cancelled pass should place nothing")
	}
}

// ---------------------------------------------------------------------------
// Scan
// ---------------------------------------------------------------------------

func TestScanTargetKeepThreshold(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	fb.fire(t, p, "S1")

	rep, err := e.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.ExitedQty != 40 || p.RemainingQty() != 60 {
		t.Errorf("exited/remaining = %d/%d, want 40/60", p.ExitedQty, p.RemainingQty())
	}
	wantStatuses(t, p, map[string]domain.LayerStatus{
		"S1": domain.StatusTriggered,
		"S2": domain.StatusActive,
		"T1": domain.StatusKeep,
		"T2": domain.StatusKeep,
		"T3": domain.StatusCancelledByManager,
		"T4": domain.StatusCancelledByManager,
	})
	if got := rep.NewlyExited; len(got) != 1 || got[0] != "S1" {
		t.Errorf("NewlyExited = %v, want [S1]", got)
	}
	if len(fb.cancelled) != 2 {
		t.Errorf("cancelled %v, want 2 alerts", fb.cancelled)
	}
	checkQtyInvariant(t, p)
}

func TestScanIdempotent(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	fb.fire(t, p, "S1")
	ctx := context.Background()

	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	before := statuses(p)
	exited := p.ExitedQty
	cancels := len(fb.cancelled)

	rep, err := e.Scan(ctx, p)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(rep.Transitions) != 0 {
		t.Errorf("second scan transitions = %+v, want none", rep.Transitions)
	}
	after := statuses(p)
	for label, s := range before {
		if after[label] != s {
			t.Errorf("%s changed %s -> %s on second scan", label, s, after[label])
		}
	}
	if p.ExitedQty != exited {
		t.Errorf("ExitedQty changed %d -> %d", exited, p.ExitedQty)
	}
	if len(fb.cancelled) != cancels {
		t.Error("second scan issued cancels")
	}
}

func TestScanFullExitCancelsEveryLiveLayer(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()

	fb.fire(t, p, "T1")
	fb.fire(t, p, "T2")
	fb.fire(t, p, "T3")
	fb.fire(t, p, "T4")
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if p.ExitedQty != 100 || p.RemainingQty() != 0 {
		t.Fatalf("exited/remaining = %d/%d, want 100/0", p.ExitedQty, p.RemainingQty())
	}
	wantStatuses(t, p, map[string]domain.LayerStatus{
		"S1": domain.StatusCancelledByManager,
		"S2": domain.StatusCancelledByManager,
		"T1": domain.StatusTriggered,
		"T2": domain.StatusTriggered,
		"T3": domain.StatusTriggered,
		"T4": domain.StatusTriggered,
	})
	for _, l := range p.Layers() {
		if l.Status.Live() {
			t.Errorf("%s still live after full exit", l.Label)
		}
	}
	checkQtyInvariant(t, p)
}

func TestScanStopsExhaustPosition(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	fb.fire(t, p, "S1")
	fb.fire(t, p, "S2")

	if _, err := e.Scan(context.Background(), p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, label := range []string{"T1", "T2", "T3", "T4"} {
		if s := p.Layer(label).Status; s != domain.StatusCancelledByManager {
			t.Errorf("%s = %s, want CANCELLED_BY_MANAGER", label, s)
		}
	}
	if len(fb.pending) != 0 {
		t.Errorf("broker still holds %d alerts", len(fb.pending))
	}
	checkQtyInvariant(t, p)
}

func TestScanListingFailureChangesNothing(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	fb.fire(t, p, "S1")
	fb.listErr = errors.New("connection reset")

	before := statuses(p)
	rep, err := e.Scan(context.Background(), p)
	if !errors.Is(err, ErrScanAborted) {
		t.Fatalf("err = %v, want ErrScanAborted", err)
	}
	if rep != nil {
		t.Errorf("report = %+v, want nil", rep)
	}
	after := statuses(p)
	for label, s := range before {
		if after[label] != s {
			t.Errorf("%s changed %s -> %s", label, s, after[label])
		}
	}
	if p.ExitedQty != 0 {
		t.Errorf("ExitedQty = %d, want 0", p.ExitedQty)
	}
	if len(fb.cancelled) != 0 {
		t.Error("cancels issued after listing failure")
	}
}

func TestScanRequiresPlacement(t *testing.T) {
	fb := newFakeBroker()
	e := NewEngine(fb, nil, quietLogger())
	if _, err := e.Scan(context.Background(), ladderPlan()); !errors.Is(err, ErrNotPlaced) {
		t.Errorf("err = %v, want ErrNotPlaced", err)
	}
	if fb.lists != 0 {
		t.Error("unplaced scan called the broker")
	}
}

func TestScanRetriesFailedCancel(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()
	fb.fire(t, p, "S1")
	t3 := p.Layer("T3").AlertID
	fb.cancelErr[t3] = errors.New("gateway timeout")

	rep, err := e.Scan(ctx, p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s := p.Layer("T3").Status; s != domain.StatusCancelFailed {
		t.Fatalf("T3 = %s, want CANCEL_FAILED", s)
	}
	if p.Layer("T3").AlertID != t3 {
		t.Error("CANCEL_FAILED layer lost its alert id")
	}
	if _, ok := rep.Errors["T3"]; !ok {
		t.Errorf("report errors = %v, want T3", rep.Errors)
	}

	delete(fb.cancelErr, t3)
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("retry Scan: %v", err)
	}
	if s := p.Layer("T3").Status; s != domain.StatusCancelledByManager {
		t.Errorf("T3 after retry = %s, want CANCELLED_BY_MANAGER", s)
	}
	if p.ExitedQty != 40 {
		t.Errorf("ExitedQty = %d, want 40", p.ExitedQty)
	}
}

func TestScanRetriesFailedOperatorCancel(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()
	t1 := p.Layer("T1").AlertID
	fb.cancelErr[t1] = errors.New("gateway timeout")

	if _, err := e.CancelLayer(ctx, p, "T1"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	if s := p.Layer("T1").Status; s != domain.StatusCancelFailed {
		t.Fatalf("T1 = %s, want CANCEL_FAILED", s)
	}

	// Still failing: the layer stays CANCEL_FAILED and is not kept.
	rep, err := e.Scan(ctx, p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s := p.Layer("T1").Status; s != domain.StatusCancelFailed {
		t.Errorf("T1 = %s, want CANCEL_FAILED", s)
	}
	for _, tr := range rep.Transitions {
		if tr.Label == "T1" {
			t.Errorf("repeat failure recorded transition %+v", tr)
		}
	}
	if fb.cancelCalls[t1] != 2 {
		t.Errorf("cancel calls = %d, want 2", fb.cancelCalls[t1])
	}

	delete(fb.cancelErr, t1)
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("retry Scan: %v", err)
	}
	if s := p.Layer("T1").Status; s != domain.StatusCancelledByUser {
		t.Errorf("T1 after retry = %s, want CANCELLED_BY_USER", s)
	}
	if len(fb.cancelled) != 1 || fb.cancelled[0] != t1 {
		t.Errorf("cancelled = %v, want [%s]", fb.cancelled, t1)
	}
	if p.Layer("T1").CancelIntent != "" {
		t.Errorf("cancel intent left behind: %s", p.Layer("T1").CancelIntent)
	}
}

func TestScanRetriesFailedStopCancel(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()
	s2 := p.Layer("S2").AlertID
	fb.cancelErr[s2] = errors.New("gateway timeout")
	if _, err := e.CancelLayer(ctx, p, "S2"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}

	delete(fb.cancelErr, s2)
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s := p.Layer("S2").Status; s != domain.StatusCancelledByUser {
		t.Errorf("S2 = %s, want CANCELLED_BY_USER", s)
	}
	if p.RemainingQty() != 100 {
		t.Errorf("RemainingQty = %d, want 100", p.RemainingQty())
	}
}

func TestScanOperatorCancelFailedAlertGone(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()
	fb.cancelErr[p.Layer("T2").AlertID] = errors.New("gateway timeout")
	if _, err := e.CancelLayer(ctx, p, "T2"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	fb.fire(t, p, "T2")

	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s := p.Layer("T2").Status; s != domain.StatusCancelledByUser {
		t.Errorf("T2 = %s, want CANCELLED_BY_USER", s)
	}
	if p.ExitedQty != 0 {
		t.Errorf("ExitedQty = %d, want 0", p.ExitedQty)
	}
}

func TestScanFullExitCancelsFailedTargetOnce(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	fb.fire(t, p, "S1")
	fb.fire(t, p, "S2")
	t3 := p.Layer("T3").AlertID
	fb.cancelErr[t3] = errors.New("gateway timeout")

	rep, err := e.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if fb.cancelCalls[t3] != 1 {
		t.Errorf("T3 cancel calls = %d, want 1", fb.cancelCalls[t3])
	}
	n := 0
	for _, tr := range rep.Transitions {
		if tr.Label == "T3" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("T3 transitions = %d, want 1", n)
	}
	if s := p.Layer("T3").Status; s != domain.StatusCancelFailed {
		t.Errorf("T3 = %s, want CANCEL_FAILED", s)
	}
}

func TestScanCancelFailedAlertGoneIsCancelled(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	l := p.Layer("T4")
	l.Status = domain.StatusCancelFailed
	fb.fire(t, p, "T4")

	if _, err := e.Scan(context.Background(), p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if l.Status != domain.StatusCancelledByManager {
		t.Errorf("T4 = %s, want CANCELLED_BY_MANAGER", l.Status)
	}
	if p.ExitedQty != 0 {
		t.Errorf("ExitedQty = %d, want 0", p.ExitedQty)
	}
}

func TestScanDetectsKeptTargetFiring(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()
	fb.fire(t, p, "S1")
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	fb.fire(t, p, "T1")
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s := p.Layer("T1").Status; s != domain.StatusTriggered {
		t.Errorf("T1 = %s, want TRIGGERED", s)
	}
	if p.ExitedQty != 65 {
		t.Errorf("ExitedQty = %d, want 65", p.ExitedQty)
	}
	// Remaining 35: T1 (triggered, 25) counts, T2 would reach 50 and is cancelled.
	if s := p.Layer("T2").Status; s != domain.StatusCancelledByManager {
		t.Errorf("T2 = %s, want CANCELLED_BY_MANAGER", s)
	}
	checkQtyInvariant(t, p)
}

func TestScanShortRanksTargetsDescending(t *testing.T) {
	fb := newFakeBroker()
	e := NewEngine(fb, nil, quietLogger())
	p := &domain.Plan{
		ID: "short", Symbol: "TATASTEEL-EQ", Exchange: "NSE", Side: domain.SideSell,
		EntryPrice: px("150"), TotalQty: 30,
		Stops: []domain.Layer{
			{Label: "S1", Kind: domain.LayerStop, Price: px("155"), Quantity: 10, Status: domain.StatusNotPlaced},
			{Label: "S2", Kind: domain.LayerStop, Price: px("160"), Quantity: 20, Status: domain.StatusNotPlaced},
		},
		Targets: []domain.Layer{
			{Label: "T1", Kind: domain.LayerTarget, Price: px("130"), Quantity: 10, Status: domain.StatusNotPlaced},
			{Label: "T2", Kind: domain.LayerTarget, Price: px("145"), Quantity: 10, Status: domain.StatusNotPlaced},
			{Label: "T3", Kind: domain.LayerTarget, Price: px("140"), Quantity: 10, Status: domain.StatusNotPlaced},
		},
	}
	ctx := context.Background()
	if _, err := e.PlaceAll(ctx, p); err != nil {
		t.Fatalf("PlaceAll: %v", err)
	}
	for _, pl := range fb.placed {
		if pl.OrderSide != domain.SideBuy {
			t.Errorf("%s child side = %s, want BUY", pl.Remarks, pl.OrderSide)
		}
	}
	fb.fire(t, p, "S1")
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Remaining 20, nearest first for a short is the highest price: T2 145, T3 140, T1 130.
	wantStatuses(t, p, map[string]domain.LayerStatus{
		"T2": domain.StatusKeep,
		"T3": domain.StatusKeep,
		"T1": domain.StatusCancelledByManager,
	})
}

func TestScanOverExitWarns(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	// Stops and targets both cover the full position; firing all of one side
	// plus a target exits more than is held.
	fb.fire(t, p, "S1")
	fb.fire(t, p, "S2")
	fb.fire(t, p, "T1")

	rep, err := e.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.RemainingQty() != 0 {
		t.Errorf("RemainingQty = %d, want 0", p.RemainingQty())
	}
	if len(rep.Warnings) == 0 {
		t.Error("over-exit produced no warning")
	}
	if rep.RemainingQty != 0 {
		t.Errorf("report remaining = %d, want 0", rep.RemainingQty)
	}
}

func TestScanWithTriggerConfirmation(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	e := NewEngine(sim, nil, quietLogger())
	p := ladderPlan()
	ctx := context.Background()
	if _, err := e.PlaceAll(ctx, p); err != nil {
		t.Fatalf("PlaceAll: %v", err)
	}

	sim.Fire(p.Layer("S1").AlertID)
	sim.Expire(p.Layer("S2").AlertID)
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if s := p.Layer("S1").Status; s != domain.StatusTriggered {
		t.Errorf("S1 = %s, want TRIGGERED", s)
	}
	if s := p.Layer("S2").Status; s != domain.StatusCancelledByUser {
		t.Errorf("S2 = %s, want CANCELLED_BY_USER", s)
	}
	if p.ExitedQty != 40 {
		t.Errorf("ExitedQty = %d, want 40", p.ExitedQty)
	}
}

// ---------------------------------------------------------------------------
// Cancel all and overrides
// ---------------------------------------------------------------------------

func TestCancelAllLeavesFailuresInPlace(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	fb.cancelErr[p.Layer("S2").AlertID] = errors.New("rejected")

	rep, err := e.CancelAll(context.Background(), p)
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if s := p.Layer("S2").Status; s != domain.StatusActive {
		t.Errorf("S2 = %s, want ACTIVE after failed cancel", s)
	}
	if _, ok := rep.Errors["S2"]; !ok {
		t.Errorf("report errors = %v, want S2", rep.Errors)
	}
	for _, label := range []string{"S1", "T1", "T2", "T3", "T4"} {
		if s := p.Layer(label).Status; s != domain.StatusCancelledByManager {
			t.Errorf("%s = %s, want CANCELLED_BY_MANAGER", label, s)
		}
	}
}

func TestMarkTriggeredCountsOnce(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := e.MarkTriggered(p, "S1"); err != nil {
			t.Fatalf("MarkTriggered #%d: %v", i+1, err)
		}
	}
	if p.ExitedQty != 40 {
		t.Errorf("ExitedQty = %d, want 40", p.ExitedQty)
	}

	// A cancel between marks must not reopen the count.
	if _, err := e.CancelLayer(ctx, p, "S1"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	if _, err := e.MarkTriggered(p, "S1"); err != nil {
		t.Fatalf("MarkTriggered: %v", err)
	}
	if p.ExitedQty != 40 {
		t.Errorf("ExitedQty after cancel+mark = %d, want 40", p.ExitedQty)
	}

	// A scan after a manual mark does not count the vanished alert again.
	fb.fire(t, p, "S2")
	if _, err := e.MarkTriggered(p, "S2"); err != nil {
		t.Fatalf("MarkTriggered S2: %v", err)
	}
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.ExitedQty != 100 {
		t.Errorf("ExitedQty = %d, want 100", p.ExitedQty)
	}
	checkQtyInvariant(t, p)
}

func TestMarkTriggeredErrors(t *testing.T) {
	e := NewEngine(newFakeBroker(), nil, quietLogger())
	if _, err := e.MarkTriggered(ladderPlan(), "S1"); !errors.Is(err, ErrNotPlaced) {
		t.Errorf("unplaced err = %v, want ErrNotPlaced", err)
	}
	_, p := placedPlan(t, newFakeBroker())
	if _, err := e.MarkTriggered(p, "nope"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("unknown err = %v, want ErrUnknownLayer", err)
	}

	fb := newFakeBroker()
	fb.placeErr["T4"] = errors.New("rejected")
	e, p = placedPlan(t, fb)
	if _, err := e.MarkTriggered(p, "T4"); !errors.Is(err, ErrNoAlert) {
		t.Errorf("failed layer err = %v, want ErrNoAlert", err)
	}
	if s := p.Layer("T4").Status; s != domain.StatusFailed {
		t.Errorf("T4 = %s, want FAILED", s)
	}
	if p.ExitedQty != 0 {
		t.Errorf("ExitedQty = %d, want 0", p.ExitedQty)
	}
}

func TestCancelLayer(t *testing.T) {
	fb := newFakeBroker()
	e, p := placedPlan(t, fb)
	ctx := context.Background()

	if _, err := e.CancelLayer(ctx, p, "T4"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	if s := p.Layer("T4").Status; s != domain.StatusCancelledByUser {
		t.Errorf("T4 = %s, want CANCELLED_BY_USER", s)
	}

	fb.cancelErr[p.Layer("T3").AlertID] = errors.New("not found")
	if _, err := e.CancelLayer(ctx, p, "T3"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	if s := p.Layer("T3").Status; s != domain.StatusCancelFailed {
		t.Errorf("T3 = %s, want CANCEL_FAILED", s)
	}

	unplaced := ladderPlan()
	unplaced.Stops[0].Status = domain.StatusFailed
	rep, err := e.CancelLayer(ctx, unplaced, "S1")
	if err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	if s := unplaced.Layer("S1").Status; s != domain.StatusNotPlaced {
		t.Errorf("S1 = %s, want NOT_PLACED", s)
	}
	if got := rep.Moved(domain.StatusNotPlaced); len(got) != 1 {
		t.Errorf("Moved(NOT_PLACED) = %v", got)
	}

	if _, err := e.CancelLayer(ctx, p, "T4"); !errors.Is(err, ErrLayerClosed) {
		t.Errorf("second cancel err = %v, want ErrLayerClosed", err)
	}
	if _, err := e.CancelLayer(ctx, p, "X9"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("err = %v, want ErrUnknownLayer", err)
	}
}

func TestAlertIDInvariant(t *testing.T) {
	fb := newFakeBroker()
	fb.placeErr["T2"] = errors.New("rejected")
	e, p := placedPlan(t, fb)
	ctx := context.Background()
	fb.fire(t, p, "S1")
	if _, err := e.Scan(ctx, p); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := e.CancelLayer(ctx, p, "S2"); err != nil {
		t.Fatalf("CancelLayer: %v", err)
	}
	if _, err := e.MarkTriggered(p, "T2"); !errors.Is(err, ErrNoAlert) {
		t.Errorf("MarkTriggered on failed layer err = %v, want ErrNoAlert", err)
	}

	for _, l := range p.Layers() {
		placed := l.Status != domain.StatusNotPlaced && l.Status != domain.StatusFailed
		if placed != (l.AlertID != "") {
			t.Errorf("%s status %s with alert id %q", l.Label, l.Status, l.AlertID)
		}
	}
}
