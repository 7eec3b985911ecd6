package engine

import "gttdesk/internal/domain"

// Operation names carried by reports and journal events.
const (
	OpPlace         = "place"
	OpScan          = "scan"
	OpCancelAll     = "cancel_all"
	OpMarkTriggered = "mark_triggered"
	OpCancelLayer   = "cancel_layer"
)

// Report summarizes what one engine operation did to a plan.
type Report struct {
	Op            string              `json:"op"`
	Transitions   []domain.Transition `json:"transitions"`
	Errors        map[string]string   `json:"errors,omitempty"` // layer label -> error
	Skipped       []string            `json:"skipped,omitempty"`
	NewlyExited   []string            `json:"newly_exited,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	PendingAlerts int                 `json:"pending_alerts,omitempty"`
	ExitedQty     int64               `json:"exited_qty"`
	RemainingQty  int64               `json:"remaining_qty"`
}

func newReport(op string) *Report {
	return &Report{Op: op, Transitions: []domain.Transition{}}
}

func (r *Report) fail(label string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[label] = err.Error()
}

// Moved returns the labels that transitioned to status, in order.
func (r *Report) Moved(to domain.LayerStatus) []string {
	var out []string
	for _, t := range r.Transitions {
		if t.To == to {
			out = append(out, t.Label)
		}
	}
	return out
}
