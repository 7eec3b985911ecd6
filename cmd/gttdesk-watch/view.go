package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"gttdesk/internal/domain"
)

// Styles.
var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	planStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	activeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	triggeredStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func statusStyle(s domain.LayerStatus) lipgloss.Style {
	switch s {
	case domain.StatusActive, domain.StatusKeep:
		return activeStyle
	case domain.StatusTriggered:
		return triggeredStyle
	case domain.StatusFailed, domain.StatusCancelFailed:
		return failedStyle
	default:
		return dimStyle
	}
}

// renderContent draws every plan with its layers, then the recent events.
func renderContent(plans []*domain.Plan, selected int, events []domain.Event) string {
	var b strings.Builder
	if len(plans) == 0 {
		b.WriteString(dimStyle.Render("  no plans"))
		b.WriteString("\n")
	}
	for i, p := range plans {
		title := fmt.Sprintf(" %s:%s %s %d @ %s  exited %d  remaining %d ",
			p.Exchange, p.Symbol, p.Side, p.TotalQty, p.EntryPrice, p.ExitedQty, p.RemainingQty())
		if i == selected {
			b.WriteString(selectedStyle.Render(title))
		} else {
			b.WriteString(planStyle.Render(title))
		}
		b.WriteString(dimStyle.Render("  " + p.ID))
		b.WriteString("\n")
		b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-8s %-7s %10s %7s  %-21s %s", "Layer", "Kind", "Price", "Qty", "Status", "Alert")))
		b.WriteString("\n")
		for _, l := range p.Layers() {
			status := statusStyle(l.Status).Render(fmt.Sprintf("%-21s", l.Status))
			fmt.Fprintf(&b, "  %-8s %-7s %10s %7d  %s %s", l.Label, l.Kind, l.Price.StringFixed(2), l.Quantity, status, l.AlertID)
			if l.Error != "" {
				b.WriteString(" " + failedStyle.Render(l.Error))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(colHeaderStyle.Render("Recent events"))
	b.WriteString("\n")
	for i := len(events) - 1; i >= 0; i-- {
		b.WriteString(renderEvent(events[i]))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEvent(e domain.Event) string {
	ts := dimStyle.Render(e.Time.Local().Format("15:04:05"))
	plan := e.PlanID
	if len(plan) > 8 {
		plan = plan[:8]
	}
	switch e.Type {
	case domain.EventLayer:
		return fmt.Sprintf("  %s %s %-6s %s -> %s %s", ts, plan, e.Layer, e.From, statusStyle(e.To).Render(string(e.To)), dimStyle.Render(e.Detail))
	case domain.EventWarning:
		return fmt.Sprintf("  %s %s %s", ts, plan, warnStyle.Render("warning: "+strings.TrimSpace(e.Layer+" "+e.Detail)))
	default:
		return fmt.Sprintf("  %s %s %s %s", ts, plan, e.Type, dimStyle.Render(e.Detail))
	}
}

// padOrTrunc pads s with spaces or truncates it to exactly width columns.
func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	w := lipgloss.Width(s)
	if w >= width {
		r := []rune(s)
		if len(r) > width {
			return string(r[:width])
		}
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
