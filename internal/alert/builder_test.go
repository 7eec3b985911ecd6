package alert

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"gttdesk/internal/domain"
)

func TestRule(t *testing.T) {
	tests := []struct {
		side      domain.Side
		kind      domain.LayerKind
		wantCond  domain.Condition
		wantChild domain.Side
	}{
		{domain.SideBuy, domain.LayerStop, domain.ConditionLTPBelow, domain.SideSell},
		{domain.SideBuy, domain.LayerTarget, domain.ConditionLTPAbove, domain.SideSell},
		{domain.SideSell, domain.LayerStop, domain.ConditionLTPAbove, domain.SideBuy},
		{domain.SideSell, domain.LayerTarget, domain.ConditionLTPBelow, domain.SideBuy},
	}
	for _, tt := range tests {
		cond, child, err := Rule(tt.side, tt.kind)
		if err != nil {
			t.Fatalf("Rule(%s, %s): %v", tt.side, tt.kind, err)
		}
		if cond != tt.wantCond {
			t.Errorf("Rule(%s, %s) condition = %q, want %q", tt.side, tt.kind, cond, tt.wantCond)
		}
		if child != tt.wantChild {
			t.Errorf("Rule(%s, %s) child side = %q, want %q", tt.side, tt.kind, child, tt.wantChild)
		}
	}
}

func TestRuleRejectsUnknown(t *testing.T) {
	if _, _, err := Rule("HOLD", domain.LayerStop); !errors.Is(err, ErrInvalidLayer) {
		t.Errorf("Rule(HOLD) err = %v, want ErrInvalidLayer", err)
	}
	if _, _, err := Rule(domain.SideBuy, "TRAIL"); !errors.Is(err, ErrInvalidLayer) {
		t.Errorf("Rule(TRAIL) err = %v, want ErrInvalidLayer", err)
	}
}

func TestBuild(t *testing.T) {
	p := &domain.Plan{
		ID:          "p1",
		Symbol:      "SBIN-EQ",
		Exchange:    "NSE",
		Side:        domain.SideSell,
		TotalQty:    10,
		ProductType: domain.ProductIntraday,
	}
	l := &domain.Layer{Label: "SL1", Kind: domain.LayerStop, Price: decimal.RequireFromString("812.35"), Quantity: 10}

	got, err := Build(p, l)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got.Condition != domain.ConditionLTPAbove {
		t.Errorf("Condition = %q, want %q", got.Condition, domain.ConditionLTPAbove)
	}
	if got.OrderSide != domain.SideBuy {
		t.Errorf("OrderSide = %q, want %q", got.OrderSide, domain.SideBuy)
	}
	if !got.AlertPrice.Equal(l.Price) || !got.LimitPrice.Equal(l.Price) {
		t.Errorf("prices = %s/%s, want %s", got.AlertPrice, got.LimitPrice, l.Price)
	}
	if got.Quantity != 10 || got.Symbol != "SBIN-EQ" || got.Exchange != "NSE" {
		t.Errorf("unexpected payload %+v", got)
	}
	if got.ProductType != domain.ProductIntraday {
		t.Errorf("ProductType = %q, want %q", got.ProductType, domain.ProductIntraday)
	}
	if got.ClientRef != "p1-SL1" {
		t.Errorf("ClientRef = %q, want %q", got.ClientRef, "p1-SL1")
	}
}

func TestBuildValidation(t *testing.T) {
	base := domain.Plan{Symbol: "TCS-EQ", Exchange: "NSE", Side: domain.SideBuy}
	tests := []struct {
		name   string
		symbol string
		price  string
		qty    int64
	}{
		{"zero quantity", "TCS-EQ", "100", 0},
		{"negative quantity", "TCS-EQ", "100", -5},
		{"zero price", "TCS-EQ", "0", 5},
		{"negative price", "TCS-EQ", "-1", 5},
		{"empty symbol", "  ", "100", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Symbol = tt.symbol
			l := &domain.Layer{Label: "T1", Kind: domain.LayerTarget, Price: decimal.RequireFromString(tt.price), Quantity: tt.qty}
			if _, err := Build(&p, l); !errors.Is(err, ErrInvalidLayer) {
				t.Errorf("Build err = %v, want ErrInvalidLayer", err)
			}
		})
	}
}
