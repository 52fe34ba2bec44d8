package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ladder-trader/internal/config"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/store"
)

func makeLadder(t *testing.T, steps, mult int) ladder.Ladder {
	t.Helper()
	legs, err := ladder.Generate(ladder.Parameters{
		ReferencePrice:     2500,
		StepSize:           20,
		StepCount:          steps,
		QuantityMultiplier: mult,
	})
	if err != nil {
		t.Fatalf("generate ladder: %v", err)
	}
	return legs
}

func TestGuardCheck_Limits(t *testing.T) {
	legs := makeLadder(t, 4, 1) // 数量 10，金额 24600

	tests := []struct {
		name    string
		cfg     config.RiskConfig
		allowed bool
	}{
		{name: "unlimited", cfg: config.RiskConfig{}, allowed: true},
		{name: "within limits", cfg: config.RiskConfig{MaxLegs: 4, MaxTotalQuantity: 10, MaxNotional: 24600}, allowed: true},
		{name: "too many legs", cfg: config.RiskConfig{MaxLegs: 3}, allowed: false},
		{name: "quantity", cfg: config.RiskConfig{MaxTotalQuantity: 9}, allowed: false},
		{name: "notional", cfg: config.RiskConfig{MaxNotional: 24599.99}, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, err := NewGuard(tt.cfg, nil, nil)
			if err != nil {
				t.Fatalf("NewGuard: %v", err)
			}
			result, err := guard.Check(context.Background(), legs)
			if tt.allowed {
				if err != nil || !result.Allowed() {
					t.Fatalf("expected proceed, got %v (%v)", result.Status, err)
				}
				return
			}
			if !errors.Is(err, ErrLimitExceeded) {
				t.Fatalf("expected ErrLimitExceeded, got %v", err)
			}
			if result.Allowed() || len(result.Notes) != 1 {
				t.Fatalf("expected single deny note, got %+v", result)
			}
		})
	}
}

func TestGuardCheck_DeniesNonPositivePrice(t *testing.T) {
	legs, err := ladder.Generate(ladder.Parameters{ReferencePrice: 100, StepSize: 50, StepCount: 3, QuantityMultiplier: 1})
	if err != nil {
		t.Fatalf("generate ladder: %v", err)
	}
	if len(legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(legs))
	}

	guard, err := NewGuard(config.RiskConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	result, err := guard.Check(context.Background(), legs)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if result.Allowed() || len(result.Notes) != 1 {
		t.Fatalf("expected single deny note, got %+v", result)
	}
}

func TestGuardCheckSize(t *testing.T) {
	guard, err := NewGuard(config.RiskConfig{MaxLegs: 50}, nil, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if _, err := guard.CheckSize(50); err != nil {
		t.Fatalf("expected 50 legs to pass, got %v", err)
	}
	result, err := guard.CheckSize(2000000000)
	if !errors.Is(err, ErrLimitExceeded) || result.Allowed() {
		t.Fatalf("expected size denial, got %+v (%v)", result, err)
	}

	unlimited, err := NewGuard(config.RiskConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if _, err := unlimited.CheckSize(1000); err != nil {
		t.Fatalf("expected unlimited guard to pass, got %v", err)
	}
}

func TestGuardCheck_DailyNotional(t *testing.T) {
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	guard, err := NewGuard(config.RiskConfig{MaxDailyNotional: 50000}, st, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	legs := makeLadder(t, 4, 1)

	if _, err := guard.Check(context.Background(), legs); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := guard.Commit(context.Background(), legs.Notional()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	result, err := guard.Check(context.Background(), legs)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected daily limit to trip, got %v", err)
	}
	if !result.DailyStatus.Notional.Equal(decimal.NewFromInt(24600)) || result.DailyStatus.Runs != 1 {
		t.Fatalf("unexpected daily status: %+v", result.DailyStatus)
	}

	var denials int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM risk_activity_log WHERE event_type = 'ladder_denied'`).Scan(&denials); err != nil {
		t.Fatalf("count denials: %v", err)
	}
	if denials != 1 {
		t.Fatalf("expected 1 denial logged, got %d", denials)
	}

	var commits int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM risk_activity_log WHERE event_type = 'ladder_committed'`).Scan(&commits); err != nil {
		t.Fatalf("count commits: %v", err)
	}
	if commits != 1 {
		t.Fatalf("expected 1 commit logged, got %d", commits)
	}
}

func TestDailyTracker_ResetsPerTradingDay(t *testing.T) {
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	tracker, err := NewDailyTracker(st.DB(), config.RiskConfig{DailyResetHour: 3}, nil)
	if err != nil {
		t.Fatalf("NewDailyTracker: %v", err)
	}

	now := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	status, err := tracker.Add(context.Background(), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if status.TradingDate != "2026-03-01" {
		t.Fatalf("expected previous trading day before reset hour, got %s", status.TradingDate)
	}

	now = now.Add(2 * time.Hour)
	status, err = tracker.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TradingDate != "2026-03-02" || !status.Notional.IsZero() {
		t.Fatalf("expected fresh trading day, got %+v", status)
	}
}

func TestGuardCommit_IgnoresNonPositive(t *testing.T) {
	guard, err := NewGuard(config.RiskConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := guard.Commit(context.Background(), decimal.NewFromInt(10)); err != nil {
		t.Fatalf("commit without tracker: %v", err)
	}
}
