package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ladder-trader/internal/config"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/store"
)

// Guard 在提交前检查阶梯规模，任一上限为 0 时视为不限制。
type Guard struct {
	cfg     config.RiskConfig
	tracker *DailyTracker
	logger  *zap.Logger
}

// NewGuard 创建风控守卫。store 为 nil 时不跟踪日度累计金额。
func NewGuard(cfg config.RiskConfig, store *store.Store, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Guard{
		cfg:    cfg,
		logger: logger,
	}

	if store != nil {
		tracker, err := NewDailyTracker(store.DB(), cfg, logger)
		if err != nil {
			return nil, err
		}
		g.tracker = tracker
	}

	return g, nil
}

// CheckSize 在生成阶梯前按档位数检查 max_legs。
func (g *Guard) CheckSize(stepCount int) (Result, error) {
	result := Result{Status: StatusProceed, Legs: stepCount}
	if g.cfg.MaxLegs > 0 && stepCount > g.cfg.MaxLegs {
		result.Status = StatusDeny
		result.Notes = []string{fmt.Sprintf("腿数 %d 超过上限 %d", stepCount, g.cfg.MaxLegs)}
		g.logger.Warn("阶梯未通过风控", zap.Strings("notes", result.Notes))
		return result, fmt.Errorf("%w: %s", ErrLimitExceeded, result.Notes[0])
	}
	return result, nil
}

// Check 评估阶梯，超限时返回包装 ErrLimitExceeded 的错误。
func (g *Guard) Check(ctx context.Context, legs ladder.Ladder) (Result, error) {
	result := Result{
		Status:        StatusDeny,
		Legs:          len(legs),
		TotalQuantity: legs.TotalQuantity(),
		Notional:      legs.Notional(),
		Notes:         make([]string, 0, 4),
	}

	for _, leg := range legs {
		if !leg.Price.IsPositive() {
			result.Notes = append(result.Notes, fmt.Sprintf("第 %d 档价格 %s 不为正", leg.Index, leg.Price.StringFixed(ladder.PricePlaces)))
			break
		}
	}
	if g.cfg.MaxLegs > 0 && result.Legs > g.cfg.MaxLegs {
		result.Notes = append(result.Notes, fmt.Sprintf("腿数 %d 超过上限 %d", result.Legs, g.cfg.MaxLegs))
	}
	if g.cfg.MaxTotalQuantity > 0 && result.TotalQuantity > g.cfg.MaxTotalQuantity {
		result.Notes = append(result.Notes, fmt.Sprintf("总数量 %d 超过上限 %d", result.TotalQuantity, g.cfg.MaxTotalQuantity))
	}
	if g.cfg.MaxNotional > 0 && result.Notional.GreaterThan(decimal.NewFromFloat(g.cfg.MaxNotional)) {
		result.Notes = append(result.Notes, fmt.Sprintf("总金额 %s 超过上限 %.2f", result.Notional.StringFixed(2), g.cfg.MaxNotional))
	}

	if g.tracker != nil && g.cfg.MaxDailyNotional > 0 {
		status, err := g.tracker.Status(ctx)
		if err != nil {
			return result, err
		}
		result.DailyStatus = status

		limit := decimal.NewFromFloat(g.cfg.MaxDailyNotional)
		if status.Notional.Add(result.Notional).GreaterThan(limit) {
			result.Notes = append(result.Notes, fmt.Sprintf("当日累计金额 %s 加本次 %s 超过上限 %.2f",
				status.Notional.StringFixed(2), result.Notional.StringFixed(2), g.cfg.MaxDailyNotional))
		}
	}

	if len(result.Notes) > 0 {
		msg := strings.Join(result.Notes, "; ")
		if g.tracker != nil {
			if logErr := g.tracker.LogEvent(ctx, "ladder_denied", msg, ""); logErr != nil {
				g.logger.Warn("写入风控事件失败", zap.Error(logErr))
			}
		}
		g.logger.Warn("阶梯未通过风控", zap.Strings("notes", result.Notes))
		return result, fmt.Errorf("%w: %s", ErrLimitExceeded, msg)
	}

	result.Status = StatusProceed
	return result, nil
}

// Commit 将本次成功提交的金额计入当日累计。
func (g *Guard) Commit(ctx context.Context, notional decimal.Decimal) error {
	if g.tracker == nil || !notional.IsPositive() {
		return nil
	}
	status, err := g.tracker.Add(ctx, notional)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("累计 %s，当日第 %d 次", status.Notional.StringFixed(2), status.Runs)
	if logErr := g.tracker.LogEvent(ctx, "ladder_committed", msg, notional.StringFixed(2)); logErr != nil {
		g.logger.Warn("写入风控事件失败", zap.Error(logErr))
	}
	return nil
}
