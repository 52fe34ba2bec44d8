package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ladder-trader/internal/config"
)

// DailyTracker 维护当日已提交的累计金额。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewDailyTracker 创建日度跟踪器并初始化表结构。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_usage (
			trading_date TEXT PRIMARY KEY,
			notional TEXT NOT NULL,
			runs INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Status 返回当日累计状态。
func (t *DailyTracker) Status(ctx context.Context) (DailyStatus, error) {
	tradingDate := tradingDay(t.now(), t.cfg.DailyResetHour)
	status := DailyStatus{TradingDate: tradingDate, Notional: decimal.Zero}

	var notional string
	err := t.db.QueryRowContext(ctx,
		`SELECT notional, runs FROM risk_daily_usage WHERE trading_date = ?`, tradingDate,
	).Scan(&notional, &status.Runs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return status, nil
	case err != nil:
		return status, fmt.Errorf("risk: 查询日度累计失败: %w", err)
	}

	value, err := decimal.NewFromString(notional)
	if err != nil {
		return status, fmt.Errorf("risk: 解析日度累计失败: %w", err)
	}
	status.Notional = value
	return status, nil
}

// Add 累加当日金额，返回更新后的状态。
func (t *DailyTracker) Add(ctx context.Context, notional decimal.Decimal) (result DailyStatus, err error) {
	tradingDate := tradingDay(t.now(), t.cfg.DailyResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current := decimal.Zero
	runs := 0
	var stored string
	switch scanErr := tx.QueryRowContext(ctx,
		`SELECT notional, runs FROM risk_daily_usage WHERE trading_date = ?`, tradingDate,
	).Scan(&stored, &runs); {
	case scanErr == nil:
		current, err = decimal.NewFromString(stored)
		if err != nil {
			err = fmt.Errorf("risk: 解析日度累计失败: %w", err)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
	default:
		err = fmt.Errorf("risk: 查询日度累计失败: %w", scanErr)
		return result, err
	}

	result = DailyStatus{
		TradingDate: tradingDate,
		Notional:    current.Add(notional),
		Runs:        runs + 1,
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO risk_daily_usage (trading_date, notional, runs, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(trading_date) DO UPDATE SET
	notional = excluded.notional,
	runs = excluded.runs,
	updated_at = excluded.updated_at`,
		tradingDate, result.Notional.String(), result.Runs, now,
	); err != nil {
		err = fmt.Errorf("risk: 更新日度累计失败: %w", err)
		return result, err
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", err)
	}

	t.logger.Debug("更新日度累计金额",
		zap.String("trading_date", tradingDate),
		zap.String("notional", result.Notional.StringFixed(2)),
	)
	return result, nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDay(t.now(), t.cfg.DailyResetHour),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
