package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ladder-trader/internal/broker"
	"ladder-trader/internal/execution"
	"ladder-trader/internal/journal"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/risk"
)

// RunRequest 为一次挂单运行的输入。
type RunRequest struct {
	Symbol      string
	SymbolToken string
	Params      ladder.RawParameters
	Mode        string
	// FetchQuote 为 true 时以最新价作为参考价，并在未指定时补全标的代码。
	FetchQuote bool
}

// Preview 仅生成阶梯并做风控评估，不访问券商。
func (a *App) Preview(ctx context.Context, raw ladder.RawParameters) (ladder.Ladder, risk.Result, error) {
	params, err := ladder.ParseParameters(raw)
	if err != nil {
		return nil, risk.Result{}, err
	}
	if result, err := a.guard.CheckSize(params.StepCount); err != nil {
		return nil, result, nil
	}
	legs, err := ladder.Generate(params)
	if err != nil {
		return nil, risk.Result{}, err
	}
	result, err := a.guard.Check(ctx, legs)
	if err != nil && !errors.Is(err, risk.ErrLimitExceeded) {
		return legs, result, err
	}
	return legs, result, nil
}

// Quote 使用行情 Key 查询最新价。
func (a *App) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	creds, err := a.LoadCredentials(ctx)
	if err != nil {
		return broker.Quote{}, err
	}
	if creds.MarketKey == "" {
		return broker.Quote{}, fmt.Errorf("%w: 需要行情 Key", ErrMissingCredential)
	}

	quote, err := a.brokerClient(creds).FetchQuote(ctx, creds.MarketKey, symbol)
	if err != nil {
		a.journal.RecordError(ctx, "获取参考价失败", err, map[string]interface{}{"symbol": symbol})
		return broker.Quote{}, err
	}

	a.journal.RecordEvent(ctx, journal.EventQuote, journal.QuotePayload{
		Symbol:      quote.TradingSymbol,
		SymbolToken: quote.SymbolToken,
		Price:       quote.LastTradedPrice.StringFixed(ladder.PricePlaces),
	})
	return quote, nil
}

// RunLadder 生成阶梯、执行风控并逐腿提交。
// 校验、认证与风控失败时不发起任何下单调用。
func (a *App) RunLadder(ctx context.Context, req RunRequest) (execution.Run, error) {
	mode, err := execution.ParseMode(firstNonEmpty(req.Mode, a.cfg.Ladder.Mode))
	if err != nil {
		return execution.Run{}, err
	}

	creds, err := a.LoadCredentials(ctx)
	if err != nil {
		return execution.Run{}, err
	}
	client := a.brokerClient(creds)

	sess, err := a.currentSession(ctx, client)
	if err != nil {
		a.rejectRun(ctx, mode, "未登录，拒绝提交", err, req.Symbol)
		return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
	}

	logger := a.logger.With(zap.String("symbol", req.Symbol), zap.String("mode", string(mode)))

	if req.FetchQuote {
		if creds.MarketKey == "" {
			err := fmt.Errorf("%w: 需要行情 Key", ErrMissingCredential)
			a.rejectRun(ctx, mode, "获取参考价失败", err, req.Symbol)
			return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
		}
		quote, err := client.FetchQuote(ctx, creds.MarketKey, req.Symbol)
		if err != nil {
			a.rejectRun(ctx, mode, "获取参考价失败", err, req.Symbol)
			return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
		}
		req.Params.ReferencePrice = quote.LastTradedPrice.String()
		if req.SymbolToken == "" {
			req.SymbolToken = quote.SymbolToken
		}
		a.journal.RecordEvent(ctx, journal.EventQuote, journal.QuotePayload{
			Symbol:      req.Symbol,
			SymbolToken: quote.SymbolToken,
			Price:       quote.LastTradedPrice.StringFixed(ladder.PricePlaces),
		})
		logger.Info("已获取参考价", zap.String("price", quote.LastTradedPrice.StringFixed(ladder.PricePlaces)))
	}

	params, err := ladder.ParseParameters(req.Params)
	if err != nil {
		a.rejectRun(ctx, mode, "阶梯参数无效", err, req.Symbol)
		return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
	}
	if _, err := a.guard.CheckSize(params.StepCount); err != nil {
		a.rejectRun(ctx, mode, "阶梯未通过风控", err, req.Symbol)
		return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
	}
	legs, err := ladder.Generate(params)
	if err != nil {
		a.rejectRun(ctx, mode, "阶梯参数无效", err, req.Symbol)
		return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
	}
	a.journal.RecordEvent(ctx, journal.EventLadderGenerated, journal.LadderPayload{
		Symbol:        req.Symbol,
		Parameters:    params,
		Legs:          legs,
		TotalQuantity: legs.TotalQuantity(),
		Notional:      legs.Notional().StringFixed(ladder.PricePlaces),
	})

	if _, err := a.guard.Check(ctx, legs); err != nil {
		a.rejectRun(ctx, mode, "阶梯未通过风控", err, req.Symbol)
		return execution.Run{Mode: mode, Symbol: req.Symbol, State: execution.StateRejected}, err
	}

	executor := execution.NewExecutor(client, a.journal, a.metrics, execution.Options{
		CallTimeout:   a.cfg.Execution.CallTimeout,
		Concurrency:   a.cfg.Execution.Concurrency,
		GTTTimePeriod: a.cfg.Execution.GTTTimePeriod,
		Exchange:      a.cfg.Broker.Exchange,
		ProductType:   a.cfg.Broker.ProductType,
	}, a.logger)

	run, runErr := executor.Execute(ctx, execution.Submission{
		Legs:        legs,
		Symbol:      req.Symbol,
		SymbolToken: req.SymbolToken,
		Mode:        mode,
		Session:     sess,
	})
	if run.State == execution.StateRejected {
		a.journal.RecordError(ctx, "阶梯提交被拒绝", runErr, map[string]interface{}{"symbol": req.Symbol})
		return run, runErr
	}

	a.journal.RecordRun(context.WithoutCancel(ctx), run)
	if err := a.guard.Commit(context.WithoutCancel(ctx), submittedNotional(run)); err != nil {
		logger.Warn("更新日度累计金额失败", zap.Error(err))
	}
	return run, runErr
}

// rejectRun 记录在提交前被拒绝的运行。
func (a *App) rejectRun(ctx context.Context, mode execution.Mode, msg string, err error, symbol string) {
	a.metrics.ObserveRun(string(mode), string(execution.StateRejected))
	a.journal.RecordError(ctx, msg, err, map[string]interface{}{"symbol": symbol, "mode": string(mode)})
	a.logger.Warn(msg, zap.String("symbol", symbol), zap.Error(err))
}

func submittedNotional(run execution.Run) decimal.Decimal {
	total := decimal.Zero
	for _, rec := range run.Records {
		if rec.Outcome == execution.OutcomeSuccess {
			total = total.Add(rec.Leg.Notional())
		}
	}
	return total
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
