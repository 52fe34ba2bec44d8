package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ladder-trader/internal/broker"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/metrics"
	"ladder-trader/internal/session"
)

type orderClient interface {
	CreateRule(ctx context.Context, sessionToken string, rule broker.GTTRule) (broker.Response, error)
	PlaceOrder(ctx context.Context, sessionToken string, order broker.OrderRequest) (broker.Response, error)
}

// Recorder 持久化单腿提交记录。
type Recorder interface {
	RecordSubmission(ctx context.Context, rec Record) error
}

// Options 控制下单参数。
type Options struct {
	CallTimeout   time.Duration
	Concurrency   int
	GTTTimePeriod int
	Exchange      string
	ProductType   string
}

// Executor 将阶梯逐腿提交给券商。提交不重试，失败的腿不影响后续腿。
type Executor struct {
	client   orderClient
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewExecutor 创建执行器，recorder 与 m 可以为 nil。
func NewExecutor(client orderClient, recorder Recorder, m *metrics.Metrics, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.GTTTimePeriod <= 0 {
		opts.GTTTimePeriod = 365
	}
	if opts.Exchange == "" {
		opts.Exchange = broker.ExchangeNSE
	}
	if opts.ProductType == "" {
		opts.ProductType = broker.ProductDelivery
	}
	return &Executor{
		client:   client,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// BuildPlan 为每条腿生成券商请求。
func (e *Executor) BuildPlan(sub Submission, runID string) ([]Order, error) {
	return buildOrders(sub, runID, e.opts)
}

// Execute 提交整条阶梯。
//
// 会话无效时不发起任何调用，返回 session.ErrNotAuthenticated。
// 运行开始后总是以 Completed 结束；ctx 取消时正在提交的腿照常完成，
// 其余腿记为 skipped，运行以 Cancelled 结束并返回 ctx 的错误。
func (e *Executor) Execute(ctx context.Context, sub Submission) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Mode:      sub.Mode,
		Symbol:    sub.Symbol,
		StartedAt: e.now().UTC(),
	}
	run.transition(StateIdle)
	run.transition(StateValidating)

	logger := e.logger.With(
		zap.String("run_id", run.ID),
		zap.String("symbol", sub.Symbol),
		zap.String("mode", string(sub.Mode)),
	)

	sess, err := session.Require(sub.Session, e.now())
	if err != nil {
		return e.reject(run, logger, err)
	}

	orders, err := buildOrders(sub, run.ID, e.opts)
	if err != nil {
		return e.reject(run, logger, err)
	}

	logger.Info("开始提交阶梯", zap.Int("legs", len(orders)), zap.Int("concurrency", e.opts.Concurrency))

	var failures []*SubmissionError
	if e.opts.Concurrency > 1 {
		run.Records, failures = e.submitConcurrent(ctx, &run, sess.Token, orders, logger)
	} else {
		run.Records, failures = e.submitSequential(ctx, &run, sess.Token, orders, logger)
	}
	for _, f := range failures {
		if f != nil {
			run.Failures = append(run.Failures, f)
		}
	}

	run.FinishedAt = e.now().UTC()
	if run.Count(OutcomeSkipped) > 0 {
		run.transition(StateCancelled)
	} else {
		run.transition(StateCompleted)
	}
	e.metrics.ObserveRun(string(run.Mode), string(run.State))

	logger.Info("阶梯提交结束",
		zap.String("state", string(run.State)),
		zap.Int("success", run.Count(OutcomeSuccess)),
		zap.Int("failed", run.Count(OutcomeFailed)),
		zap.Int("skipped", run.Count(OutcomeSkipped)),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	)

	if run.State == StateCancelled {
		return run, fmt.Errorf("execution: 运行已取消: %w", context.Cause(ctx))
	}
	return run, nil
}

func (e *Executor) reject(run Run, logger *zap.Logger, err error) (Run, error) {
	run.transition(StateRejected)
	run.FinishedAt = e.now().UTC()
	e.metrics.ObserveRun(string(run.Mode), string(run.State))
	logger.Warn("阶梯提交被拒绝", zap.Error(err))
	return run, err
}

// 顺序提交：上一条腿返回后才提交下一条，每条结果立即写入日志。
func (e *Executor) submitSequential(ctx context.Context, run *Run, token string, orders []Order, logger *zap.Logger) ([]Record, []*SubmissionError) {
	records := make([]Record, 0, len(orders))
	failures := make([]*SubmissionError, 0)
	for i, order := range orders {
		var rec Record
		if ctx.Err() != nil {
			rec = e.skipped(run, order)
		} else {
			run.transition(SubmittingLeg(i))
			var subErr *SubmissionError
			rec, subErr = e.submit(ctx, run, token, order, logger)
			failures = append(failures, subErr)
		}
		e.persist(ctx, rec, logger)
		records = append(records, rec)
	}
	return records, failures
}

// 并发提交：每条腿写入各自的结果槽位，全部结束后按腿序写入日志。
func (e *Executor) submitConcurrent(ctx context.Context, run *Run, token string, orders []Order, logger *zap.Logger) ([]Record, []*SubmissionError) {
	records := make([]Record, len(orders))
	failures := make([]*SubmissionError, len(orders))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.opts.Concurrency)

	for i, order := range orders {
		if ctx.Err() != nil {
			records[i] = e.skipped(run, order)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				records[i] = e.skipped(run, order)
				return nil
			}
			mu.Lock()
			run.transition(SubmittingLeg(i))
			mu.Unlock()
			records[i], failures[i] = e.submit(ctx, run, token, order, logger)
			return nil
		})
	}
	_ = g.Wait()

	for _, rec := range records {
		e.persist(ctx, rec, logger)
	}
	return records, failures
}

func (e *Executor) submit(ctx context.Context, run *Run, token string, order Order, logger *zap.Logger) (Record, *SubmissionError) {
	rec := Record{
		RunID:       run.ID,
		Leg:         order.Leg,
		Mode:        run.Mode,
		Symbol:      run.Symbol,
		SubmittedAt: e.now().UTC(),
	}
	if body, err := json.Marshal(order.payload()); err == nil {
		rec.Request = body
	}

	// 正在提交的腿不受运行取消影响，只受单次调用超时约束。
	callCtx := context.WithoutCancel(ctx)
	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	var (
		resp broker.Response
		err  error
	)
	if order.Rule != nil {
		resp, err = e.client.CreateRule(callCtx, token, *order.Rule)
	} else {
		resp, err = e.client.PlaceOrder(callCtx, token, *order.Direct)
	}
	rec.Latency = time.Since(start)
	rec.Response = string(resp.Raw)

	var subErr *SubmissionError
	if err != nil {
		subErr = &SubmissionError{Leg: order.Leg.Index, Err: err}
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
		var apiErr *broker.APIError
		if rec.Response == "" && errors.As(err, &apiErr) {
			rec.Response = string(apiErr.Body)
		}
		logger.Warn("挂单腿提交失败",
			zap.Int("leg", order.Leg.Index),
			zap.String("price", order.Leg.Price.StringFixed(ladder.PricePlaces)),
			zap.Int("qty", order.Leg.Quantity),
			zap.Error(subErr),
		)
	} else {
		rec.Outcome = OutcomeSuccess
		logger.Info("挂单腿提交成功",
			zap.Int("leg", order.Leg.Index),
			zap.String("price", order.Leg.Price.StringFixed(ladder.PricePlaces)),
			zap.Int("qty", order.Leg.Quantity),
			zap.Duration("latency", rec.Latency),
		)
	}
	e.metrics.ObserveLeg(string(run.Mode), string(rec.Outcome))
	return rec, subErr
}

func (e *Executor) skipped(run *Run, order Order) Record {
	rec := Record{
		RunID:       run.ID,
		Leg:         order.Leg,
		Mode:        run.Mode,
		Symbol:      run.Symbol,
		Outcome:     OutcomeSkipped,
		Error:       "run cancelled before submission",
		SubmittedAt: e.now().UTC(),
	}
	if body, err := json.Marshal(order.payload()); err == nil {
		rec.Request = body
	}
	e.metrics.ObserveLeg(string(run.Mode), string(rec.Outcome))
	return rec
}

func (e *Executor) persist(ctx context.Context, rec Record, logger *zap.Logger) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordSubmission(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("写入提交记录失败", zap.Int("leg", rec.Leg.Index), zap.Error(err))
	}
}

func buildOrders(sub Submission, runID string, opts Options) ([]Order, error) {
	if len(sub.Legs) == 0 {
		return nil, errors.New("execution: 阶梯为空")
	}
	if strings.TrimSpace(sub.Symbol) == "" {
		return nil, errors.New("execution: 交易代码不能为空")
	}
	if _, err := ParseMode(string(sub.Mode)); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(sub.Legs))
	for _, leg := range sub.Legs {
		price := leg.Price.StringFixed(ladder.PricePlaces)
		qty := strconv.Itoa(leg.Quantity)

		order := Order{Leg: leg}
		switch sub.Mode {
		case ModeConditional:
			order.Rule = &broker.GTTRule{
				TradingSymbol:   sub.Symbol,
				SymbolToken:     sub.SymbolToken,
				Exchange:        opts.Exchange,
				ProductType:     opts.ProductType,
				TransactionType: broker.SideBuy,
				Price:           price,
				Quantity:        qty,
				TriggerPrice:    price,
				TimePeriod:      opts.GTTTimePeriod,
			}
		case ModeDirect:
			order.Direct = &broker.OrderRequest{
				Variety:         broker.VarietyNormal,
				TradingSymbol:   sub.Symbol,
				SymbolToken:     sub.SymbolToken,
				TransactionType: broker.SideBuy,
				Exchange:        opts.Exchange,
				OrderType:       broker.OrderTypeLimit,
				ProductType:     opts.ProductType,
				Duration:        broker.DurationDay,
				Price:           price,
				Quantity:        qty,
				OrderTag:        orderTag(runID, leg.Index),
			}
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// orderTag 生成不超过 20 个字符的运行级委托标签。
func orderTag(runID string, leg int) string {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("ldr-%s-%02d", short, leg)
}
