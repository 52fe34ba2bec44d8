// Package journal 以有界、只追加的方式持久化提交记录与运行事件。
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ladder-trader/internal/execution"
	"ladder-trader/internal/store"
)

// Service 负责持久化日志事件，超出容量时淘汰最旧的记录。
type Service struct {
	db       *sql.DB
	capacity int
	onEvict  func(n int64)
	logger   *zap.Logger
}

// Option 调整 Service 行为。
type Option func(*Service)

// WithCapacity 设置保留条数。
func WithCapacity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithEvictionHook 在每次淘汰后回调淘汰条数。
func WithEvictionHook(fn func(n int64)) Option {
	return func(s *Service) { s.onEvict = fn }
}

// NewService 初始化日志服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:       store.DB(),
		capacity: DefaultCapacity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS journal_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_events_type ON journal_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件，并淘汰超出容量的旧记录。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("journal: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: 开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("journal: 写入事件失败: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM journal_events WHERE id NOT IN (SELECT id FROM journal_events ORDER BY id DESC LIMIT ?)`,
		s.capacity,
	)
	if err != nil {
		return fmt.Errorf("journal: 淘汰旧事件失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: 提交事务失败: %w", err)
	}

	if evicted, _ := res.RowsAffected(); evicted > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}
	return nil
}

// RecordSubmission 记录单腿提交，实现 execution.Recorder。
func (s *Service) RecordSubmission(ctx context.Context, rec execution.Record) error {
	return s.Record(ctx, Event{
		Type:      EventSubmission,
		Timestamp: rec.SubmittedAt,
		Payload:   rec,
	})
}

// RecordRun 记录运行汇总。
func (s *Service) RecordRun(ctx context.Context, run execution.Run) {
	if err := s.Record(ctx, Event{
		Type:      EventRun,
		Timestamp: time.Now().UTC(),
		Payload: RunPayload{
			RunID:    run.ID,
			Symbol:   run.Symbol,
			Mode:     string(run.Mode),
			State:    string(run.State),
			Success:  run.Count(execution.OutcomeSuccess),
			Failed:   run.Count(execution.OutcomeFailed),
			Skipped:  run.Count(execution.OutcomeSkipped),
			Duration: run.FinishedAt.Sub(run.StartedAt).String(),
		},
	}); err != nil {
		s.logger.Warn("记录运行事件失败", zap.Error(err))
	}
}

// RecordEvent 写入事件，失败只记录日志。
func (s *Service) RecordEvent(ctx context.Context, typ EventType, payload interface{}) {
	if err := s.Record(ctx, Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.RecordEvent(ctx, EventError, payload)
}

// List 按类型检索最近事件，最新的在前。
func (s *Service) List(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}

	query := `SELECT id, event_type, payload, created_at FROM journal_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id      int64
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&id, &typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("journal: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取事件失败: %w", err)
	}

	return events, nil
}

// Count 返回当前保留的事件总数。
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: 统计事件失败: %w", err)
	}
	return n, nil
}

var _ execution.Recorder = (*Service)(nil)
