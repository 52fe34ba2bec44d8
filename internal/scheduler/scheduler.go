package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task 为调度器周期执行的作业。
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc 将普通函数适配为 Task。
type TaskFunc func(ctx context.Context) error

// Execute 调用 f(ctx)。
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Scheduler 以固定间隔执行任务，启动时立即执行一次。
type Scheduler struct {
	interval time.Duration
	task     Task
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New 创建调度器。
func New(interval time.Duration, task Task, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		task:     task,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start 阻塞运行，直到 ctx 结束或 Stop 被调用。
// 任务失败只记录日志，不会中断调度。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}

	s.run(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// Stop 停止调度器，可重复调用。
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Scheduler) run(ctx context.Context) {
	if err := s.task.Execute(ctx); err != nil {
		s.logger.Warn("定时任务执行失败", zap.Error(err))
	}
}
