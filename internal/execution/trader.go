package execution

import "context"

// Submitter 抽象阶梯提交，方便编排层替换为模拟实现。
type Submitter interface {
	BuildPlan(sub Submission, runID string) ([]Order, error)
	Execute(ctx context.Context, sub Submission) (Run, error)
}

var _ Submitter = (*Executor)(nil)
