package execution

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ladder-trader/internal/broker"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/session"
)

// Mode 表示提交方式，一次运行内所有腿使用同一方式。
type Mode string

const (
	// ModeConditional 以 GTT 条件单提交。
	ModeConditional Mode = "gtt"
	// ModeDirect 以普通限价单提交。
	ModeDirect Mode = "direct"
)

// ParseMode 解析提交方式，大小写不敏感。
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeConditional:
		return ModeConditional, nil
	case ModeDirect:
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("execution: 不支持的提交方式 %q", s)
	}
}

// State 为一次运行的状态。
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
)

// SubmittingLeg 返回提交第 i 条腿时的状态。
func SubmittingLeg(i int) State {
	return State(fmt.Sprintf("submitting_leg_%d", i))
}

// Terminal 判断是否为终止状态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateCancelled
}

// Outcome 为单腿提交结果。
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Submission 为一次挂单运行的输入。
type Submission struct {
	Legs        ladder.Ladder
	Symbol      string
	SymbolToken string
	Mode        Mode
	Session     *session.Session
}

// Order 为单腿的券商请求，Rule 与 Direct 二选一。
type Order struct {
	Leg    ladder.Leg
	Rule   *broker.GTTRule
	Direct *broker.OrderRequest
}

func (o Order) payload() interface{} {
	if o.Rule != nil {
		return o.Rule
	}
	return o.Direct
}

// Record 为单腿提交记录，写入后不再修改。
type Record struct {
	RunID       string          `json:"run_id"`
	Leg         ladder.Leg      `json:"leg"`
	Mode        Mode            `json:"mode"`
	Symbol      string          `json:"symbol"`
	Request     json.RawMessage `json:"request,omitempty"`
	Response    string          `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Latency     time.Duration   `json:"latency"`
}

// SubmissionError 表示单腿提交失败。它只被记录，不会中断后续腿。
type SubmissionError struct {
	Leg int
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("execution: leg %d submission failed: %v", e.Leg, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Run 为一次挂单运行的结果摘要。
type Run struct {
	ID          string
	Mode        Mode
	Symbol      string
	State       State
	Transitions []State
	Records     []Record
	Failures    []*SubmissionError
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (r *Run) transition(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Count 统计指定结果的腿数。
func (r Run) Count(outcome Outcome) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Outcome == outcome {
			n++
		}
	}
	return n
}
