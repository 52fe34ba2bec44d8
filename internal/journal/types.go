package journal

import (
	"time"

	"ladder-trader/internal/ladder"
)

// EventType 表示日志事件类型。
type EventType string

const (
	EventLogin           EventType = "login"
	EventQuote           EventType = "quote"
	EventLadderGenerated EventType = "ladder_generated"
	EventSubmission      EventType = "submission"
	EventRun             EventType = "run"
	EventError           EventType = "error"
)

// DefaultCapacity 为日志保留的最大条数。
const DefaultCapacity = 200

// Event 封装通用日志事件。
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// LoginPayload 记录登录结果。
type LoginPayload struct {
	ClientCode string    `json:"client_code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// QuotePayload 记录参考价查询。
type QuotePayload struct {
	Symbol      string `json:"symbol"`
	SymbolToken string `json:"symbol_token"`
	Price       string `json:"price"`
}

// LadderPayload 记录生成的阶梯。
type LadderPayload struct {
	Symbol        string        `json:"symbol"`
	Parameters    interface{}   `json:"parameters"`
	Legs          ladder.Ladder `json:"legs"`
	TotalQuantity int           `json:"total_quantity"`
	Notional      string        `json:"notional"`
}

// RunPayload 记录一次运行的汇总。
type RunPayload struct {
	RunID    string `json:"run_id"`
	Symbol   string `json:"symbol"`
	Mode     string `json:"mode"`
	State    string `json:"state"`
	Success  int    `json:"success"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	Duration string `json:"duration"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
