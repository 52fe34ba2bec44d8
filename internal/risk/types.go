package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrLimitExceeded 表示阶梯超出风控上限。
var ErrLimitExceeded = errors.New("risk: limit exceeded")

// StatusType 描述风控评估结果状态。
type StatusType string

const (
	StatusProceed StatusType = "proceed"
	StatusDeny    StatusType = "deny"
)

// DailyStatus 表示当日累计提交情况。
type DailyStatus struct {
	TradingDate string
	Notional    decimal.Decimal
	Runs        int
}

// Result 为风控评估输出。
type Result struct {
	Status        StatusType
	Legs          int
	TotalQuantity int
	Notional      decimal.Decimal
	Notes         []string
	DailyStatus   DailyStatus
}

// Allowed 判断是否允许提交。
func (r Result) Allowed() bool {
	return r.Status == StatusProceed
}
