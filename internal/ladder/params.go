package ladder

import (
	"math"
	"strconv"
	"strings"
)

// Parameters 描述一次阶梯的输入。
type Parameters struct {
	ReferencePrice     float64 // 阶梯顶部价格，通常为最新成交价
	StepSize           float64 // 每档价格降幅
	StepCount          int     // 档位数量
	QuantityMultiplier int     // 每档数量增量倍数
}

// RawParameters 为命令行或表单输入的原始字符串形式。
type RawParameters struct {
	ReferencePrice     string
	StepSize           string
	StepCount          string
	QuantityMultiplier string
}

// Validate 校验参数，失败时返回 *ValidationError。
func (p Parameters) Validate() error {
	if math.IsNaN(p.ReferencePrice) || math.IsInf(p.ReferencePrice, 0) {
		return invalid("reference_price", "must be finite, got %v", p.ReferencePrice)
	}
	if p.ReferencePrice <= 0 {
		return invalid("reference_price", "must be positive, got %v", p.ReferencePrice)
	}
	if math.IsNaN(p.StepSize) || math.IsInf(p.StepSize, 0) {
		return invalid("step_size", "must be finite, got %v", p.StepSize)
	}
	if p.StepSize < 0 {
		return invalid("step_size", "must not be negative, got %v", p.StepSize)
	}
	if p.StepCount <= 0 {
		return invalid("step_count", "must be a positive integer, got %d", p.StepCount)
	}
	if p.QuantityMultiplier <= 0 {
		return invalid("quantity_multiplier", "must be a positive integer, got %d", p.QuantityMultiplier)
	}
	return nil
}

// MaxStepCount 为文本输入允许的最大档位数。
const MaxStepCount = 1000

// ParseParameters 解析字符串输入。
// 档位数与倍数必须是整数，"2.5" 之类的输入会被拒绝；倍数为空时默认为 1。
// 档位数超过 MaxStepCount 时拒绝，避免在风控之前分配过大的阶梯。
func ParseParameters(raw RawParameters) (Parameters, error) {
	price, err := parseFloat("reference_price", raw.ReferencePrice)
	if err != nil {
		return Parameters{}, err
	}
	step, err := parseFloat("step_size", raw.StepSize)
	if err != nil {
		return Parameters{}, err
	}
	count, err := parseInt("step_count", raw.StepCount)
	if err != nil {
		return Parameters{}, err
	}
	if count > MaxStepCount {
		return Parameters{}, invalid("step_count", "must not exceed %d, got %d", MaxStepCount, count)
	}

	multiplier := 1
	if strings.TrimSpace(raw.QuantityMultiplier) != "" {
		multiplier, err = parseInt("quantity_multiplier", raw.QuantityMultiplier)
		if err != nil {
			return Parameters{}, err
		}
	}

	p := Parameters{
		ReferencePrice:     price,
		StepSize:           step,
		StepCount:          count,
		QuantityMultiplier: multiplier,
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func parseFloat(field, s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, invalid(field, "is required")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, invalid(field, "is not a number: %q", s)
	}
	return v, nil
}

func parseInt(field, s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, invalid(field, "is required")
	}
	v, err := strconv.Atoi(s)
	if err == nil {
		return v, nil
	}
	// "4.0" 这类整数值浮点写法仍然接受。
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, invalid(field, "must be an integer, got %q", s)
	}
	return int(f), nil
}
