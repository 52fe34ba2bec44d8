// Package ladder 计算买入阶梯：从参考价起逐档下调价格、逐档增加数量。
package ladder

import (
	"github.com/shopspring/decimal"
)

// PricePlaces 为价格保留的小数位数（货币最小单位）。
const PricePlaces = 2

// Leg 为阶梯中的一档委托。
type Leg struct {
	Index    int             `json:"index"`
	Quantity int             `json:"qty"`
	Price    decimal.Decimal `json:"price"`
}

// Notional 返回该档的名义金额。
func (l Leg) Notional() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Ladder 为有序档位，下标 0 最接近参考价并最先提交。
type Ladder []Leg

// TotalQuantity 返回全部档位数量之和。
func (l Ladder) TotalQuantity() int {
	total := 0
	for _, leg := range l {
		total += leg.Quantity
	}
	return total
}

// Notional 返回全部档位名义金额之和。
func (l Ladder) Notional() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range l {
		total = total.Add(leg.Notional())
	}
	return total
}

// Generate 按参数生成阶梯。
// 第 i 档数量为 (i+1)*倍数，价格为 参考价 - i*步长，四舍五入（远离零）到两位小数。
// 参数不合法时返回 *ValidationError，不会生成任何档位。
// 低位档价格可能为零或负数，是否允许提交由风控决定。
func Generate(p Parameters) (Ladder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ref := decimal.NewFromFloat(p.ReferencePrice)
	step := decimal.NewFromFloat(p.StepSize)

	legs := make(Ladder, 0, p.StepCount)
	for i := 0; i < p.StepCount; i++ {
		legs = append(legs, Leg{
			Index:    i,
			Quantity: (i + 1) * p.QuantityMultiplier,
			Price:    priceAt(ref, step, i),
		})
	}

	return legs, nil
}

func priceAt(ref, step decimal.Decimal, index int) decimal.Decimal {
	return ref.Sub(step.Mul(decimal.NewFromInt(int64(index)))).Round(PricePlaces)
}
