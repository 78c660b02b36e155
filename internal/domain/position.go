package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Position 持仓（只读查询结果）
type Position struct {
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"position"`
	AvgCost          decimal.Decimal `json:"avg_cost"`
	MarketPrice      decimal.Decimal `json:"market_price"`
	MarketValue      decimal.Decimal `json:"market_value"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
}

// NewPosition 根据数量、均价和市价计算市值与浮动盈亏
// 市价为零（没有行情）时按均价估值。
func NewPosition(symbol string, qty, avgCost, marketPrice decimal.Decimal) Position {
	if marketPrice.IsZero() {
		marketPrice = avgCost
	}
	p := Position{
		Symbol:      symbol,
		Quantity:    qty,
		AvgCost:     avgCost,
		MarketPrice: marketPrice,
	}
	p.MarketValue = qty.Mul(marketPrice)
	p.CostBasis = qty.Mul(avgCost)
	p.UnrealizedPnL = p.MarketValue.Sub(p.CostBasis)
	if !p.CostBasis.IsZero() {
		p.UnrealizedPnLPct = p.UnrealizedPnL.Div(p.CostBasis.Abs()).Mul(hundred).Round(4)
	}
	return p
}

// IsLong 是否多头
func (p Position) IsLong() bool {
	return p.Quantity.IsPositive()
}
