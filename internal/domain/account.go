package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 账户汇总里关心的 tag（只取 USD）
const (
	TagNetLiquidation = "NetLiquidation"
	TagBuyingPower    = "BuyingPower"
	TagCashBalance    = "CashBalance"
	BaseCurrency      = "USD"
)

// AccountValue gateway 返回的单个账户字段
type AccountValue struct {
	Tag      string `json:"tag"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// AccountInfo 账户汇总
type AccountInfo struct {
	AccountID      string          `json:"account_id"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewAccountInfo 从 gateway 的账户字段列表汇总；非 USD 或无法解析的值被忽略
func NewAccountInfo(accountID string, values []AccountValue, now time.Time) AccountInfo {
	info := AccountInfo{AccountID: accountID, UpdatedAt: now}
	for _, v := range values {
		if v.Currency != BaseCurrency {
			continue
		}
		d, err := decimal.NewFromString(v.Value)
		if err != nil {
			continue
		}
		switch v.Tag {
		case TagNetLiquidation:
			info.NetLiquidation = d
		case TagBuyingPower:
			info.BuyingPower = d
		case TagCashBalance:
			info.CashBalance = d
		}
	}
	return info
}

// OrderSnapshot gateway 侧看到的订单（最近订单列表）
type OrderSnapshot struct {
	OrderID      int64           `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Action       Side            `json:"action"`
	Quantity     int64           `json:"quantity"`
	OrderType    string          `json:"order_type"`
	Status       string          `json:"status"`
	Filled       int64           `json:"filled"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Time         time.Time       `json:"time"`
}

// PriceDisplay 成交后显示成交均价，市价单未成交显示 "Market"
func (o OrderSnapshot) PriceDisplay() string {
	if o.Status == string(OrderStatusFilled) {
		return fmt.Sprintf("$%s", o.AvgFillPrice.StringFixed(2))
	}
	if o.OrderType == "MKT" || o.OrderType == string(OrderKindMarket) {
		return "Market"
	}
	return "-"
}
