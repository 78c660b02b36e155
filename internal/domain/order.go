package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析订单方向（大小写不敏感）
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
}

// OrderKind 订单类型（目前只支持市价单）
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
)

// OrderRequest 调用方提交的下单请求（不可变，由 worker 消费一次）
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity int64
	Kind     OrderKind
}

// NewMarketOrder 构造市价单请求并做校验
func NewMarketOrder(symbol string, side Side, quantity int64) (OrderRequest, error) {
	req := OrderRequest{Symbol: symbol, Side: side, Quantity: quantity, Kind: OrderKindMarket}
	return req.Validate()
}

// Validate 校验并规范化请求，返回规范化后的副本
func (r OrderRequest) Validate() (OrderRequest, error) {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return r, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return r, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, r.Side)
	}
	if r.Quantity <= 0 {
		return r, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidOrder, r.Quantity)
	}
	if r.Kind == "" {
		r.Kind = OrderKindMarket
	}
	if r.Kind != OrderKindMarket {
		return r, fmt.Errorf("%w: unsupported order kind %q", ErrInvalidOrder, r.Kind)
	}
	return r, nil
}

func (r OrderRequest) String() string {
	return fmt.Sprintf("%s %d %s %s", r.Side, r.Quantity, r.Symbol, r.Kind)
}

// OrderRecord 订单记录
//
// 只允许 worker 的事件循环修改；其它读者拿到的都是 Snapshot() 副本。
// 进入终态后不再变化。
type OrderRecord struct {
	BrokerOrderID int64
	Request       OrderRequest
	Status        OrderStatus
	BrokerStatus  OrderStatus // broker 最后一次上报的状态（TimedOut 之后仍可查询）
	CreatedAt     time.Time
	SubmittedAt   time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
	LastMessage   string
	Messages      []string
	Filled        int64
	Remaining     int64
	AvgFillPrice  float64
	Anomalies     int
}

// NewOrderRecord 创建处于 Created 状态的订单记录
func NewOrderRecord(req OrderRequest, now time.Time) *OrderRecord {
	return &OrderRecord{
		Request:   req,
		Status:    OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Remaining: req.Quantity,
	}
}

// IsFinal 是否已进入终态
func (o *OrderRecord) IsFinal() bool {
	return o.Status.IsTerminal()
}

// AddMessage 追加 broker 消息（诊断用，不参与控制流）
func (o *OrderRecord) AddMessage(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	for _, m := range o.Messages {
		if m == msg {
			o.LastMessage = msg
			return
		}
	}
	o.Messages = append(o.Messages, msg)
	o.LastMessage = msg
}

// DisplayMessage 拼接全部 broker 消息，供界面直接展示
func (o *OrderRecord) DisplayMessage() string {
	return strings.Join(o.Messages, "; ")
}

// Snapshot 返回深拷贝
func (o *OrderRecord) Snapshot() OrderRecord {
	cp := *o
	if o.Messages != nil {
		cp.Messages = append([]string(nil), o.Messages...)
	}
	if o.FinishedAt != nil {
		t := *o.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// OrderResult 下单最终结果（不可变快照）
type OrderResult struct {
	BrokerOrderID int64
	Request       OrderRequest
	Status        OrderStatus
	BrokerStatus  OrderStatus
	Filled        int64
	Remaining     int64
	AvgFillPrice  float64
	Message       string
	SubmittedAt   time.Time
	ResolvedAt    time.Time
}

// Success 订单是否被 broker 接受（Submitted / Filled 等）
func (r OrderResult) Success() bool {
	return r.Status == OrderStatusSubmitted || r.Status == OrderStatusPreSubmitted || r.Status == OrderStatusFilled
}

// ResultFromRecord 从记录生成结果
func ResultFromRecord(rec *OrderRecord, now time.Time) OrderResult {
	return OrderResult{
		BrokerOrderID: rec.BrokerOrderID,
		Request:       rec.Request,
		Status:        rec.Status,
		BrokerStatus:  rec.BrokerStatus,
		Filled:        rec.Filled,
		Remaining:     rec.Remaining,
		AvgFillPrice:  rec.AvgFillPrice,
		Message:       rec.DisplayMessage(),
		SubmittedAt:   rec.SubmittedAt,
		ResolvedAt:    now,
	}
}
