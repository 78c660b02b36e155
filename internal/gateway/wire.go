package gateway

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// FrameType gateway bridge 的 JSON 帧类型
//
// client → gateway: hello / place_order / query / ping
// gateway → client: hello_ack / order_ack / query_result / pong（应答，带 req_id）
//
//	order_status / error（推送，不带 req_id；error 也可能是某个请求的应答）
type FrameType string

const (
	FrameHello       FrameType = "hello"
	FrameHelloAck    FrameType = "hello_ack"
	FramePlaceOrder  FrameType = "place_order"
	FrameOrderAck    FrameType = "order_ack"
	FrameOrderStatus FrameType = "order_status"
	FrameError       FrameType = "error"
	FrameQuery       FrameType = "query"
	FrameQueryResult FrameType = "query_result"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// QueryKind 只读查询类型
type QueryKind string

const (
	QueryAccountSummary QueryKind = "account_summary"
	QueryPositions      QueryKind = "positions"
	QueryOrders         QueryKind = "orders"
)

// TWS 错误码（只列出我们关心的）
const (
	CodeOrderRejected    = 201
	CodeOrderCancelled   = 202
	CodeClientIDInUse    = 326
	CodeOrderWarning     = 399
	CodeNotConnected     = 504
	CodeConnectivityLost = 1100

	// CodeAuthRejected bridge 自己的错误码：token 不对
	CodeAuthRejected = 9001
)

// IsWarningCode 是否为提示/警告（不会改变订单状态）
func IsWarningCode(code int) bool {
	return code == CodeOrderWarning || (code >= 2100 && code < 2200)
}

// Frame 线上帧（扁平结构，按 Type 使用不同字段）
type Frame struct {
	Type  FrameType `json:"type"`
	ReqID string    `json:"req_id,omitempty"`

	// hello / hello_ack
	ClientID int      `json:"client_id,omitempty"`
	Token    string   `json:"token,omitempty"`
	OK       bool     `json:"ok,omitempty"`
	Accounts []string `json:"accounts,omitempty"`

	// place_order
	Order *WireOrder `json:"order,omitempty"`

	// order_ack / order_status / error
	OrderID      int64   `json:"order_id,omitempty"`
	Status       string  `json:"status,omitempty"`
	Filled       int64   `json:"filled,omitempty"`
	Remaining    int64   `json:"remaining,omitempty"`
	AvgFillPrice float64 `json:"avg_fill_price,omitempty"`
	Message      string  `json:"message,omitempty"`
	Code         int     `json:"code,omitempty"`

	// query / query_result
	Query QueryKind       `json:"query,omitempty"`
	Limit int             `json:"limit,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WireOrder place_order 的订单体（IB Stock 合约 + MarketOrder）
type WireOrder struct {
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
	Quantity   int64  `json:"quantity"`
	OrderType  string `json:"order_type"`
	Exchange   string `json:"exchange"`
	Currency   string `json:"currency"`
	OutsideRTH bool   `json:"outside_rth"`
	Transmit   bool   `json:"transmit"`
}

// NewWireOrder 把下单请求转换成 SMART/USD 股票市价单
func NewWireOrder(req domain.OrderRequest, outsideRTH, transmit bool) *WireOrder {
	return &WireOrder{
		Symbol:     req.Symbol,
		Action:     string(req.Side),
		Quantity:   req.Quantity,
		OrderType:  "MKT",
		Exchange:   "SMART",
		Currency:   domain.BaseCurrency,
		OutsideRTH: outsideRTH,
		Transmit:   transmit,
	}
}

// EventKind 推送事件类型
type EventKind int

const (
	// EventStatus 状态变化（order_status）
	EventStatus EventKind = iota
	// EventMessage 与订单关联的提示/警告/错误（error 帧），只用于诊断
	EventMessage
	// EventOrderAck 等待超时之后才到的 order_ack；OrderID 为 0 表示 gateway 拒绝了该请求
	EventOrderAck
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventOrderAck:
		return "order_ack"
	}
	return "status"
}

// PushEvent session 推送给消费者的事件
type PushEvent struct {
	Kind         EventKind
	ReqID        string // 只有 EventOrderAck 携带
	OrderID      int64
	Status       string // broker 原始状态字符串
	Filled       int64
	Remaining    int64
	AvgFillPrice float64
	Message      string
	Code         int
	ReceivedAt   time.Time
}

func eventFromFrame(f Frame, now time.Time) PushEvent {
	ev := PushEvent{
		OrderID:      f.OrderID,
		Status:       f.Status,
		Filled:       f.Filled,
		Remaining:    f.Remaining,
		AvgFillPrice: f.AvgFillPrice,
		Message:      f.Message,
		Code:         f.Code,
		ReceivedAt:   now,
	}
	if f.Type == FrameError {
		ev.Kind = EventMessage
	}
	return ev
}

// AccountSummaryData account_summary 查询结果
type AccountSummaryData struct {
	AccountID string                `json:"account_id"`
	Values    []domain.AccountValue `json:"values"`
}

// PositionData positions 查询结果中的一行
type PositionData struct {
	Symbol      string          `json:"symbol"`
	Position    decimal.Decimal `json:"position"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	MarketPrice decimal.Decimal `json:"market_price"`
}

// orders 查询结果直接是 []domain.OrderSnapshot（最新的在前）
