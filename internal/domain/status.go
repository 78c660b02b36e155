package domain

import (
	"fmt"
	"strings"
)

// OrderStatus 订单状态
//
//	Created → PendingSubmit → {PreSubmitted, Submitted} → {Filled, Cancelled, Inactive}
//
// TimedOut / Unknown 由 worker 自己给出，不来自 broker。
type OrderStatus string

const (
	OrderStatusCreated       OrderStatus = "Created"
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusPreSubmitted  OrderStatus = "PreSubmitted"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusInactive      OrderStatus = "Inactive"
	OrderStatusTimedOut      OrderStatus = "TimedOut"
	OrderStatusUnknown       OrderStatus = "Unknown" // session 断开，结果不确定
)

// Rank 状态在转换表中的层级；未知状态返回 -1
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusCreated:
		return 0
	case OrderStatusPendingSubmit:
		return 1
	case OrderStatusPreSubmitted:
		return 2
	case OrderStatusSubmitted:
		return 3
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusInactive, OrderStatusTimedOut, OrderStatusUnknown:
		return 4
	}
	return -1
}

// Valid 是否是已知状态
func (s OrderStatus) Valid() bool {
	return s.Rank() >= 0
}

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	return s.Rank() == 4
}

// IsRejection broker 侧的拒单/撤单终态
func (s OrderStatus) IsRejection() bool {
	return s == OrderStatusCancelled || s == OrderStatusInactive
}

// IsBrokerStatus 是否可能由 broker 推送
func (s OrderStatus) IsBrokerStatus() bool {
	switch s {
	case OrderStatusPendingSubmit, OrderStatusPreSubmitted, OrderStatusSubmitted,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusInactive:
		return true
	}
	return false
}

// ErrNotATransition 表示 broker 状态有效但不参与状态机（例如 PendingCancel）
var ErrNotATransition = fmt.Errorf("broker status is not a lifecycle transition")

// ParseBrokerStatus 把 TWS/Gateway 的状态字符串映射为 OrderStatus
func ParseBrokerStatus(raw string) (OrderStatus, error) {
	switch strings.TrimSpace(raw) {
	case "ApiPending", "PendingSubmit":
		return OrderStatusPendingSubmit, nil
	case "PreSubmitted":
		return OrderStatusPreSubmitted, nil
	case "Submitted":
		return OrderStatusSubmitted, nil
	case "Filled":
		return OrderStatusFilled, nil
	case "Cancelled", "ApiCancelled":
		return OrderStatusCancelled, nil
	case "Inactive":
		return OrderStatusInactive, nil
	case "PendingCancel":
		return "", fmt.Errorf("%w: %s", ErrNotATransition, raw)
	}
	return "", fmt.Errorf("unknown broker status %q", raw)
}
