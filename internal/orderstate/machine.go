// Package orderstate 订单状态机：纯函数，只根据 (当前状态, 新状态) 决定是否推进。
//
// 不了解 session / goroutine，调用方（order worker）负责串行调用。
package orderstate

import (
	"fmt"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// Result 一次 Apply 的结果
type Result struct {
	// Status 应用后的状态（anomaly / no-op 时等于 current）
	Status domain.OrderStatus
	// Changed 状态是否推进
	Changed bool
	// Anomaly 非法转换（回退、未知状态、离开终态、目标为 Created）
	Anomaly bool
	Reason  string
}

// Apply 按单调前进规则应用一次状态更新
//
//	Created → PendingSubmit → {PreSubmitted, Submitted} → {Filled, Cancelled, Inactive}
//
// 外加 worker 给出的终态 TimedOut / Unknown。同状态重复上报是 no-op。
func Apply(current, incoming domain.OrderStatus) Result {
	res := Result{Status: current}

	switch {
	case !current.Valid():
		res.Anomaly = true
		res.Reason = fmt.Sprintf("current status %q is unknown", current)
	case !incoming.Valid():
		res.Anomaly = true
		res.Reason = fmt.Sprintf("incoming status %q is unknown", incoming)
	case incoming == current:
		// 幂等
	case current.IsTerminal():
		res.Anomaly = true
		res.Reason = fmt.Sprintf("%s is terminal, %s ignored", current, incoming)
	case incoming == domain.OrderStatusCreated:
		res.Anomaly = true
		res.Reason = "Created is not a valid target"
	case incoming.Rank() < current.Rank():
		res.Anomaly = true
		res.Reason = fmt.Sprintf("backward move %s -> %s dropped", current, incoming)
	default:
		res.Status = incoming
		res.Changed = true
	}
	return res
}

// CanTransition from → to 是否是一次合法推进
func CanTransition(from, to domain.OrderStatus) bool {
	r := Apply(from, to)
	return r.Changed
}

// All 所有已知状态（按层级排序）
func All() []domain.OrderStatus {
	return []domain.OrderStatus{
		domain.OrderStatusCreated,
		domain.OrderStatusPendingSubmit,
		domain.OrderStatusPreSubmitted,
		domain.OrderStatusSubmitted,
		domain.OrderStatusFilled,
		domain.OrderStatusCancelled,
		domain.OrderStatusInactive,
		domain.OrderStatusTimedOut,
		domain.OrderStatusUnknown,
	}
}

// Pair 一次状态转换
type Pair struct {
	From, To domain.OrderStatus
}

// ValidTransitions 列出全部合法转换，供诊断页面和测试使用
func ValidTransitions() []Pair {
	var out []Pair
	for _, from := range All() {
		for _, to := range All() {
			if CanTransition(from, to) {
				out = append(out, Pair{From: from, To: to})
			}
		}
	}
	return out
}
