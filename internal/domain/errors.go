package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailure gateway 不可达 / 握手被拒 / client-id 冲突
	ErrConnectFailure = errors.New("connect failure")
	// ErrClientIDInUse client-id 冲突，属于配置错误，不重试
	ErrClientIDInUse = errors.New("client id already in use")
	// ErrSendFailure 提交时 session 不可用
	ErrSendFailure = errors.New("send failure")
	// ErrNotConnected session 未连接（重连中）
	ErrNotConnected = errors.New("not connected")
	// ErrRejectedOrder broker 返回拒单终态
	ErrRejectedOrder = errors.New("order rejected")
	// ErrTimedOut 在等待上限内没有收到终态，真实订单可能仍然存活
	ErrTimedOut = errors.New("order timed out")
	// ErrIndeterminate session 中断，订单结果不确定
	ErrIndeterminate = errors.New("order outcome indeterminate")
	// ErrInvalidOrder 请求参数非法
	ErrInvalidOrder = errors.New("invalid order")
	// ErrQueueFull worker 队列已满
	ErrQueueFull = errors.New("order queue full")
	// ErrWorkerStopped worker 已停止
	ErrWorkerStopped = errors.New("order worker stopped")
)

// ErrorKind 订单失败类型
type ErrorKind string

const (
	KindConnect       ErrorKind = "ConnectFailure"
	KindSend          ErrorKind = "SendFailure"
	KindRejected      ErrorKind = "RejectedOrder"
	KindTimedOut      ErrorKind = "TimedOut"
	KindIndeterminate ErrorKind = "Indeterminate"
)

// OrderError 单个订单的失败结果，Message 可直接展示给用户
type OrderError struct {
	Kind    ErrorKind
	OrderID int64
	Status  OrderStatus
	Message string
	Err     error
}

func (e *OrderError) Error() string {
	msg := e.Message
	if j, ok := e.Err.(*joined); ok && j.cause != nil {
		msg += ": " + j.cause.Error()
	}
	if e.OrderID > 0 {
		return fmt.Sprintf("%s: order %d %s: %s", e.Kind, e.OrderID, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewConnectError 包装连接失败
func NewConnectError(msg string, cause error) error {
	return &OrderError{Kind: KindConnect, Message: msg, Err: wrapSentinel(ErrConnectFailure, cause)}
}

// NewSendError 包装提交失败
func NewSendError(msg string, cause error) error {
	return &OrderError{Kind: KindSend, Message: msg, Err: wrapSentinel(ErrSendFailure, cause)}
}

// ErrorForResult 根据终态结果生成对应的错误；成功返回 nil
func ErrorForResult(res OrderResult) error {
	msg := res.Message
	switch {
	case res.Status.IsRejection():
		if msg == "" {
			msg = fmt.Sprintf("broker reported %s", res.Status)
		}
		return &OrderError{Kind: KindRejected, OrderID: res.BrokerOrderID, Status: res.Status, Message: msg, Err: ErrRejectedOrder}
	case res.Status == OrderStatusTimedOut:
		if msg == "" {
			msg = fmt.Sprintf("no terminal status received, last broker status %s", res.BrokerStatus)
		}
		return &OrderError{Kind: KindTimedOut, OrderID: res.BrokerOrderID, Status: res.Status, Message: msg, Err: ErrTimedOut}
	case res.Status == OrderStatusUnknown:
		if msg == "" {
			msg = "session lost while order was in flight"
		}
		return &OrderError{Kind: KindIndeterminate, OrderID: res.BrokerOrderID, Status: res.Status, Message: msg, Err: ErrIndeterminate}
	}
	return nil
}

type joined struct {
	sentinel error
	cause    error
}

func (j *joined) Error() string {
	if j.cause == nil {
		return j.sentinel.Error()
	}
	return j.sentinel.Error() + ": " + j.cause.Error()
}

func (j *joined) Unwrap() []error {
	if j.cause == nil {
		return []error{j.sentinel}
	}
	return []error{j.sentinel, j.cause}
}

func wrapSentinel(sentinel, cause error) error {
	return &joined{sentinel: sentinel, cause: cause}
}
