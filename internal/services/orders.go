package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/execution"
	"github.com/MarekRumisek/ib-trading-platform/internal/risk"
)

var log = logrus.WithField("component", "order_service")

// ErrTicketNotFound 未知或已淘汰的 ticket
var ErrTicketNotFound = errors.New("ticket not found")

// WorkerSource 提供当前的 order worker（profile 切换后实例会变化）
type WorkerSource interface {
	OrderWorker() (*execution.Worker, error)
}

// Options 门面配置
type Options struct {
	// DedupeWindow 相同订单（symbol/side/qty）的重复提交窗口；0 关闭
	DedupeWindow time.Duration
	// MaxTickets 保留的异步 ticket 数量
	MaxTickets int
	// MaxConsecutiveFailures 连续失败（拒单/提交失败/结果不确定）达到该数量后暂停下单；0 关闭
	MaxConsecutiveFailures int
}

// OrderService 下单门面
//
// 只做校验、去重和入队，不持有任何 session。每次调用都向 WorkerSource 取当前 worker。
type OrderService struct {
	src     WorkerSource
	dedupe  *execution.InFlightDeduper
	breaker *risk.CircuitBreaker
	max     int
	mu      sync.Mutex
	tickets map[string]*OrderTicket
	order   []string
}

// NewOrderService 创建门面
func NewOrderService(src WorkerSource, opts Options) *OrderService {
	if opts.MaxTickets <= 0 {
		opts.MaxTickets = 1000
	}
	return &OrderService{
		src:     src,
		dedupe:  execution.NewInFlightDeduper(opts.DedupeWindow, 16),
		breaker: risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveFailures: int64(opts.MaxConsecutiveFailures)}),
		max:     opts.MaxTickets,
		tickets: make(map[string]*OrderTicket),
	}
}

// OrderTicket 异步下单句柄
type OrderTicket struct {
	*execution.Ticket
	Profile domain.ConnectionProfile
}

// TicketView ticket 当前状态（JSON 友好）
type TicketView struct {
	ID            string              `json:"id"`
	Symbol        string              `json:"symbol"`
	Action        domain.Side         `json:"action"`
	Quantity      int64               `json:"quantity"`
	Account       string              `json:"account"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	Done          bool                `json:"done"`
	BrokerOrderID int64               `json:"order_id,omitempty"`
	Status        domain.OrderStatus  `json:"status,omitempty"`
	Success       bool                `json:"success"`
	Message       string              `json:"message,omitempty"`
	Error         string              `json:"error,omitempty"`
	Result        *domain.OrderResult `json:"-"`
}

// View 当前状态
func (t *OrderTicket) View() TicketView {
	v := TicketView{
		ID:            t.ID,
		Symbol:        t.Request.Symbol,
		Action:        t.Request.Side,
		Quantity:      t.Request.Quantity,
		Account:       t.Profile.Label(),
		EnqueuedAt:    t.EnqueuedAt,
		BrokerOrderID: t.OrderID(),
	}
	res, err, done := t.Result()
	if !done {
		return v
	}
	v.Done = true
	v.Result = &res
	if res.BrokerOrderID != 0 {
		v.BrokerOrderID = res.BrokerOrderID
	}
	v.Status = res.Status
	v.Success = err == nil && res.Success()
	v.Message = res.Message
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

// NewRequest 从界面参数构造市价单请求
func NewRequest(symbol, action string, quantity int64) (domain.OrderRequest, error) {
	side, err := domain.ParseSide(action)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	return domain.NewMarketOrder(symbol, side, quantity)
}

// PlaceOrder 提交订单并等待最终结果
//
// ctx 结束只停止等待，已写入 session 的订单不会被撤销。
func (s *OrderService) PlaceOrder(ctx context.Context, symbol, action string, quantity int64) (domain.OrderResult, error) {
	t, err := s.enqueue(ctx, symbol, action, quantity)
	if err != nil {
		return domain.OrderResult{}, err
	}
	res, err := t.Wait(ctx)
	if err != nil && res.Status == "" {
		res.Request = t.Request
		res.BrokerOrderID = t.OrderID()
	}
	return res, err
}

// PlaceOrderAsync 入队后立即返回 ticket
//
// 入队后的订单与调用方 ctx 脱钩：请求结束也照常提交。
func (s *OrderService) PlaceOrderAsync(ctx context.Context, symbol, action string, quantity int64) (*OrderTicket, error) {
	return s.enqueue(context.WithoutCancel(ctx), symbol, action, quantity)
}

// Ticket 按 id 查找 ticket
func (s *OrderService) Ticket(id string) (*OrderTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return t, nil
}

// Tickets 最近的 ticket（最新的在前）
func (s *OrderService) Tickets(limit int) []*OrderTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrderTicket, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.tickets[s.order[i]])
	}
	return out
}

func (s *OrderService) enqueue(ctx context.Context, symbol, action string, quantity int64) (*OrderTicket, error) {
	req, err := NewRequest(symbol, action, quantity)
	if err != nil {
		return nil, err
	}
	if err := s.breaker.AllowTrading(); err != nil {
		return nil, err
	}
	w, err := s.src.OrderWorker()
	if err != nil {
		return nil, err
	}

	key := execution.OrderKey(req)
	if err := s.dedupe.TryAcquire(key); err != nil {
		log.Warnf("⚠️ 重复提交已拦截: %v", err)
		return nil, err
	}
	t, err := w.Enqueue(ctx, req)
	if err != nil {
		s.dedupe.Release(key)
		return nil, err
	}

	ot := &OrderTicket{Ticket: t, Profile: w.Profile()}
	s.remember(ot)
	go s.observe(ot)
	log.Infof("📥 订单已入队 ticket=%s %s (%s)", t.ID, req, ot.Profile.Label())
	return ot, nil
}

func (s *OrderService) remember(t *OrderTicket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
	s.order = append(s.order, t.ID)
	for len(s.order) > s.max {
		oldest := s.order[0]
		// 未完成的 ticket 不淘汰
		if _, _, done := s.tickets[oldest].Result(); !done {
			break
		}
		delete(s.tickets, oldest)
		s.order = s.order[1:]
	}
}

// observe 订单出结果后更新断路器
func (s *OrderService) observe(t *OrderTicket) {
	<-t.Done()
	_, err, _ := t.Result()
	switch {
	case err == nil, errors.Is(err, domain.ErrTimedOut):
		// 超时只说明 broker 慢，不计入失败
		s.breaker.OnSuccess()
	case errors.Is(err, domain.ErrWorkerStopped):
	case errors.Is(err, domain.ErrRejectedOrder),
		errors.Is(err, domain.ErrSendFailure),
		errors.Is(err, domain.ErrIndeterminate):
		if s.breaker.OnFailure() {
			st := s.breaker.State()
			log.Errorf("🛑 连续 %d 笔订单失败，已暂停下单（最后一笔 ticket=%s: %v）", st.ConsecutiveFailures, t.ID, err)
		}
	}
}

// Halt 人工暂停下单
func (s *OrderService) Halt(reason string) {
	s.breaker.Halt(reason)
	log.Warnf("🛑 已暂停下单: %s", reason)
}

// Resume 恢复下单并清空失败计数
func (s *OrderService) Resume() {
	s.breaker.Resume()
	log.Info("▶️ 已恢复下单")
}

// Trading 断路器状态
func (s *OrderService) Trading() risk.State {
	return s.breaker.State()
}
