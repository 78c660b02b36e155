package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// Ticket 一笔已入队订单的句柄
//
// 调用方可以立即返回，之后用 Wait 取结果；Wait 超时不会撤销真实订单。
type Ticket struct {
	ID         string
	Request    domain.OrderRequest
	EnqueuedAt time.Time

	orderID atomic.Int64
	once    sync.Once
	done    chan struct{}
	result  domain.OrderResult
	err     error
	stopped <-chan struct{}
}

func newTicket(req domain.OrderRequest, stopped <-chan struct{}) *Ticket {
	return &Ticket{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now(),
		done:       make(chan struct{}),
		stopped:    stopped,
	}
}

// OrderID broker 订单号；写入 session 之前为 0
func (t *Ticket) OrderID() int64 {
	return t.orderID.Load()
}

// Done 结果就绪时关闭
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result 非阻塞读取结果
func (t *Ticket) Result() (domain.OrderResult, error, bool) {
	select {
	case <-t.done:
		return t.result, t.err, true
	default:
		return domain.OrderResult{}, nil, false
	}
}

// Wait 等待结果
func (t *Ticket) Wait(ctx context.Context) (domain.OrderResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return domain.OrderResult{}, ctx.Err()
	case <-t.stopped:
		// worker 退出前可能刚好给出了结果
		select {
		case <-t.done:
			return t.result, t.err
		default:
		}
		return domain.OrderResult{}, domain.ErrWorkerStopped
	}
}

func (t *Ticket) resolve(res domain.OrderResult, err error) {
	t.once.Do(func() {
		t.result = res
		t.err = err
		close(t.done)
	})
}

func (t *Ticket) fail(err error) {
	t.resolve(domain.OrderResult{Request: t.Request, ResolvedAt: time.Now()}, err)
}
