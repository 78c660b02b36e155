package execution

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// TransitionKind 诊断事件类型
type TransitionKind string

const (
	KindApplied    TransitionKind = "applied"    // 状态推进
	KindAnomaly    TransitionKind = "anomaly"    // 回退/未知状态，已丢弃
	KindLate       TransitionKind = "late"       // 终态之后的迟到更新，已丢弃
	KindMessage    TransitionKind = "message"    // broker 提示/警告
	KindTimeout    TransitionKind = "timeout"    // 等待上限到期
	KindDisconnect TransitionKind = "disconnect" // session 断开，结果不确定
	KindOrphan     TransitionKind = "orphan"     // 找不到订单的推送，过期丢弃
	KindResolved   TransitionKind = "resolved"   // 结果已交给调用方
)

// Transition 一条诊断记录
type Transition struct {
	Time    time.Time          `json:"time"`
	OrderID int64              `json:"order_id"`
	From    domain.OrderStatus `json:"from,omitempty"`
	To      domain.OrderStatus `json:"to,omitempty"`
	Message string             `json:"message,omitempty"`
	Code    int                `json:"code,omitempty"`
	Kind    TransitionKind     `json:"kind"`
}

// Diagnostics 诊断事件总线：最近历史（环形缓冲）+ 扇出订阅
//
// Publish 永不阻塞；订阅者消费太慢时丢弃并计数。
type Diagnostics struct {
	mu      sync.Mutex
	ring    []Transition
	next    int
	full    bool
	subs    map[int]chan Transition
	nextSub int
	dropped int64
}

// NewDiagnostics capacity 为历史条数（<=0 时 512）
func NewDiagnostics(capacity int) *Diagnostics {
	if capacity <= 0 {
		capacity = 512
	}
	return &Diagnostics{
		ring: make([]Transition, capacity),
		subs: make(map[int]chan Transition),
	}
}

// Publish 发布一条诊断记录
func (d *Diagnostics) Publish(t Transition) {
	if d == nil {
		return
	}
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ring[d.next] = t
	d.next = (d.next + 1) % len(d.ring)
	if d.next == 0 {
		d.full = true
	}
	for _, ch := range d.subs {
		select {
		case ch <- t:
		default:
			d.dropped++
		}
	}
}

// Subscribe 订阅后续事件；返回的 cancel 关闭 channel
func (d *Diagnostics) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Transition, buffer)
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Recent 最近 limit 条（按时间顺序，最新的在最后）；limit<=0 返回全部
func (d *Diagnostics) Recent(limit int) []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	var all []Transition
	if d.full {
		all = append(all, d.ring[d.next:]...)
	}
	all = append(all, d.ring[:d.next]...)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// ForOrder 某个订单的全部历史（仍在环形缓冲中的部分）
func (d *Diagnostics) ForOrder(orderID int64) []Transition {
	var out []Transition
	for _, t := range d.Recent(0) {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out
}

// Dropped 因订阅者过慢而丢弃的条数
func (d *Diagnostics) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// RunLogSink 把诊断事件写入日志，直到 ctx 结束
func RunLogSink(ctx context.Context, d *Diagnostics, log *logrus.Entry) {
	if log == nil {
		log = logrus.WithField("component", "order_diagnostics")
	}
	ch, cancel := d.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			entry := log.WithFields(logrus.Fields{
				"order_id": t.OrderID,
				"kind":     t.Kind,
			})
			if t.Code != 0 {
				entry = entry.WithField("code", t.Code)
			}
			switch t.Kind {
			case KindAnomaly, KindLate, KindOrphan:
				entry.Warnf("⚠️ %s → %s 未应用: %s", t.From, t.To, t.Message)
			case KindTimeout, KindDisconnect:
				entry.Warnf("⏰ %s → %s: %s", t.From, t.To, t.Message)
			case KindMessage:
				entry.Infof("📨 broker 消息: %s", t.Message)
			case KindResolved:
				entry.Infof("✅ 结果已返回: %s %s", t.To, t.Message)
			default:
				entry.Infof("📊 %s → %s %s", t.From, t.To, t.Message)
			}
		}
	}
}
