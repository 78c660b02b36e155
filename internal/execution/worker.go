package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/metrics"
	"github.com/MarekRumisek/ib-trading-platform/internal/orderstate"
)

var workerLog = logrus.WithField("component", "order_worker")

const metricsRole = "worker"

// Config order worker 配置
type Config struct {
	Profile domain.ConnectionProfile

	// SettleDelay 提交后的最短观察窗口：paper 账户异步校验较慢，窗口内 PendingSubmit 是正常的
	SettleDelay time.Duration
	// MaxWait 单笔订单从提交起的最长等待
	MaxWait time.Duration

	QueueSize int

	// ReconnectBase / ReconnectMax 指数退避参数；MaxReconnects=0 表示不限次数
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int

	// ParkedEventTTL 找不到订单的推送最多保留多久
	ParkedEventTTL time.Duration
	// RecordLimit 保留的订单记录上限（只淘汰终态记录）
	RecordLimit int

	Debug bool
}

// DefaultConfig 默认配置
func DefaultConfig(profile domain.ConnectionProfile) Config {
	return Config{
		Profile:        profile,
		SettleDelay:    2 * time.Second,
		MaxWait:        15 * time.Second,
		QueueSize:      256,
		ReconnectBase:  time.Second,
		ReconnectMax:   30 * time.Second,
		ParkedEventTTL: 30 * time.Second,
		RecordLimit:    1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Profile)
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	if c.MaxWait < c.SettleDelay {
		c.MaxWait = c.SettleDelay
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = def.ReconnectMax
	}
	if c.ParkedEventTTL <= 0 {
		c.ParkedEventTTL = def.ParkedEventTTL
	}
	if c.RecordLimit <= 0 {
		c.RecordLimit = def.RecordLimit
	}
	return c
}

// Stats worker 统计
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Resolved      int64 `json:"resolved"`
	Filled        int64 `json:"filled"`
	Rejected      int64 `json:"rejected"`
	TimedOut      int64 `json:"timed_out"`
	Indeterminate int64 `json:"indeterminate"`
	SendFailures  int64 `json:"send_failures"`
	Anomalies     int64 `json:"anomalies"`
	LateEvents    int64 `json:"late_events"`
	ParkedEvents  int64 `json:"parked_events"`
	Reconnects    int64 `json:"reconnects"`
	Panics        int64 `json:"panics"`
	InFlight      int   `json:"in_flight"`
	Records       int   `json:"records"`
}

// Health 连接健康状况（无锁读取）
type Health struct {
	Profile        domain.ConnectionProfile `json:"profile"`
	Connected      bool                     `json:"connected"`
	Reconnecting   bool                     `json:"reconnecting"`
	Attempts       int                      `json:"attempts"`
	Fatal          bool                     `json:"fatal"`
	LastError      string                   `json:"last_error,omitempty"`
	ConnectedSince time.Time                `json:"connected_since,omitempty"`
	QueueDepth     int                      `json:"queue_depth"`
	Stopped        bool                     `json:"stopped"`
}

type inflightOrder struct {
	ticket      *Ticket
	submittedAt time.Time
	settled     bool
	settle      *time.Timer
	deadline    *time.Timer
}

// pendingAck 已写出但 ack 超时的订单，等待迟到的 order_ack
type pendingAck struct {
	ticket   *Ticket
	sentAt   time.Time
	expired  bool // 已按结果不确定返回给调用方
	deadline *time.Timer
}

type parkedEvent struct {
	ev       gateway.PushEvent
	parkedAt time.Time
}

// Worker 订单 worker（Actor 模型）
//
// 独占一个可写 session，生命周期与进程相同（或直到 profile 切换时重建）。
// 所有订单状态只在 Run 的单一 goroutine 中修改；其它 goroutine 只能拿到快照。
type Worker struct {
	cfg    Config
	opener gateway.Opener
	diag   *Diagnostics
	log    *logrus.Entry

	cmdC      chan command
	internalC chan command
	stopped   chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once

	health atomic.Pointer[Health]

	// 以下字段只在事件循环中访问
	runCtx    context.Context
	conn      gateway.Conn
	events    <-chan gateway.PushEvent
	records   map[int64]*domain.OrderRecord
	inflight  map[int64]*inflightOrder
	parked    map[int64][]parkedEvent
	awaiting  map[string]*pendingAck // 按 ReqID
	attempt   int
	fatal     error
	lastError string
	stats     Stats
}

// NewWorker 创建 worker；diag 为 nil 时内部新建
func NewWorker(cfg Config, opener gateway.Opener, diag *Diagnostics) *Worker {
	cfg = cfg.withDefaults()
	if diag == nil {
		diag = NewDiagnostics(0)
	}
	w := &Worker{
		cfg:       cfg,
		opener:    opener,
		diag:      diag,
		log:       workerLog,
		cmdC:      make(chan command, cfg.QueueSize),
		internalC: make(chan command, 64),
		stopped:   make(chan struct{}),
		records:   make(map[int64]*domain.OrderRecord),
		inflight:  make(map[int64]*inflightOrder),
		parked:    make(map[int64][]parkedEvent),
		awaiting:  make(map[string]*pendingAck),
	}
	if cfg.Debug {
		std := logrus.StandardLogger()
		l := logrus.New()
		l.SetOutput(std.Out)
		l.SetFormatter(std.Formatter)
		l.SetLevel(logrus.DebugLevel)
		w.log = l.WithField("component", "order_worker")
	}
	w.publishHealth()
	return w
}

// Profile worker 使用的连接配置
func (w *Worker) Profile() domain.ConnectionProfile {
	return w.cfg.Profile
}

// Diagnostics 诊断总线
func (w *Worker) Diagnostics() *Diagnostics {
	return w.diag
}

// Start 打开 session 并在后台启动事件循环
//
// 配置错误（client-id 冲突 / token 错误）直接返回，worker 不启动；
// 其它连接失败只记录日志，由事件循环按退避策略重连。
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("order worker already started")
	}
	conn, err := w.opener.Open(ctx, w.cfg.Profile)
	if err != nil && gateway.IsFatal(err) {
		w.fatal = err
		w.lastError = err.Error()
		w.closeStopped()
		w.drainQueue()
		w.publishHealth()
		return err
	}
	go w.run(ctx, conn, err)
	return nil
}

// Done worker 事件循环退出后关闭
func (w *Worker) Done() <-chan struct{} {
	return w.stopped
}

// Enqueue 入队一笔订单，立即返回 ticket
func (w *Worker) Enqueue(ctx context.Context, req domain.OrderRequest) (*Ticket, error) {
	req, err := req.Validate()
	if err != nil {
		return nil, err
	}
	select {
	case <-w.stopped:
		return nil, domain.ErrWorkerStopped
	default:
	}

	t := newTicket(req, w.stopped)
	if err := w.push(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// push 把下单命令放进队列；返回错误时 ticket 一定已经完成
func (w *Worker) push(ctx context.Context, t *Ticket) error {
	select {
	case w.cmdC <- &submitCommand{ctx: ctx, ticket: t}:
	case <-w.stopped:
		t.fail(domain.ErrWorkerStopped)
		return domain.ErrWorkerStopped
	default:
		w.log.Errorf("命令队列已满（%d），拒绝订单: %s", cap(w.cmdC), t.Request)
		t.fail(domain.ErrQueueFull)
		return domain.ErrQueueFull
	}
	// stop 可能在入队前已经排空过队列，这笔命令不会再有人处理
	select {
	case <-w.stopped:
		t.fail(domain.ErrWorkerStopped)
		return domain.ErrWorkerStopped
	default:
	}
	metrics.QueueDepth.Set(float64(len(w.cmdC)))
	return nil
}

// SubmitOrder 入队并等待结果
//
// 成功返回 Submitted / Filled 等状态；拒单、超时、结果不确定返回 *domain.OrderError，
// 同时 OrderResult 里带有状态和可展示的消息。
func (w *Worker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	t, err := w.Enqueue(ctx, req)
	if err != nil {
		return domain.OrderResult{Request: req}, err
	}
	return t.Wait(ctx)
}

// Records 全部订单记录快照（按订单号升序）
func (w *Worker) Records(ctx context.Context) ([]domain.OrderRecord, error) {
	reply := make(chan []domain.OrderRecord, 1)
	if err := w.query(ctx, &recordsCommand{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case recs := <-reply:
		return recs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stopped:
		return nil, domain.ErrWorkerStopped
	}
}

// Record 单个订单记录快照
func (w *Worker) Record(ctx context.Context, orderID int64) (domain.OrderRecord, bool, error) {
	reply := make(chan recordReply, 1)
	if err := w.query(ctx, &recordCommand{orderID: orderID, reply: reply}); err != nil {
		return domain.OrderRecord{}, false, err
	}
	select {
	case r := <-reply:
		return r.record, r.ok, nil
	case <-ctx.Done():
		return domain.OrderRecord{}, false, ctx.Err()
	case <-w.stopped:
		return domain.OrderRecord{}, false, domain.ErrWorkerStopped
	}
}

// Stats 统计快照
func (w *Worker) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := w.query(ctx, &statsCommand{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-w.stopped:
		return Stats{}, domain.ErrWorkerStopped
	}
}

// Health 连接健康状况（不经过事件循环）
func (w *Worker) Health() Health {
	h := *w.health.Load()
	h.QueueDepth = len(w.cmdC)
	select {
	case <-w.stopped:
		h.Stopped = true
		h.Connected = false
	default:
	}
	return h
}

// Shutdown 关闭 session 并停止事件循环；仍在等待的订单被放弃（记录警告）
func (w *Worker) Shutdown(ctx context.Context) error {
	if !w.started.Load() {
		w.closeStopped()
		w.drainQueue()
		return nil
	}
	select {
	case <-w.stopped:
		return nil
	default:
	}
	select {
	case w.internalC <- &stopCommand{reason: "shutdown"}:
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) query(ctx context.Context, cmd command) error {
	select {
	case <-w.stopped:
		return domain.ErrWorkerStopped
	default:
	}
	select {
	case w.internalC <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return domain.ErrWorkerStopped
	}
}

// post 定时器 / 后台 goroutine 把结果投回事件循环
func (w *Worker) post(cmd command) bool {
	select {
	case w.internalC <- cmd:
		return true
	case <-w.stopped:
		return false
	}
}

func (w *Worker) closeStopped() {
	w.stopOnce.Do(func() { close(w.stopped) })
}

// run 事件循环：命令、推送事件、定时器、重连结果都在这里串行处理
func (w *Worker) run(ctx context.Context, conn gateway.Conn, connectErr error) {
	w.runCtx = ctx
	w.log.Infof("🚀 order worker 启动: %s", w.cfg.Profile.Label())
	if label := w.cfg.Profile.SafetyLabel(); label != "" {
		w.log.Warnf("🔴 %s", label)
	}

	if conn != nil {
		w.attach(conn)
	} else {
		w.lastError = connectErr.Error()
		w.log.Warnf("初始连接失败: %v，将在后台重连", connectErr)
		w.scheduleReconnect(connectErr)
	}

	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stop("context cancelled")
			return

		case cmd := <-w.internalC:
			if cmd.commandType() == cmdStop {
				w.stop(cmd.(*stopCommand).reason)
				return
			}
			w.handleCommand(cmd)

		case cmd := <-w.cmdC:
			metrics.QueueDepth.Set(float64(len(w.cmdC)))
			w.handleCommand(cmd)

		case ev, ok := <-w.events:
			if !ok {
				w.onSessionLost()
				continue
			}
			w.safely("event", func() { w.handleEvent(ev) })

		case now := <-housekeeping.C:
			w.expireParked(now)
		}
	}
}

func (w *Worker) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics++
			w.log.Errorf("❌ 处理 %s 时发生 panic: %v", what, r)
		}
	}()
	fn()
}

func (w *Worker) handleCommand(cmd command) {
	w.safely(string(cmd.commandType()), func() {
		switch c := cmd.(type) {
		case *submitCommand:
			w.handleSubmit(c)
		case *recordsCommand:
			c.reply <- w.snapshotRecords()
		case *recordCommand:
			var r recordReply
			if rec, ok := w.records[c.orderID]; ok {
				r = recordReply{record: rec.Snapshot(), ok: true}
			}
			c.reply <- r
		case *statsCommand:
			s := w.stats
			s.InFlight = len(w.inflight)
			for _, p := range w.awaiting {
				if !p.expired {
					s.InFlight++
				}
			}
			s.Records = len(w.records)
			c.reply <- s
		case *settleCommand:
			if inf := w.inflight[c.orderID]; inf != nil {
				inf.settled = true
				w.checkResolution(c.orderID)
			}
		case *deadlineCommand:
			w.handleDeadline(c.orderID)
		case *ackDeadlineCommand:
			w.handleAckDeadline(c.reqID)
		case *reconnectedCommand:
			w.handleReconnected(c)
		default:
			w.log.Errorf("未知命令类型: %s", cmd.commandType())
		}
	})
}

// handleSubmit 写入 session（只在事件循环中调用，保证写入顺序 = 入队顺序）
func (w *Worker) handleSubmit(c *submitCommand) {
	t := c.ticket
	if err := c.ctx.Err(); err != nil {
		// 调用方在写入前已放弃，什么都没有发出
		t.fail(err)
		return
	}
	if w.conn == nil || !w.conn.Connected() {
		w.stats.SendFailures++
		msg := "session not connected"
		if w.fatal != nil {
			msg = fmt.Sprintf("session unavailable: %v", w.fatal)
		} else if w.conn == nil {
			msg = "session reconnecting"
		}
		t.fail(domain.NewSendError(msg, domain.ErrNotConnected))
		return
	}

	sentAt := time.Now()
	orderID, err := w.conn.Send(w.runCtx, t.Request)
	if err != nil {
		var lost *gateway.AckLostError
		if errors.As(err, &lost) {
			w.awaitAck(t, lost, sentAt)
			return
		}
		w.stats.SendFailures++
		w.log.Warnf("❌ 提交失败 %s: %v", t.Request, err)
		t.fail(err)
		return
	}

	w.track(t, orderID, time.Now(), true)
	w.log.Infof("📤 订单已提交 #%d: %s", orderID, t.Request)
}

// track 为已拿到订单号的 ticket 建立记录；watch 为 false 时只记录不再等待结果
func (w *Worker) track(t *Ticket, orderID int64, submittedAt time.Time, watch bool) *domain.OrderRecord {
	rec := domain.NewOrderRecord(t.Request, t.EnqueuedAt)
	rec.BrokerOrderID = orderID
	rec.SubmittedAt = submittedAt
	w.records[orderID] = rec
	w.setStatus(rec, domain.OrderStatusPendingSubmit, time.Now(), "submitted", 0)
	rec.BrokerStatus = domain.OrderStatusPendingSubmit
	t.orderID.Store(orderID)

	if watch {
		inf := &inflightOrder{ticket: t, submittedAt: submittedAt}
		inf.settle = time.AfterFunc(remaining(submittedAt, w.cfg.SettleDelay), func() { w.post(&settleCommand{orderID: orderID}) })
		inf.deadline = time.AfterFunc(remaining(submittedAt, w.cfg.MaxWait), func() { w.post(&deadlineCommand{orderID: orderID}) })
		w.inflight[orderID] = inf
	}

	w.stats.Submitted++
	metrics.OrdersSubmitted.WithLabelValues(string(t.Request.Side)).Inc()

	// 先于 ack 到达的推送
	if parked := w.parked[orderID]; len(parked) > 0 {
		delete(w.parked, orderID)
		w.log.Debugf("回放 #%d 的 %d 条暂存推送", orderID, len(parked))
		for _, p := range parked {
			w.applyEvent(rec, p.ev)
		}
	}
	w.trimRecords()
	return rec
}

func remaining(since time.Time, d time.Duration) time.Duration {
	if left := d - time.Since(since); left > 0 {
		return left
	}
	return 0
}

// awaitAck 订单已写出但没有 ack：ticket 保持未完成，等迟到的 ack 或 MaxWait 到期
func (w *Worker) awaitAck(t *Ticket, lost *gateway.AckLostError, sentAt time.Time) {
	w.log.Warnf("⚠️ 订单 %s 已写出但未收到 ack，等待迟到的 ack: %v", t.Request, lost.Err)
	reqID := lost.ReqID
	p := &pendingAck{ticket: t, sentAt: sentAt}
	p.deadline = time.AfterFunc(remaining(sentAt, w.cfg.MaxWait), func() { w.post(&ackDeadlineCommand{reqID: reqID}) })
	w.awaiting[reqID] = p
}

func (w *Worker) handleAckDeadline(reqID string) {
	p := w.awaiting[reqID]
	if p == nil || p.expired {
		return
	}
	p.expired = true
	w.abandonAck(p, fmt.Sprintf("no order_ack within %v; the order may be live at the gateway", w.cfg.MaxWait))
}

// abandonAck 没有订单号可追踪：按结果不确定返回
func (w *Worker) abandonAck(p *pendingAck, msg string) {
	p.deadline.Stop()
	now := time.Now()
	res := domain.OrderResult{Request: p.ticket.Request, Status: domain.OrderStatusUnknown, Message: msg, SubmittedAt: p.sentAt, ResolvedAt: now}
	w.stats.Resolved++
	w.stats.Indeterminate++
	metrics.OrdersResolved.WithLabelValues(string(res.Status)).Inc()
	metrics.OrderResolveSeconds.Observe(now.Sub(p.sentAt).Seconds())
	w.log.Warnf("❓ 订单 %s 结果不确定: %s", p.ticket.Request, msg)
	p.ticket.resolve(res, domain.ErrorForResult(res))
}

// handleLateAck 迟到的 order_ack：接管订单号，之后的推送照常应用
func (w *Worker) handleLateAck(ev gateway.PushEvent) {
	p := w.awaiting[ev.ReqID]
	if p == nil {
		w.log.Warnf("收到无主的迟到 ack req=%s order=#%d", ev.ReqID, ev.OrderID)
		return
	}
	delete(w.awaiting, ev.ReqID)
	p.deadline.Stop()

	if ev.OrderID <= 0 {
		msg := fmt.Sprintf("gateway refused order: [%d] %s", ev.Code, ev.Message)
		if p.expired {
			w.log.Warnf("迟到的拒绝 %s: %s", p.ticket.Request, msg)
			return
		}
		w.stats.SendFailures++
		w.log.Warnf("❌ 提交失败 %s: %s", p.ticket.Request, msg)
		p.ticket.fail(domain.NewSendError(msg, nil))
		return
	}
	if _, dup := w.records[ev.OrderID]; dup {
		w.log.Warnf("迟到的 ack #%d 与已有记录重复，忽略", ev.OrderID)
		return
	}

	w.log.Warnf("📥 迟到的 ack: 订单 #%d %s（等待 %v）", ev.OrderID, p.ticket.Request, time.Since(p.sentAt).Round(time.Millisecond))
	if p.expired {
		// 调用方已拿到不确定结果；记录保留下来供查询
		w.stats.LateEvents++
		w.diag.Publish(Transition{Time: ev.ReceivedAt, OrderID: ev.OrderID, From: domain.OrderStatusUnknown, Message: "order_ack arrived after the order was reported indeterminate", Kind: KindLate})
	} else {
		w.diag.Publish(Transition{Time: ev.ReceivedAt, OrderID: ev.OrderID, Message: "order_ack arrived late", Kind: KindMessage})
	}
	w.track(p.ticket, ev.OrderID, p.sentAt, !p.expired)
}

func (w *Worker) handleEvent(ev gateway.PushEvent) {
	if ev.Kind == gateway.EventOrderAck {
		w.handleLateAck(ev)
		return
	}
	rec := w.records[ev.OrderID]
	if rec == nil {
		w.parked[ev.OrderID] = append(w.parked[ev.OrderID], parkedEvent{ev: ev, parkedAt: time.Now()})
		w.stats.ParkedEvents++
		w.log.Debugf("暂存未知订单 #%d 的推送: %s %s", ev.OrderID, ev.Kind, ev.Status)
		return
	}
	w.applyEvent(rec, ev)
}

func (w *Worker) applyEvent(rec *domain.OrderRecord, ev gateway.PushEvent) {
	id := rec.BrokerOrderID
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	if ev.Kind == gateway.EventMessage {
		if rec.IsFinal() {
			w.late(rec, "", ev)
			return
		}
		rec.AddMessage(ev.Message)
		rec.UpdatedAt = at
		w.diag.Publish(Transition{Time: at, OrderID: id, From: rec.Status, To: rec.Status, Message: ev.Message, Code: ev.Code, Kind: KindMessage})
		return
	}

	incoming, err := domain.ParseBrokerStatus(ev.Status)
	if err != nil {
		if errors.Is(err, domain.ErrNotATransition) {
			w.diag.Publish(Transition{Time: at, OrderID: id, From: rec.Status, Message: err.Error(), Kind: KindMessage})
			return
		}
		w.anomaly(rec, domain.OrderStatus(ev.Status), err.Error(), at)
		return
	}

	if rec.IsFinal() {
		w.late(rec, incoming, ev)
		return
	}

	r := orderstate.Apply(rec.Status, incoming)
	if r.Anomaly {
		w.anomaly(rec, incoming, r.Reason, at)
		return
	}

	if ev.Message != "" {
		rec.AddMessage(ev.Message)
	}
	rec.BrokerStatus = incoming
	if ev.Filled+ev.Remaining > 0 {
		rec.Filled = ev.Filled
		rec.Remaining = ev.Remaining
	}
	if ev.AvgFillPrice > 0 {
		rec.AvgFillPrice = ev.AvgFillPrice
	}
	rec.UpdatedAt = at

	if r.Changed {
		w.setStatus(rec, r.Status, at, ev.Message, ev.Code)
	}
	w.checkResolution(id)
}

func (w *Worker) setStatus(rec *domain.OrderRecord, to domain.OrderStatus, at time.Time, msg string, code int) {
	from := rec.Status
	rec.Status = to
	rec.UpdatedAt = at
	if to.IsTerminal() && rec.FinishedAt == nil {
		t := at
		rec.FinishedAt = &t
	}
	kind := KindApplied
	switch to {
	case domain.OrderStatusTimedOut:
		kind = KindTimeout
	case domain.OrderStatusUnknown:
		kind = KindDisconnect
	}
	w.diag.Publish(Transition{Time: at, OrderID: rec.BrokerOrderID, From: from, To: to, Message: msg, Code: code, Kind: kind})
	w.log.Debugf("#%d %s → %s %s", rec.BrokerOrderID, from, to, msg)
}

func (w *Worker) anomaly(rec *domain.OrderRecord, incoming domain.OrderStatus, reason string, at time.Time) {
	rec.Anomalies++
	w.stats.Anomalies++
	metrics.OrderAnomalies.Inc()
	w.diag.Publish(Transition{Time: at, OrderID: rec.BrokerOrderID, From: rec.Status, To: incoming, Message: reason, Kind: KindAnomaly})
}

func (w *Worker) late(rec *domain.OrderRecord, incoming domain.OrderStatus, ev gateway.PushEvent) {
	w.stats.LateEvents++
	msg := ev.Message
	if msg == "" {
		msg = fmt.Sprintf("late update after %s", rec.Status)
	}
	w.diag.Publish(Transition{Time: ev.ReceivedAt, OrderID: rec.BrokerOrderID, From: rec.Status, To: incoming, Message: msg, Code: ev.Code, Kind: KindLate})
}

// checkResolution 终态立即返回；Submitted 要等观察窗口结束后才返回
func (w *Worker) checkResolution(orderID int64) {
	inf := w.inflight[orderID]
	if inf == nil {
		return
	}
	rec := w.records[orderID]
	switch {
	case rec.IsFinal():
		w.resolve(orderID)
	case rec.Status == domain.OrderStatusSubmitted && inf.settled:
		w.resolve(orderID)
	}
}

func (w *Worker) handleDeadline(orderID int64) {
	inf := w.inflight[orderID]
	if inf == nil {
		return
	}
	rec := w.records[orderID]
	if !rec.IsFinal() {
		msg := fmt.Sprintf("no terminal status within %v, last broker status %s; the order may still be live", w.cfg.MaxWait, rec.BrokerStatus)
		w.log.Warnf("⏰ 订单 #%d 等待超时: %s", orderID, msg)
		w.setStatus(rec, domain.OrderStatusTimedOut, time.Now(), msg, 0)
		rec.LastMessage = msg
	}
	w.resolve(orderID)
}

func (w *Worker) resolve(orderID int64) {
	inf := w.inflight[orderID]
	if inf == nil {
		return
	}
	delete(w.inflight, orderID)
	inf.settle.Stop()
	inf.deadline.Stop()

	rec := w.records[orderID]
	now := time.Now()
	res := domain.ResultFromRecord(rec, now)
	if rec.Status == domain.OrderStatusTimedOut || rec.Status == domain.OrderStatusUnknown {
		// 自己给出的终态：把原因放在 broker 消息后面
		if res.Message == "" {
			res.Message = rec.LastMessage
		} else if rec.LastMessage != "" && rec.LastMessage != res.Message {
			res.Message = res.Message + "; " + rec.LastMessage
		}
	}
	err := domain.ErrorForResult(res)

	w.stats.Resolved++
	switch {
	case res.Status == domain.OrderStatusFilled:
		w.stats.Filled++
	case res.Status.IsRejection():
		w.stats.Rejected++
	case res.Status == domain.OrderStatusTimedOut:
		w.stats.TimedOut++
	case res.Status == domain.OrderStatusUnknown:
		w.stats.Indeterminate++
	}
	metrics.OrdersResolved.WithLabelValues(string(res.Status)).Inc()
	metrics.OrderResolveSeconds.Observe(now.Sub(inf.submittedAt).Seconds())

	w.diag.Publish(Transition{Time: now, OrderID: orderID, From: rec.Status, To: res.Status, Message: res.Message, Kind: KindResolved})
	inf.ticket.resolve(res, err)
}

func (w *Worker) attach(conn gateway.Conn) {
	w.conn = conn
	w.events = conn.Events()
	w.attempt = 0
	w.lastError = ""
	metrics.SetConnected(metricsRole, true)
	w.publishHealthConnected(time.Now())
}

// onSessionLost session 的事件序列结束：在途订单结果不确定，然后重连
func (w *Worker) onSessionLost() {
	cause := w.conn.Err()
	if cause == nil {
		cause = errors.New("session ended")
	}
	_ = w.conn.Close()
	w.conn = nil
	w.events = nil
	metrics.SetConnected(metricsRole, false)
	w.lastError = cause.Error()
	w.log.Warnf("⚠️ session 断开: %v，在途订单 %d 笔", cause, len(w.inflight))

	now := time.Now()
	msg := fmt.Sprintf("session lost while order was in flight: %v", cause)
	for _, id := range w.sortedRecordIDs() {
		rec := w.records[id]
		if rec.IsFinal() {
			continue
		}
		w.setStatus(rec, domain.OrderStatusUnknown, now, msg, 0)
		rec.LastMessage = msg
	}
	for _, id := range w.sortedInflightIDs() {
		w.resolve(id)
	}
	// 迟到的 ack 只会出现在原 session 上
	for reqID, p := range w.awaiting {
		delete(w.awaiting, reqID)
		if !p.expired {
			w.abandonAck(p, msg)
		}
	}
	w.scheduleReconnect(cause)
}

func (w *Worker) scheduleReconnect(cause error) {
	if gateway.IsFatal(cause) {
		w.fatal = cause
		w.log.Errorf("❌ 连接配置错误，不再重连: %v", cause)
		w.publishHealth()
		return
	}
	if w.cfg.MaxReconnects > 0 && w.attempt >= w.cfg.MaxReconnects {
		w.fatal = fmt.Errorf("gave up after %d reconnect attempts: %w", w.attempt, cause)
		w.log.Errorf("❌ 已达到最大重连次数 (%d)，停止重连", w.cfg.MaxReconnects)
		w.publishHealth()
		return
	}

	delay := backoff(w.cfg.ReconnectBase, w.cfg.ReconnectMax, w.attempt)
	w.attempt++
	w.stats.Reconnects++
	metrics.SessionReconnects.WithLabelValues(metricsRole).Inc()
	w.log.Infof("🔄 将在 %v 后重连 (第 %d 次)", delay, w.attempt)
	w.publishHealth()

	ctx := w.runCtx
	profile := w.cfg.Profile
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-timer.C:
		}
		conn, err := w.opener.Open(ctx, profile)
		if !w.post(&reconnectedCommand{conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (w *Worker) handleReconnected(c *reconnectedCommand) {
	if c.err != nil {
		w.lastError = c.err.Error()
		w.log.Warnf("重连失败: %v", c.err)
		w.scheduleReconnect(c.err)
		return
	}
	w.log.Infof("✅ 重连成功 (第 %d 次尝试)", w.attempt)
	w.attach(c.conn)
}

func (w *Worker) expireParked(now time.Time) {
	for id, list := range w.parked {
		kept := list[:0]
		for _, p := range list {
			if now.Sub(p.parkedAt) < w.cfg.ParkedEventTTL {
				kept = append(kept, p)
				continue
			}
			w.diag.Publish(Transition{Time: now, OrderID: id, To: domain.OrderStatus(p.ev.Status), Message: p.ev.Message, Code: p.ev.Code, Kind: KindOrphan})
		}
		if len(kept) == 0 {
			delete(w.parked, id)
		} else {
			w.parked[id] = kept
		}
	}
}

// trimRecords 超出上限时淘汰最早的终态记录
func (w *Worker) trimRecords() {
	excess := len(w.records) - w.cfg.RecordLimit
	if excess <= 0 {
		return
	}
	for _, id := range w.sortedRecordIDs() {
		if excess == 0 {
			return
		}
		if _, busy := w.inflight[id]; busy || !w.records[id].IsFinal() {
			continue
		}
		delete(w.records, id)
		excess--
	}
}

func (w *Worker) stop(reason string) {
	if n := len(w.inflight); n > 0 {
		w.log.Warnf("⚠️ worker 停止（%s），放弃 %d 笔在途订单", reason, n)
	}
	for _, id := range w.sortedInflightIDs() {
		inf := w.inflight[id]
		delete(w.inflight, id)
		inf.settle.Stop()
		inf.deadline.Stop()
		rec := w.records[id]
		w.log.Warnf("放弃在途订单 #%d %s（最后状态 %s）", id, rec.Request, rec.Status)
		inf.ticket.resolve(domain.ResultFromRecord(rec, time.Now()), domain.ErrWorkerStopped)
	}
	for reqID, p := range w.awaiting {
		delete(w.awaiting, reqID)
		p.deadline.Stop()
		if !p.expired {
			w.log.Warnf("放弃未收到 ack 的订单 %s", p.ticket.Request)
			p.ticket.resolve(domain.OrderResult{Request: p.ticket.Request, Status: domain.OrderStatusUnknown, SubmittedAt: p.sentAt, ResolvedAt: time.Now()}, domain.ErrWorkerStopped)
		}
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
		w.events = nil
	}
	metrics.SetConnected(metricsRole, false)

	w.closeStopped()
	w.drainQueue()
	w.publishHealth()
	w.log.Infof("🛑 order worker 停止: %s", reason)
}

// drainQueue 队列里还没处理的订单从未写入 session，直接以 ErrWorkerStopped 结束
func (w *Worker) drainQueue() {
	for {
		select {
		case cmd := <-w.cmdC:
			if s, ok := cmd.(*submitCommand); ok {
				s.ticket.fail(domain.ErrWorkerStopped)
			}
		default:
			metrics.QueueDepth.Set(0)
			return
		}
	}
}

func (w *Worker) snapshotRecords() []domain.OrderRecord {
	out := make([]domain.OrderRecord, 0, len(w.records))
	for _, id := range w.sortedRecordIDs() {
		out = append(out, w.records[id].Snapshot())
	}
	return out
}

func (w *Worker) sortedRecordIDs() []int64 {
	ids := make([]int64, 0, len(w.records))
	for id := range w.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *Worker) sortedInflightIDs() []int64 {
	ids := make([]int64, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *Worker) publishHealth() {
	prev := w.health.Load()
	h := Health{Profile: w.cfg.Profile}
	if prev != nil {
		h.ConnectedSince = prev.ConnectedSince
	}
	h.Connected = w.conn != nil && w.conn.Connected()
	h.Reconnecting = w.conn == nil && w.fatal == nil && w.started.Load()
	h.Attempts = w.attempt
	h.Fatal = w.fatal != nil
	h.LastError = w.lastError
	if w.fatal != nil {
		h.LastError = w.fatal.Error()
	}
	if !h.Connected {
		h.ConnectedSince = time.Time{}
	}
	w.health.Store(&h)
}

func (w *Worker) publishHealthConnected(since time.Time) {
	w.publishHealth()
	h := *w.health.Load()
	h.ConnectedSince = since
	w.health.Store(&h)
}
