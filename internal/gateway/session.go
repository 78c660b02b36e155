package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

var sessionLog = logrus.WithField("component", "gateway_session")

var (
	// ErrAuthRejected bridge token 被拒绝（配置错误，不重试）
	ErrAuthRejected = errors.New("gateway token rejected")
	// ErrSessionClosed session 被所有者主动关闭
	ErrSessionClosed = errors.New("session closed")
	// ErrPongTimeout 健康检查失败
	ErrPongTimeout = errors.New("pong timeout")
)

// IsFatal 连接错误是否属于配置错误（client-id 冲突 / token 错误），重试没有意义
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrClientIDInUse) || errors.Is(err, ErrAuthRejected)
}

// Conn 一个已认证的 gateway session
//
// Events() 是获知订单结果的唯一通道：session 结束后 channel 被关闭，且不可重启。
// Conn 只属于创建它的组件，不在执行上下文之间传递。
type Conn interface {
	Profile() domain.ConnectionProfile
	Accounts() []string
	Send(ctx context.Context, req domain.OrderRequest) (int64, error)
	Query(ctx context.Context, kind QueryKind, limit int) (json.RawMessage, error)
	Events() <-chan PushEvent
	Done() <-chan struct{}
	Err() error
	Connected() bool
	Close() error
}

// Opener 打开 session（Dialer 实现；测试里可以替换）
type Opener interface {
	Open(ctx context.Context, profile domain.ConnectionProfile) (Conn, error)
}

// Options session 参数
type Options struct {
	Path             string
	Token            string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	// WriteRate 每秒最多写入的请求数（TWS 限制 50 msg/s）；<=0 不限速
	WriteRate  float64
	WriteBurst int
	OutsideRTH bool
	Transmit   bool
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Path:             "/v1/session",
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       5 * time.Second,
		PingInterval:     10 * time.Second,
		PongTimeout:      30 * time.Second,
		WriteRate:        45,
		WriteBurst:       10,
		OutsideRTH:       true,
		Transmit:         true,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Path == "" {
		o.Path = def.Path
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = def.AckTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = def.PongTimeout
	}
	if o.WriteBurst <= 0 {
		o.WriteBurst = def.WriteBurst
	}
	return o
}

// Dialer 打开 gateway session
type Dialer struct {
	opts     Options
	registry *Registry
	ws       websocket.Dialer
}

// NewDialer registry 为 nil 时使用 DefaultRegistry
func NewDialer(opts Options, registry *Registry) *Dialer {
	opts = opts.withDefaults()
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Dialer{
		opts:     opts,
		registry: registry,
		ws:       websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
}

// URL session 的 websocket 地址
func (d *Dialer) URL(p domain.ConnectionProfile) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), Path: d.opts.Path}
	return u.String()
}

// Open 连接并完成 hello 握手
//
// client-id 冲突（本进程内或 gateway 报告）在任何写入之前失败，错误同时匹配
// domain.ErrConnectFailure 和 domain.ErrClientIDInUse。
func (d *Dialer) Open(ctx context.Context, p domain.ConnectionProfile) (Conn, error) {
	if err := p.Validate(); err != nil {
		return nil, domain.NewConnectError("invalid connection profile", err)
	}

	release, err := d.registry.Acquire(p)
	if err != nil {
		return nil, domain.NewConnectError(fmt.Sprintf("client id %d already in use on %s", p.ClientID, p.GatewayKey()), err)
	}

	ws, _, err := d.ws.DialContext(ctx, d.URL(p), nil)
	if err != nil {
		release()
		return nil, domain.NewConnectError(fmt.Sprintf("gateway %s unreachable", p.GatewayKey()), err)
	}

	accounts, err := d.handshake(ctx, ws, p)
	if err != nil {
		_ = ws.Close()
		release()
		return nil, err
	}

	s := newSession(p, d.opts, ws, release, accounts)
	s.start()
	sessionLog.Infof("✅ session 已连接: %s accounts=%v", p.Label(), accounts)
	return s, nil
}

func (d *Dialer) handshake(ctx context.Context, ws *websocket.Conn, p domain.ConnectionProfile) ([]string, error) {
	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)
	defer func() {
		_ = ws.SetWriteDeadline(time.Time{})
		_ = ws.SetReadDeadline(time.Time{})
	}()

	hello := Frame{Type: FrameHello, ReqID: uuid.NewString(), ClientID: p.ClientID, Token: d.opts.Token}
	if err := ws.WriteJSON(hello); err != nil {
		return nil, domain.NewConnectError("hello failed", err)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, domain.NewConnectError("no handshake response", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameHelloAck {
			continue
		}
		if f.OK {
			return f.Accounts, nil
		}
		msg := f.Message
		if msg == "" {
			msg = "handshake rejected"
		}
		switch f.Code {
		case CodeClientIDInUse:
			return nil, domain.NewConnectError(msg, domain.ErrClientIDInUse)
		case CodeAuthRejected:
			return nil, domain.NewConnectError(msg, ErrAuthRejected)
		}
		return nil, domain.NewConnectError(fmt.Sprintf("[%d] %s", f.Code, msg), nil)
	}
}

type session struct {
	profile  domain.ConnectionProfile
	opts     Options
	ws       *websocket.Conn
	limiter  *rate.Limiter
	release  func()
	accounts []string

	writeMu sync.Mutex

	mu       sync.Mutex
	waiters  map[string]chan Frame
	late     map[string]struct{} // 等 ack 超时的下单请求
	queue    []PushEvent         // 读循环 → pump 的无界队列，读循环永远不会因为消费者慢而阻塞
	readDone bool
	err      error

	notify  chan struct{}
	events  chan PushEvent
	done    chan struct{}
	abandon chan struct{}

	closeOnce   sync.Once
	abandonOnce sync.Once
	connected   atomic.Bool
	lastPong    atomic.Int64
	wg          sync.WaitGroup
}

func newSession(p domain.ConnectionProfile, opts Options, ws *websocket.Conn, release func(), accounts []string) *session {
	s := &session{
		profile:  p,
		opts:     opts,
		ws:       ws,
		release:  release,
		accounts: accounts,
		waiters:  make(map[string]chan Frame),
		late:     make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		events:   make(chan PushEvent),
		done:     make(chan struct{}),
		abandon:  make(chan struct{}),
	}
	if opts.WriteRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), opts.WriteBurst)
	}
	return s
}

func (s *session) start() {
	s.connected.Store(true)
	s.lastPong.Store(time.Now().UnixNano())

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.pump()
	}()
	go func() {
		defer s.wg.Done()
		s.keepalive()
	}()
}

func (s *session) Profile() domain.ConnectionProfile { return s.profile }
func (s *session) Accounts() []string                { return append([]string(nil), s.accounts...) }
func (s *session) Events() <-chan PushEvent          { return s.events }
func (s *session) Done() <-chan struct{}             { return s.done }
func (s *session) Connected() bool                   { return s.connected.Load() }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AckLostError 订单已经写出，但没有等到 order_ack
//
// 订单可能已在 gateway 生效：结果不确定，不能当作提交失败重试。
// 迟到的 ack 会以 EventOrderAck 出现在 Events() 上（ReqID 相同）。
type AckLostError struct {
	ReqID string
	Err   error
}

func (e *AckLostError) Error() string {
	return fmt.Sprintf("order written but not acknowledged (req %s): %v", e.ReqID, e.Err)
}

func (e *AckLostError) Unwrap() []error { return []error{domain.ErrIndeterminate, e.Err} }

// Send 提交市价单，返回 broker 分配的订单号
//
// 写出之前的失败（未连接、限速器、写错误）返回 SendFailure；
// 写出之后等不到 ack 返回 *AckLostError。
func (s *session) Send(ctx context.Context, req domain.OrderRequest) (int64, error) {
	f := Frame{
		Type:  FramePlaceOrder,
		ReqID: uuid.NewString(),
		Order: NewWireOrder(req, s.opts.OutsideRTH, s.opts.Transmit),
	}
	resp, err := s.request(ctx, f, true)
	if err != nil {
		var lost *AckLostError
		switch {
		case errors.As(err, &lost):
			return 0, err
		case errors.Is(err, domain.ErrNotConnected):
			return 0, domain.NewSendError("session not connected", err)
		}
		return 0, domain.NewSendError(fmt.Sprintf("place %s failed", req), err)
	}
	if resp.Type == FrameError {
		return 0, domain.NewSendError(fmt.Sprintf("gateway refused order: [%d] %s", resp.Code, resp.Message), nil)
	}
	if resp.OrderID <= 0 {
		return 0, domain.NewSendError("gateway ack without order id", nil)
	}
	return resp.OrderID, nil
}

// Query 只读查询
func (s *session) Query(ctx context.Context, kind QueryKind, limit int) (json.RawMessage, error) {
	f := Frame{Type: FrameQuery, ReqID: uuid.NewString(), Query: kind, Limit: limit}
	resp, err := s.request(ctx, f, false)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	if resp.Type == FrameError {
		return nil, fmt.Errorf("query %s: [%d] %s", kind, resp.Code, resp.Message)
	}
	return resp.Data, nil
}

// request 写出请求并等待对应 ReqID 的响应
//
// keepLate 为 true 时，写出之后的失败返回 *AckLostError，且 ReqID 保留下来：
// 迟到的响应会变成一个 EventOrderAck 推送事件。
func (s *session) request(ctx context.Context, f Frame, keepLate bool) (Frame, error) {
	if !s.Connected() {
		return Frame{}, domain.ErrNotConnected
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Frame{}, err
		}
	}

	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.waiters[f.ReqID] = ch
	s.mu.Unlock()

	if err := s.write(f); err != nil {
		s.forget(f.ReqID)
		s.fail(fmt.Errorf("write %s: %w", f.Type, err))
		return Frame{}, err
	}

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()
	var err error
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		err = fmt.Errorf("no response to %s within %v", f.Type, s.opts.AckTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.done:
		err = fmt.Errorf("session ended while waiting for %s response: %w", f.Type, s.Err())
	}

	s.mu.Lock()
	delete(s.waiters, f.ReqID)
	select {
	case resp := <-ch:
		// deliver 已经在超时的同一刻交付
		s.mu.Unlock()
		return resp, nil
	default:
	}
	if keepLate {
		s.late[f.ReqID] = struct{}{}
	}
	s.mu.Unlock()

	if keepLate {
		return Frame{}, &AckLostError{ReqID: f.ReqID, Err: err}
	}
	return Frame{}, err
}

func (s *session) forget(reqID string) {
	s.mu.Lock()
	delete(s.waiters, reqID)
	s.mu.Unlock()
}

func (s *session) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteJSON(f)
}

func (s *session) readLoop() {
	defer func() {
		s.mu.Lock()
		s.readDone = true
		s.mu.Unlock()
		s.wake()
	}()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				sessionLog.Debugf("session 读循环退出: %v", err)
			default:
				sessionLog.Warnf("⚠️ session 读取错误: %v", err)
			}
			s.fail(fmt.Errorf("read: %w", err))
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			sessionLog.Debugf("无法解析帧: %v", err)
			continue
		}
		s.dispatch(f)
	}
}

func (s *session) dispatch(f Frame) {
	switch f.Type {
	case FramePong:
		s.lastPong.Store(time.Now().UnixNano())
	case FramePing:
		if err := s.write(Frame{Type: FramePong}); err != nil {
			s.fail(fmt.Errorf("pong: %w", err))
		}
	case FrameOrderAck, FrameQueryResult:
		s.deliver(f)
	case FrameOrderStatus:
		s.enqueue(eventFromFrame(f, time.Now()))
	case FrameError:
		if f.ReqID != "" && s.deliver(f) {
			return
		}
		if f.OrderID > 0 {
			s.enqueue(eventFromFrame(f, time.Now()))
			return
		}
		sessionLog.Warnf("gateway 消息 [%d]: %s", f.Code, f.Message)
	default:
		sessionLog.Debugf("忽略帧: %s", f.Type)
	}
}

func (s *session) deliver(f Frame) bool {
	s.mu.Lock()
	ch, ok := s.waiters[f.ReqID]
	if ok {
		delete(s.waiters, f.ReqID)
		// ch 容量为 1 且只交付一次，持锁发送不会阻塞
		ch <- f
		s.mu.Unlock()
		return true
	}
	_, late := s.late[f.ReqID]
	delete(s.late, f.ReqID)
	s.mu.Unlock()
	if !late {
		return false
	}

	ev := PushEvent{
		Kind:       EventOrderAck,
		ReqID:      f.ReqID,
		OrderID:    f.OrderID,
		Code:       f.Code,
		Message:    f.Message,
		ReceivedAt: time.Now(),
	}
	if f.Type == FrameError {
		ev.OrderID = 0
	}
	sessionLog.Warnf("⚠️ 迟到的 order_ack req=%s order=#%d", f.ReqID, ev.OrderID)
	s.enqueue(ev)
	return true
}

func (s *session) enqueue(ev PushEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump 按到达顺序把事件交给消费者；读循环结束且队列排空后关闭 events
func (s *session) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		var (
			ev       PushEvent
			ok       bool
			finished = s.readDone
		)
		if len(s.queue) > 0 {
			ev, ok = s.queue[0], true
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !ok {
			if finished {
				return
			}
			select {
			case <-s.notify:
			case <-s.abandon:
				return
			}
			continue
		}

		select {
		case s.events <- ev:
		case <-s.abandon:
			return
		}
	}
}

func (s *session) keepalive() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(Frame{Type: FramePing}); err != nil {
				sessionLog.Warnf("发送 ping 失败: %v", err)
				s.fail(fmt.Errorf("ping: %w", err))
				return
			}
			last := time.Unix(0, s.lastPong.Load())
			if time.Since(last) > s.opts.PongTimeout {
				sessionLog.Warnf("⚠️ 超过 %v 未收到 pong，关闭 session", s.opts.PongTimeout)
				s.fail(ErrPongTimeout)
				return
			}
		}
	}
}

// fail 结束 session（幂等）：释放 client-id，唤醒所有等待者
func (s *session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.connected.Store(false)
		close(s.done)
		_ = s.ws.Close()
		s.release()
	})
}

// Close 主动关闭：未消费的推送事件被丢弃，events channel 随即关闭
func (s *session) Close() error {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrSessionClosed
	}
	s.mu.Unlock()

	if s.Connected() {
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	}
	s.abandonOnce.Do(func() { close(s.abandon) })
	s.fail(ErrSessionClosed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		sessionLog.Warnf("等待 session goroutine 退出超时（3秒），继续关闭")
	}
	return nil
}
