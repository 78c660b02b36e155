// Package gatewaysim 一个可脚本化的 gateway bridge 模拟器。
//
// 用于测试和纸面演示：按 Scenario 推送订单状态、模拟断线、记录收到的订单。
package gatewaysim

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
)

var log = logrus.WithField("component", "gateway_sim")

// Step 订单被 ack 之后的一次推送；After 从 ack 时刻算起
//
// Status 为空时推送 error 帧（提示/警告），否则推送 order_status 帧。
type Step struct {
	After        time.Duration
	Status       string
	Filled       int64
	Remaining    int64
	AvgFillPrice float64
	Message      string
	Code         int
}

// PlacedOrder 模拟器收到的一笔订单
type PlacedOrder struct {
	OrderID  int64
	ClientID int
	Order    gateway.WireOrder
	At       time.Time
}

// Scenario 决定一笔订单之后的推送序列
type Scenario func(o PlacedOrder) []Step

// FillScenario 默认剧本：PendingSubmit → Submitted → Filled
func FillScenario(delay time.Duration, price float64) Scenario {
	return func(o PlacedOrder) []Step {
		q := o.Order.Quantity
		return []Step{
			{After: 0, Status: "PendingSubmit", Remaining: q},
			{After: delay, Status: "Submitted", Remaining: q},
			{After: 2 * delay, Status: "Filled", Filled: q, AvgFillPrice: price},
		}
	}
}

// SilentScenario 只 ack，不推送任何状态
func SilentScenario() Scenario {
	return func(PlacedOrder) []Step { return nil }
}

// RejectScenario 先 PendingSubmit，再推送拒单错误，最后 Inactive
func RejectScenario(delay time.Duration, reason string) Scenario {
	return func(o PlacedOrder) []Step {
		q := o.Order.Quantity
		return []Step{
			{After: 0, Status: "PendingSubmit", Remaining: q},
			{After: delay, Code: gateway.CodeOrderRejected, Message: "Order rejected - reason: " + reason},
			{After: delay + delay/2, Status: "Inactive", Remaining: q},
		}
	}
}

// AfterHoursScenario 休市时的模拟盘：长时间 PendingSubmit，带警告进入 PreSubmitted，最后停在 Submitted
func AfterHoursScenario(pending time.Duration) Scenario {
	return func(o PlacedOrder) []Step {
		q := o.Order.Quantity
		warning := "Order Message: " + o.Order.Action + " " + strconv.FormatInt(q, 10) + " " + o.Order.Symbol +
			" Warning: your order will not be placed at the exchange until the market opens"
		return []Step{
			{After: 0, Status: "PendingSubmit", Remaining: q},
			{After: pending, Status: "PreSubmitted", Remaining: q, Message: warning, Code: gateway.CodeOrderWarning},
			{After: pending + pending/2, Status: "Submitted", Remaining: q},
		}
	}
}

// BySymbol 按 symbol 选剧本；未列出的 symbol 使用 fallback
func BySymbol(bySymbol map[string]Scenario, fallback Scenario) Scenario {
	return func(o PlacedOrder) []Step {
		if sc, ok := bySymbol[o.Order.Symbol]; ok {
			return sc(o)
		}
		return fallback(o)
	}
}

type orderState struct {
	placed PlacedOrder
	status string
	filled int64
	avg    float64
}

type client struct {
	id      int
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *client) send(f gateway.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.ws.WriteJSON(f)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Server 模拟器
type Server struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	token     string
	nextID    int64
	clients   map[int]*client
	orders    []*orderState
	byID      map[int64]*orderState
	scenario  Scenario
	pongs     bool
	failQuery bool
	ackDelay  time.Duration
	accountID string
	values    []domain.AccountValue
	positions []gateway.PositionData
}

// New 创建模拟器；默认剧本为 FillScenario(50ms, 100)
func New() *Server {
	return &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		nextID:    1,
		clients:   make(map[int]*client),
		byID:      make(map[int64]*orderState),
		scenario:  FillScenario(50*time.Millisecond, 100),
		pongs:     true,
		accountID: "DU1234567",
		values: []domain.AccountValue{
			{Tag: domain.TagNetLiquidation, Value: "1000000.00", Currency: domain.BaseCurrency},
			{Tag: domain.TagBuyingPower, Value: "4000000.00", Currency: domain.BaseCurrency},
			{Tag: domain.TagCashBalance, Value: "1000000.00", Currency: domain.BaseCurrency},
		},
	}
}

// SetToken 要求客户端 hello 携带该 token；空串表示不校验
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// OnOrder 设置下单剧本
func (s *Server) OnOrder(sc Scenario) {
	s.mu.Lock()
	s.scenario = sc
	s.mu.Unlock()
}

// SetPongs 关闭后不再回应 ping（用于测试健康检查）
func (s *Server) SetPongs(enabled bool) {
	s.mu.Lock()
	s.pongs = enabled
	s.mu.Unlock()
}

// SetAckDelay 延迟发送 order_ack（订单照常登记，剧本从 ack 时刻开始）
func (s *Server) SetAckDelay(d time.Duration) {
	s.mu.Lock()
	s.ackDelay = d
	s.mu.Unlock()
}

// FailQueries 所有只读查询返回错误
func (s *Server) FailQueries(fail bool) {
	s.mu.Lock()
	s.failQuery = fail
	s.mu.Unlock()
}

// SetAccount 设置账户汇总
func (s *Server) SetAccount(accountID string, values []domain.AccountValue) {
	s.mu.Lock()
	s.accountID = accountID
	s.values = append([]domain.AccountValue(nil), values...)
	s.mu.Unlock()
}

// SetPositions 设置持仓
func (s *Server) SetPositions(rows []gateway.PositionData) {
	s.mu.Lock()
	s.positions = append([]gateway.PositionData(nil), rows...)
	s.mu.Unlock()
}

// Orders 按收到的顺序返回全部订单
func (s *Server) Orders() []PlacedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlacedOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.placed)
	}
	return out
}

// Clients 当前已连接的 client-id（升序）
func (s *Server) Clients() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// DropConnections 强制断开所有客户端（模拟 gateway 重启 / 网络中断）
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Push 向某个 client 主动推送一帧（测试迟到事件 / 乱序事件）
func (s *Server) Push(clientID int, f gateway.Frame) bool {
	s.mu.Lock()
	c := s.clients[clientID]
	s.mu.Unlock()
	if c == nil {
		return false
	}
	return c.send(f) == nil
}

// Mux 把模拟器挂在 path 上（空串为 /v1/session），并提供 /healthz
func (s *Server) Mux(path string) *http.ServeMux {
	if path == "" {
		path = gateway.DefaultOptions().Path
	}
	mux := http.NewServeMux()
	mux.Handle(path, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ProfileFor 根据模拟器 URL（httptest.Server.URL）生成 GATEWAY/PAPER profile
func ProfileFor(rawURL string, clientID int) domain.ConnectionProfile {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		panic(err)
	}
	port, _ := strconv.Atoi(portStr)
	return domain.ConnectionProfile{
		Venue:    domain.VenueGateway,
		Money:    domain.MoneyPaper,
		Host:     host,
		Port:     port,
		ClientID: clientID,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade 失败: %v", err)
		return
	}

	c, ok := s.handshake(ws)
	if !ok {
		_ = ws.Close()
		return
	}
	defer func() {
		s.mu.Lock()
		if s.clients[c.id] == c {
			delete(s.clients, c.id)
		}
		s.mu.Unlock()
		c.close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f gateway.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.handle(c, f)
	}
}

func (s *Server) handshake(ws *websocket.Conn) (*client, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello gateway.Frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != gateway.FrameHello {
		return nil, false
	}
	_ = ws.SetReadDeadline(time.Time{})

	reject := func(code int, msg string) (*client, bool) {
		_ = ws.WriteJSON(gateway.Frame{Type: gateway.FrameHelloAck, ReqID: hello.ReqID, Code: code, Message: msg})
		return nil, false
	}

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	// 旧连接刚断开时给它一点时间退出，真实 gateway 也需要片刻才能发现 socket 关闭
	taken := true
	for i := 0; i < 10 && taken; i++ {
		if i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		s.mu.Lock()
		_, taken = s.clients[hello.ClientID]
		s.mu.Unlock()
	}

	if token != "" && hello.Token != token {
		return reject(gateway.CodeAuthRejected, "invalid bridge token")
	}
	if taken {
		return reject(gateway.CodeClientIDInUse, "Unable to connect as the client id is already in use. Retry with a unique client id.")
	}

	c := &client{id: hello.ClientID, ws: ws, done: make(chan struct{})}
	s.mu.Lock()
	if _, raced := s.clients[hello.ClientID]; raced {
		s.mu.Unlock()
		return reject(gateway.CodeClientIDInUse, "client id already in use")
	}
	s.clients[c.id] = c
	accountID := s.accountID
	s.mu.Unlock()

	if err := c.send(gateway.Frame{Type: gateway.FrameHelloAck, ReqID: hello.ReqID, OK: true, Accounts: []string{accountID}}); err != nil {
		return nil, false
	}
	return c, true
}

func (s *Server) handle(c *client, f gateway.Frame) {
	switch f.Type {
	case gateway.FramePing:
		s.mu.Lock()
		pongs := s.pongs
		s.mu.Unlock()
		if pongs {
			_ = c.send(gateway.Frame{Type: gateway.FramePong})
		}
	case gateway.FramePlaceOrder:
		s.placeOrder(c, f)
	case gateway.FrameQuery:
		s.query(c, f)
	}
}

func (s *Server) placeOrder(c *client, f gateway.Frame) {
	if f.Order == nil || f.Order.Symbol == "" || f.Order.Quantity <= 0 {
		_ = c.send(gateway.Frame{Type: gateway.FrameError, ReqID: f.ReqID, Code: 321, Message: "Error validating request: invalid order"})
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	st := &orderState{
		placed: PlacedOrder{OrderID: id, ClientID: c.id, Order: *f.Order, At: time.Now()},
		status: "ApiPending",
	}
	s.orders = append(s.orders, st)
	s.byID[id] = st
	sc := s.scenario
	delay := s.ackDelay
	s.mu.Unlock()
	log.Debugf("收到订单 #%d client=%d %s %d %s", id, c.id, f.Order.Action, f.Order.Quantity, f.Order.Symbol)

	var steps []Step
	if sc != nil {
		steps = sc(st.placed)
	}
	if delay <= 0 {
		s.ack(c, f.ReqID, id, steps)
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-c.done:
			return
		case <-timer.C:
		}
		s.ack(c, f.ReqID, id, steps)
	}()
}

func (s *Server) ack(c *client, reqID string, orderID int64, steps []Step) {
	if err := c.send(gateway.Frame{Type: gateway.FrameOrderAck, ReqID: reqID, OrderID: orderID}); err != nil {
		return
	}
	if len(steps) > 0 {
		go s.play(c, orderID, steps)
	}
}

func (s *Server) play(c *client, orderID int64, steps []Step) {
	start := time.Now()
	for _, step := range steps {
		if wait := time.Until(start.Add(step.After)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-c.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		f := gateway.Frame{OrderID: orderID, Message: step.Message, Code: step.Code}
		if step.Status == "" {
			f.Type = gateway.FrameError
		} else {
			f.Type = gateway.FrameOrderStatus
			f.Status = step.Status
			f.Filled = step.Filled
			f.Remaining = step.Remaining
			f.AvgFillPrice = step.AvgFillPrice

			s.mu.Lock()
			if st := s.byID[orderID]; st != nil {
				st.status = step.Status
				st.filled = step.Filled
				st.avg = step.AvgFillPrice
			}
			s.mu.Unlock()
		}
		if err := c.send(f); err != nil {
			return
		}
	}
}

func (s *Server) query(c *client, f gateway.Frame) {
	s.mu.Lock()
	fail := s.failQuery
	s.mu.Unlock()
	if fail {
		_ = c.send(gateway.Frame{Type: gateway.FrameError, ReqID: f.ReqID, Code: 322, Message: "Error processing request"})
		return
	}

	var data any
	switch f.Query {
	case gateway.QueryAccountSummary:
		s.mu.Lock()
		data = gateway.AccountSummaryData{AccountID: s.accountID, Values: append([]domain.AccountValue(nil), s.values...)}
		s.mu.Unlock()
	case gateway.QueryPositions:
		s.mu.Lock()
		data = append([]gateway.PositionData{}, s.positions...)
		s.mu.Unlock()
	case gateway.QueryOrders:
		data = s.recentOrders(f.Limit)
	default:
		_ = c.send(gateway.Frame{Type: gateway.FrameError, ReqID: f.ReqID, Code: 322, Message: "unknown query " + string(f.Query)})
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		_ = c.send(gateway.Frame{Type: gateway.FrameError, ReqID: f.ReqID, Code: 322, Message: err.Error()})
		return
	}
	_ = c.send(gateway.Frame{Type: gateway.FrameQueryResult, ReqID: f.ReqID, Query: f.Query, Data: raw})
}

func (s *Server) recentOrders(limit int) []domain.OrderSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OrderSnapshot, 0, len(s.orders))
	for i := len(s.orders) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		st := s.orders[i]
		out = append(out, domain.OrderSnapshot{
			OrderID:      st.placed.OrderID,
			Symbol:       st.placed.Order.Symbol,
			Action:       domain.Side(st.placed.Order.Action),
			Quantity:     st.placed.Order.Quantity,
			OrderType:    st.placed.Order.OrderType,
			Status:       st.status,
			Filled:       st.filled,
			AvgFillPrice: decimal.NewFromFloat(st.avg),
			Time:         st.placed.At,
		})
	}
	return out
}
