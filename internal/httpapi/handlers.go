package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/execution"
	"github.com/MarekRumisek/ib-trading-platform/internal/risk"
	"github.com/MarekRumisek/ib-trading-platform/internal/runtime"
	"github.com/MarekRumisek/ib-trading-platform/internal/services"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), errorBody{Error: err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrDuplicateInFlight):
		return http.StatusConflict
	case errors.Is(err, services.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrClientIDInUse):
		return http.StatusConflict
	case errors.Is(err, risk.ErrTradingHalted):
		return http.StatusLocked
	case errors.Is(err, runtime.ErrSwitching),
		errors.Is(err, runtime.ErrNotStarted),
		errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrWorkerStopped),
		errors.Is(err, domain.ErrSendFailure),
		errors.Is(err, domain.ErrConnectFailure),
		errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ---- 连接状态 ----

type statusResponse struct {
	Connected     bool                     `json:"connected"`
	AccountID     string                   `json:"account_id"`
	Balance       string                   `json:"balance"`
	BuyingPower   string                   `json:"buying_power"`
	CashBalance   string                   `json:"cash_balance"`
	Profile       domain.ConnectionProfile `json:"profile"`
	ProfileLabel  string                   `json:"profile_label"`
	SafetyLabel   string                   `json:"safety_label,omitempty"`
	Switching     bool                     `json:"switching"`
	ReaderHealthy bool                     `json:"reader_healthy"`
	Worker        *execution.Health        `json:"worker,omitempty"`
	Trading       risk.State               `json:"trading"`
	Error         string                   `json:"error,omitempty"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	w, err := s.env.OrderWorker()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
		return
	}
	h := w.Health()
	code := http.StatusOK
	if !h.Connected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ok": h.Connected, "worker": h})
}

func (s *Server) handleStatus(c *gin.Context) {
	p := s.env.Profile()
	resp := statusResponse{
		AccountID:    "N/A",
		Balance:      "0",
		BuyingPower:  "0",
		CashBalance:  "0",
		Profile:      p,
		ProfileLabel: p.Label(),
		SafetyLabel:  p.SafetyLabel(),
		Switching:    s.env.Switching(),
		Trading:      s.orders.Trading(),
	}
	if w, err := s.env.OrderWorker(); err == nil {
		h := w.Health()
		resp.Worker = &h
		resp.Connected = h.Connected
	}
	r, err := s.env.Reader()
	if err != nil {
		resp.Error = err.Error()
		c.JSON(http.StatusOK, resp)
		return
	}
	info, err := r.GetAccountInfo(c.Request.Context())
	resp.ReaderHealthy = r.Healthy()
	if err != nil {
		resp.Error = err.Error()
		c.JSON(http.StatusOK, resp)
		return
	}
	resp.AccountID = info.AccountID
	resp.Balance = info.NetLiquidation.StringFixed(2)
	resp.BuyingPower = info.BuyingPower.StringFixed(2)
	resp.CashBalance = info.CashBalance.StringFixed(2)
	c.JSON(http.StatusOK, resp)
}

// ---- 只读查询 ----

func (s *Server) handlePositions(c *gin.Context) {
	r, err := s.env.Reader()
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"positions": []domain.Position{}, "error": err.Error()})
		return
	}
	pos, err := r.GetPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"positions": []domain.Position{}, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": pos})
}

type orderRow struct {
	domain.OrderSnapshot
	Price string `json:"price"`
}

func (s *Server) handleOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	r, err := s.env.Reader()
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"orders": []orderRow{}, "error": err.Error()})
		return
	}
	orders, err := r.GetRecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"orders": []orderRow{}, "error": err.Error()})
		return
	}
	rows := make([]orderRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, orderRow{OrderSnapshot: o, Price: o.PriceDisplay()})
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

// ---- 下单 ----

type placeOrderRequest struct {
	Symbol   string `json:"symbol"`
	Action   string `json:"action"`
	Quantity *int64 `json:"quantity"`
}

func (r placeOrderRequest) qty() int64 {
	if r.Quantity == nil {
		return 1
	}
	return *r.Quantity
}

type placeOrderResponse struct {
	Success      bool               `json:"success"`
	OrderID      int64              `json:"order_id,omitempty"`
	Status       domain.OrderStatus `json:"status,omitempty"`
	BrokerStatus domain.OrderStatus `json:"broker_status,omitempty"`
	Filled       int64              `json:"filled"`
	Remaining    int64              `json:"remaining"`
	AvgFillPrice float64            `json:"avg_fill_price,omitempty"`
	Message      string             `json:"message,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func resultResponse(res domain.OrderResult, err error) placeOrderResponse {
	out := placeOrderResponse{
		Success:      err == nil && res.Success(),
		OrderID:      res.BrokerOrderID,
		Status:       res.Status,
		BrokerStatus: res.BrokerStatus,
		Filled:       res.Filled,
		Remaining:    res.Remaining,
		AvgFillPrice: res.AvgFillPrice,
		Message:      res.Message,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.PlaceTimeout)
	defer cancel()

	res, err := s.orders.PlaceOrder(ctx, req.Symbol, req.Action, req.qty())
	switch {
	case err == nil, res.Status != "":
		// broker 给出了结论（包括拒单 / 超时 / 不确定）
		c.JSON(http.StatusOK, resultResponse(res, err))
	case errors.Is(err, context.DeadlineExceeded) && res.BrokerOrderID != 0:
		out := resultResponse(res, err)
		out.Error = "stopped waiting for the order result; the order may still be live"
		c.JSON(http.StatusGatewayTimeout, out)
	default:
		writeError(c, err)
	}
}

func (s *Server) handlePlaceOrderAsync(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	t, err := s.orders.PlaceOrderAsync(c.Request.Context(), req.Symbol, req.Action, req.qty())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "ticket": t.View()})
}

func (s *Server) handleTicket(c *gin.Context) {
	t, err := s.orders.Ticket(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if wait, _ := time.ParseDuration(c.Query("wait")); wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		_, _ = t.Wait(ctx)
	}
	c.JSON(http.StatusOK, t.View())
}

func (s *Server) handleTickets(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tickets := s.orders.Tickets(limit)
	views := make([]services.TicketView, 0, len(tickets))
	for _, t := range tickets {
		views = append(views, t.View())
	}
	c.JSON(http.StatusOK, gin.H{"tickets": views})
}

// ---- worker 记录与诊断 ----

type recordView struct {
	OrderID      int64              `json:"order_id"`
	Symbol       string             `json:"symbol"`
	Action       domain.Side        `json:"action"`
	Quantity     int64              `json:"quantity"`
	Status       domain.OrderStatus `json:"status"`
	BrokerStatus domain.OrderStatus `json:"broker_status,omitempty"`
	Filled       int64              `json:"filled"`
	Remaining    int64              `json:"remaining"`
	AvgFillPrice float64            `json:"avg_fill_price,omitempty"`
	Messages     []string           `json:"messages,omitempty"`
	Anomalies    int                `json:"anomalies"`
	CreatedAt    time.Time          `json:"created_at"`
	SubmittedAt  time.Time          `json:"submitted_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

func newRecordView(r domain.OrderRecord) recordView {
	return recordView{
		OrderID:      r.BrokerOrderID,
		Symbol:       r.Request.Symbol,
		Action:       r.Request.Side,
		Quantity:     r.Request.Quantity,
		Status:       r.Status,
		BrokerStatus: r.BrokerStatus,
		Filled:       r.Filled,
		Remaining:    r.Remaining,
		AvgFillPrice: r.AvgFillPrice,
		Messages:     r.Messages,
		Anomalies:    r.Anomalies,
		CreatedAt:    r.CreatedAt,
		SubmittedAt:  r.SubmittedAt,
		UpdatedAt:    r.UpdatedAt,
		FinishedAt:   r.FinishedAt,
	}
}

func (s *Server) handleRecords(c *gin.Context) {
	w, err := s.env.OrderWorker()
	if err != nil {
		writeError(c, err)
		return
	}
	recs, err := w.Records(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]recordView, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		views = append(views, newRecordView(recs[i]))
	}
	stats, _ := w.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"records": views, "stats": stats})
}

func (s *Server) handleRecord(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid order id"})
		return
	}
	w, err := s.env.OrderWorker()
	if err != nil {
		writeError(c, err)
		return
	}
	rec, ok, err := w.Record(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "order not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record":      newRecordView(rec),
		"transitions": s.env.Diagnostics().ForOrder(id),
	})
}

func (s *Server) handleTransitions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	d := s.env.Diagnostics()
	if raw := c.Query("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: "invalid order id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transitions": d.ForOrder(id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": d.Recent(limit), "dropped": d.Dropped()})
}

func (s *Server) handleTransitionsStream(c *gin.Context) {
	ch, cancel := s.env.Diagnostics().Subscribe(128)
	defer cancel()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.SSEvent("ready", gin.H{"profile": s.env.Profile().Label()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case t, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("transition", t)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}

// ---- profile ----

type profileSwitchRequest struct {
	Venue       domain.Venue     `json:"venue"`
	Money       domain.MoneyKind `json:"money"`
	Host        string           `json:"host"`
	Port        int              `json:"port"`
	ClientID    int              `json:"client_id"`
	ConfirmLive bool             `json:"confirm_live"`
}

func (s *Server) handleProfileGet(c *gin.Context) {
	cur := s.env.Profile()
	host := s.cfg.PresetHost
	if host == "" {
		host = cur.Host
	}
	type preset struct {
		domain.ConnectionProfile
		Label       string `json:"label"`
		SafetyLabel string `json:"safety_label,omitempty"`
	}
	presets := make([]preset, 0, 4)
	for _, p := range domain.CanonicalProfiles(host, cur.ClientID) {
		presets = append(presets, preset{ConnectionProfile: p, Label: p.Label(), SafetyLabel: p.SafetyLabel()})
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":      cur,
		"label":        cur.Label(),
		"safety_label": cur.SafetyLabel(),
		"switching":    s.env.Switching(),
		"presets":      presets,
	})
}

func (s *Server) handleProfileSwitch(c *gin.Context) {
	var req profileSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	cur := s.env.Profile()
	if req.Host == "" {
		req.Host = cur.Host
	}
	if req.ClientID == 0 {
		req.ClientID = cur.ClientID
	}
	p, err := domain.NewProfile(req.Venue, req.Money, req.Host, req.Port, req.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if p.IsLive() && !req.ConfirmLive {
		c.JSON(http.StatusBadRequest, errorBody{Error: p.SafetyLabel() + ": set confirm_live to switch"})
		return
	}
	if err := s.env.SwitchProfile(c.Request.Context(), p); err != nil {
		log.Errorf("❌ profile 切换失败: %v", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "profile": p, "label": p.Label(), "safety_label": p.SafetyLabel()})
}

// ---- 断路器 ----

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTradingGet(c *gin.Context) {
	c.JSON(http.StatusOK, s.orders.Trading())
}

func (s *Server) handleTradingHalt(c *gin.Context) {
	var req haltRequest
	// body 可省略
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual halt"
	}
	s.orders.Halt(req.Reason)
	c.JSON(http.StatusOK, s.orders.Trading())
}

func (s *Server) handleTradingResume(c *gin.Context) {
	s.orders.Resume()
	c.JSON(http.StatusOK, s.orders.Trading())
}
