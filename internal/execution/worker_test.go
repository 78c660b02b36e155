package execution

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway/gatewaysim"
)

type harness struct {
	sim    *gatewaysim.Server
	srv    *httptest.Server
	reg    *gateway.Registry
	dialer *gateway.Dialer
	worker *Worker
	diag   *Diagnostics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWithOptions(t, nil, mutate)
}

func newHarnessWithOptions(t *testing.T, mutateOpts func(*gateway.Options), mutate func(*Config)) *harness {
	t.Helper()
	sim := gatewaysim.New()
	srv := httptest.NewServer(sim.Mux(""))
	t.Cleanup(srv.Close)

	reg := gateway.NewRegistry()
	opts := gateway.DefaultOptions()
	opts.WriteRate = 0
	opts.AckTimeout = time.Second
	if mutateOpts != nil {
		mutateOpts(&opts)
	}
	dialer := gateway.NewDialer(opts, reg)

	cfg := DefaultConfig(gatewaysim.ProfileFor(srv.URL, 1))
	cfg.SettleDelay = 100 * time.Millisecond
	cfg.MaxWait = 2 * time.Second
	cfg.ReconnectBase = 20 * time.Millisecond
	cfg.ReconnectMax = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	diag := NewDiagnostics(0)
	w := NewWorker(cfg, dialer, diag)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	return &harness{sim: sim, srv: srv, reg: reg, dialer: dialer, worker: w, diag: diag}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.worker.Start(context.Background()))
	require.Eventually(t, func() bool { return h.worker.Health().Connected }, 2*time.Second, 10*time.Millisecond)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func order(t *testing.T, symbol string, side domain.Side, qty int64) domain.OrderRequest {
	t.Helper()
	req, err := domain.NewMarketOrder(symbol, side, qty)
	require.NoError(t, err)
	return req
}

func kinds(ts []Transition) []TransitionKind {
	out := make([]TransitionKind, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Kind)
	}
	return out
}

func TestWorker_AAPLWarningThenSubmitted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SettleDelay = 200 * time.Millisecond })
	const warning = "Order Message: BUY 1 AAPL Warning: your order will not be placed at the exchange until 2026-10-19 09:30:00 US/Eastern"
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{After: 0, Status: "PendingSubmit", Remaining: 1},
			{After: 100 * time.Millisecond, Status: "PreSubmitted", Remaining: 1, Message: warning, Code: gateway.CodeOrderWarning},
			{After: 200 * time.Millisecond, Status: "Submitted", Remaining: 1},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "AAPL", domain.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, res.Status)
	assert.True(t, res.Success())
	assert.EqualValues(t, 0, res.Filled)
	assert.EqualValues(t, 1, res.Remaining)
	assert.Contains(t, res.Message, "your order will not be placed at the exchange")

	rec, ok, err := h.worker.Record(testCtx(t), res.BrokerOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, rec.Anomalies)

	var applied []domain.OrderStatus
	for _, tr := range h.diag.ForOrder(res.BrokerOrderID) {
		assert.NotEqual(t, KindAnomaly, tr.Kind)
		if tr.Kind == KindApplied {
			applied = append(applied, tr.To)
		}
	}
	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusPendingSubmit,
		domain.OrderStatusPreSubmitted,
		domain.OrderStatusSubmitted,
	}, applied)
}

func TestWorker_MSFTFilled(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{After: 0, Status: "PendingSubmit", Remaining: 5},
			{After: 100 * time.Millisecond, Status: "Filled", Filled: 5, Remaining: 0, AvgFillPrice: 412.5},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "MSFT", domain.SideSell, 5))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.EqualValues(t, 5, res.Filled)
	assert.EqualValues(t, 0, res.Remaining)
	assert.InDelta(t, 412.5, res.AvgFillPrice, 1e-9)

	orders := h.sim.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "SELL", orders[0].Order.Action)
	assert.EqualValues(t, 5, orders[0].Order.Quantity)
}

func TestWorker_TimedOutRecordKeepsLastStatus(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxWait = 300 * time.Millisecond })
	h.sim.OnOrder(gatewaysim.SilentScenario())
	h.start(t)

	started := time.Now()
	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "IBM", domain.SideBuy, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimedOut)
	assert.NotErrorIs(t, err, domain.ErrRejectedOrder)
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)
	assert.Equal(t, domain.OrderStatusTimedOut, res.Status)
	assert.Equal(t, domain.OrderStatusPendingSubmit, res.BrokerStatus)
	assert.NotEmpty(t, res.Message)

	rec, ok, err := h.worker.Record(testCtx(t), res.BrokerOrderID)
	require.NoError(t, err)
	require.True(t, ok, "超时后记录仍可查询")
	assert.Equal(t, domain.OrderStatusTimedOut, rec.Status)
	assert.Equal(t, domain.OrderStatusPendingSubmit, rec.BrokerStatus)
	assert.NotNil(t, rec.FinishedAt)
}

func TestWorker_PreSubmittedNeverSettlesTimesOut(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxWait = 300 * time.Millisecond })
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{Status: "PendingSubmit", Remaining: 1},
			{After: 20 * time.Millisecond, Status: "PreSubmitted", Remaining: 1},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "SPY", domain.SideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrTimedOut)
	assert.Equal(t, domain.OrderStatusTimedOut, res.Status)
	assert.Equal(t, domain.OrderStatusPreSubmitted, res.BrokerStatus)
}

func TestWorker_SubmittedIsReportedOnlyAfterSettleFloor(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SettleDelay = 300 * time.Millisecond })
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{{Status: "Submitted", Remaining: o.Order.Quantity}}
	})
	h.start(t)

	started := time.Now()
	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "QQQ", domain.SideBuy, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, res.Status)
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)
}

func TestWorker_TerminalStatusResolvesBeforeSettleFloor(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SettleDelay = time.Second })
	h.sim.OnOrder(gatewaysim.FillScenario(20*time.Millisecond, 99))
	h.start(t)

	started := time.Now()
	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "AMD", domain.SideBuy, 4))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.Less(t, time.Since(started), time.Second)
}

func TestWorker_RejectedOrderCarriesBrokerMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{Status: "PendingSubmit", Remaining: 1},
			{After: 30 * time.Millisecond, Code: gateway.CodeOrderRejected, Message: "Order rejected - reason: insufficient buying power"},
			{After: 40 * time.Millisecond, Status: "Inactive", Remaining: 1},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "BRK.A", domain.SideBuy, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRejectedOrder)
	assert.Equal(t, domain.OrderStatusInactive, res.Status)
	assert.Contains(t, res.Message, "insufficient buying power")
	assert.Contains(t, err.Error(), "insufficient buying power")
}

func TestWorker_BackwardMoveIsDroppedAnomaly(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SettleDelay = 500 * time.Millisecond })
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{Status: "PendingSubmit", Remaining: 1},
			{After: 20 * time.Millisecond, Status: "Submitted", Remaining: 1},
			{After: 40 * time.Millisecond, Status: "PendingSubmit", Remaining: 1},
			{After: 60 * time.Millisecond, Status: "Filled", Filled: 1, AvgFillPrice: 10},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "F", domain.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)

	rec, _, err := h.worker.Record(testCtx(t), res.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Anomalies)
	assert.Contains(t, kinds(h.diag.ForOrder(res.BrokerOrderID)), KindAnomaly)

	stats, err := h.worker.Stats(testCtx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Anomalies)
}

func TestWorker_LateUpdateAfterTerminalIsNotApplied(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{Status: "Filled", Filled: 1, AvgFillPrice: 5},
			{After: 50 * time.Millisecond, Status: "Cancelled", Remaining: 1},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "T", domain.SideBuy, 1))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, res.Status)

	require.Eventually(t, func() bool {
		s, err := h.worker.Stats(context.Background())
		return err == nil && s.LateEvents == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec, _, err := h.worker.Record(testCtx(t), res.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, rec.Status)
	assert.EqualValues(t, 1, rec.Filled)
	assert.Contains(t, kinds(h.diag.ForOrder(res.BrokerOrderID)), KindLate)
}

func TestWorker_WritesFollowEnqueueOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.OnOrder(gatewaysim.FillScenario(5*time.Millisecond, 1))
	h.start(t)

	var (
		want    []string
		tickets []*Ticket
	)
	for i := 0; i < 20; i++ {
		sym := fmt.Sprintf("SYM%02d", i)
		want = append(want, sym)
		tk, err := h.worker.Enqueue(testCtx(t), order(t, sym, domain.SideBuy, 1))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	var lastID int64
	for _, tk := range tickets {
		res, err := tk.Wait(testCtx(t))
		require.NoError(t, err)
		assert.Greater(t, res.BrokerOrderID, lastID, "broker id 应随入队顺序递增")
		lastID = res.BrokerOrderID
	}

	var got []string
	for _, o := range h.sim.Orders() {
		got = append(got, o.Order.Symbol)
	}
	assert.Equal(t, want, got)
}

func TestWorker_EventBeforeRecordIsParkedAndReplayed(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.OnOrder(gatewaysim.SilentScenario())
	h.start(t)

	// 订单 #1 的状态先于下单 ack 到达
	require.True(t, h.sim.Push(1, gateway.Frame{Type: gateway.FrameOrderStatus, OrderID: 1, Status: "Submitted", Remaining: 1}))
	require.Eventually(t, func() bool {
		s, err := h.worker.Stats(context.Background())
		return err == nil && s.ParkedEvents == 1
	}, 2*time.Second, 10*time.Millisecond)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "GE", domain.SideBuy, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusSubmitted, res.Status)
}

func TestWorker_DisconnectIsIndeterminateThenReconnects(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxWait = 5 * time.Second })
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{{Status: "PendingSubmit", Remaining: 1}}
	})
	h.start(t)

	tk, err := h.worker.Enqueue(testCtx(t), order(t, "NFLX", domain.SideBuy, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tk.OrderID() > 0 }, 2*time.Second, 5*time.Millisecond)

	h.sim.DropConnections()

	res, err := tk.Wait(testCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndeterminate)
	assert.Equal(t, domain.OrderStatusUnknown, res.Status)
	assert.Equal(t, domain.OrderStatusPendingSubmit, res.BrokerStatus)
	assert.Contains(t, res.Message, "session lost")

	require.Eventually(t, func() bool { return h.worker.Health().Connected }, 3*time.Second, 10*time.Millisecond)

	h.sim.OnOrder(gatewaysim.FillScenario(10*time.Millisecond, 600))
	res, err = h.worker.SubmitOrder(testCtx(t), order(t, "NFLX", domain.SideSell, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)

	stats, err := h.worker.Stats(testCtx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Indeterminate)
	assert.GreaterOrEqual(t, stats.Reconnects, int64(1))
}

func TestWorker_LateAckIsAdoptedNotSendFailure(t *testing.T) {
	h := newHarnessWithOptions(t,
		func(o *gateway.Options) { o.AckTimeout = 150 * time.Millisecond },
		func(c *Config) { c.MaxWait = 3 * time.Second })
	h.sim.SetAckDelay(400 * time.Millisecond)
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{After: 0, Status: "PendingSubmit", Remaining: 1},
			{After: 20 * time.Millisecond, Status: "Filled", Filled: 1, AvgFillPrice: 187.25},
		}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "AAPL", domain.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.EqualValues(t, 1, res.BrokerOrderID)
	assert.InDelta(t, 187.25, res.AvgFillPrice, 1e-9)

	rec, ok, err := h.worker.Record(testCtx(t), 1)
	require.NoError(t, err)
	require.True(t, ok, "迟到 ack 的订单必须有记录")
	assert.Equal(t, domain.OrderStatusFilled, rec.Status)
	assert.Len(t, h.sim.Orders(), 1)

	stats, err := h.worker.Stats(testCtx(t))
	require.NoError(t, err)
	assert.Zero(t, stats.SendFailures)
	assert.EqualValues(t, 1, stats.Filled)
	assert.Contains(t, kinds(h.diag.ForOrder(1)), KindMessage)
}

func TestWorker_AckNeverArrivesIsIndeterminate(t *testing.T) {
	h := newHarnessWithOptions(t,
		func(o *gateway.Options) { o.AckTimeout = 100 * time.Millisecond },
		func(c *Config) { c.MaxWait = 300 * time.Millisecond })
	h.sim.SetAckDelay(800 * time.Millisecond)
	h.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{{After: 0, Status: "Submitted", Remaining: 1}}
	})
	h.start(t)

	res, err := h.worker.SubmitOrder(testCtx(t), order(t, "TSLA", domain.SideSell, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndeterminate)
	assert.NotErrorIs(t, err, domain.ErrSendFailure)
	assert.Equal(t, domain.OrderStatusUnknown, res.Status)
	assert.Contains(t, res.Message, "may be live")

	// ack 最终到达：记录仍然建立，之后的推送照常应用
	require.Eventually(t, func() bool {
		rec, ok, err := h.worker.Record(context.Background(), 1)
		return err == nil && ok && rec.Status == domain.OrderStatusSubmitted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, kinds(h.diag.ForOrder(1)), KindLate)

	stats, err := h.worker.Stats(testCtx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Indeterminate)
	assert.Zero(t, stats.SendFailures)
	assert.Zero(t, stats.InFlight)
}

func TestWorker_SubmitWhileReconnectingFailsFast(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ReconnectBase = 50 * time.Millisecond
		c.ReconnectMax = 50 * time.Millisecond
	})
	h.start(t)

	h.srv.Close()
	h.sim.DropConnections()
	require.Eventually(t, func() bool { return h.worker.Health().Reconnecting }, 2*time.Second, 10*time.Millisecond)

	started := time.Now()
	_, err := h.worker.SubmitOrder(testCtx(t), order(t, "AAPL", domain.SideBuy, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSendFailure)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Less(t, time.Since(started), time.Second)
}

func TestWorker_ClientIDCollisionFailsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	other := NewWorker(h.worker.cfg, h.dialer, nil)
	err := other.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectFailure)
	assert.ErrorIs(t, err, domain.ErrClientIDInUse)

	_, err = other.SubmitOrder(testCtx(t), order(t, "AAPL", domain.SideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrWorkerStopped)
	assert.Empty(t, h.sim.Orders())
	assert.True(t, other.Health().Fatal)
}

func TestWorker_QueueFull(t *testing.T) {
	w := NewWorker(Config{QueueSize: 1}, nil, nil)
	_, err := w.Enqueue(context.Background(), order(t, "AAPL", domain.SideBuy, 1))
	require.NoError(t, err)
	_, err = w.Enqueue(context.Background(), order(t, "AAPL", domain.SideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestWorker_EnqueueRacingStopNeverLeavesTicketPending(t *testing.T) {
	for i := 0; i < 200; i++ {
		w := NewWorker(Config{QueueSize: 4}, nil, nil)
		w.closeStopped()
		tk := newTicket(order(t, "AAPL", domain.SideBuy, 1), w.stopped)

		err := w.push(context.Background(), tk)
		require.ErrorIs(t, err, domain.ErrWorkerStopped)
		select {
		case <-tk.Done():
		default:
			t.Fatalf("ticket left pending after stop (iteration %d)", i)
		}
	}
}

func TestWorker_ShutdownBeforeStartResolvesQueuedTickets(t *testing.T) {
	w := NewWorker(Config{QueueSize: 2}, nil, nil)
	tk, err := w.Enqueue(context.Background(), order(t, "AAPL", domain.SideBuy, 1))
	require.NoError(t, err)

	require.NoError(t, w.Shutdown(context.Background()))
	_, err = tk.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrWorkerStopped)
	_, _, done := tk.Result()
	assert.True(t, done)
	assert.Zero(t, w.Health().QueueDepth)
}

func TestWorker_InvalidRequestNeverQueued(t *testing.T) {
	w := NewWorker(Config{QueueSize: 1}, nil, nil)
	_, err := w.Enqueue(context.Background(), domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Quantity: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Zero(t, w.Health().QueueDepth)
}

func TestWorker_ShutdownAbandonsInFlightOrders(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxWait = 5 * time.Second })
	h.sim.OnOrder(gatewaysim.SilentScenario())
	h.start(t)

	tk, err := h.worker.Enqueue(testCtx(t), order(t, "ORCL", domain.SideBuy, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tk.OrderID() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.worker.Shutdown(testCtx(t)))
	_, err = tk.Wait(testCtx(t))
	assert.ErrorIs(t, err, domain.ErrWorkerStopped)

	_, err = h.worker.Enqueue(testCtx(t), order(t, "ORCL", domain.SideBuy, 1))
	assert.ErrorIs(t, err, domain.ErrWorkerStopped)
	assert.True(t, h.worker.Health().Stopped)
	assert.False(t, h.reg.InUse(h.worker.Profile()), "关闭后 client-id 必须释放")
}

func TestWorker_RecordsSnapshotsAreCopies(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.OnOrder(gatewaysim.FillScenario(5*time.Millisecond, 1))
	h.start(t)

	_, err := h.worker.SubmitOrder(testCtx(t), order(t, "KO", domain.SideBuy, 1))
	require.NoError(t, err)

	recs, err := h.worker.Records(testCtx(t))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs[0].Status = domain.OrderStatusCancelled

	again, err := h.worker.Records(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, again[0].Status)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(time.Second, time.Minute, 0))
	assert.Equal(t, 2*time.Second, backoff(time.Second, time.Minute, 1))
	assert.Equal(t, 8*time.Second, backoff(time.Second, time.Minute, 3))
	assert.Equal(t, time.Minute, backoff(time.Second, time.Minute, 10))
	assert.Equal(t, time.Minute, backoff(time.Second, time.Minute, 100))
}
