package services

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/execution"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway/gatewaysim"
	"github.com/MarekRumisek/ib-trading-platform/internal/risk"
)

type staticSource struct {
	w   *execution.Worker
	err error
}

func (s staticSource) OrderWorker() (*execution.Worker, error) { return s.w, s.err }

func startWorker(t *testing.T) (*gatewaysim.Server, *execution.Worker) {
	t.Helper()
	sim := gatewaysim.New()
	sim.OnOrder(gatewaysim.FillScenario(10*time.Millisecond, 100))
	srv := httptest.NewServer(sim.Mux(""))
	t.Cleanup(srv.Close)

	opts := gateway.DefaultOptions()
	opts.WriteRate = 0
	cfg := execution.DefaultConfig(gatewaysim.ProfileFor(srv.URL, 1))
	cfg.SettleDelay = 50 * time.Millisecond
	cfg.MaxWait = 2 * time.Second
	w := execution.NewWorker(cfg, gateway.NewDialer(opts, gateway.NewRegistry()), nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	return sim, w
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPlaceOrderWaitsForResult(t *testing.T) {
	sim, w := startWorker(t)
	svc := NewOrderService(staticSource{w: w}, Options{})

	res, err := svc.PlaceOrder(ctxT(t), "aapl", "buy", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.True(t, res.Success())
	assert.EqualValues(t, 3, res.Filled)

	orders := sim.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "AAPL", orders[0].Order.Symbol)
	assert.Equal(t, "MKT", orders[0].Order.OrderType)
	assert.True(t, orders[0].Order.OutsideRTH)
	assert.True(t, orders[0].Order.Transmit)
}

func TestPlaceOrderRejectsInvalidInputWithoutWorker(t *testing.T) {
	svc := NewOrderService(staticSource{err: errors.New("must not be called")}, Options{})

	_, err := svc.PlaceOrder(ctxT(t), "AAPL", "HOLD", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = svc.PlaceOrder(ctxT(t), "", "BUY", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = svc.PlaceOrderAsync(ctxT(t), "AAPL", "SELL", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestWorkerUnavailable(t *testing.T) {
	unavailable := errors.New("profile switch in progress")
	svc := NewOrderService(staticSource{err: unavailable}, Options{})
	_, err := svc.PlaceOrder(ctxT(t), "AAPL", "BUY", 1)
	assert.ErrorIs(t, err, unavailable)
}

func TestPlaceOrderAsyncSurvivesCallerCancel(t *testing.T) {
	sim, w := startWorker(t)
	svc := NewOrderService(staticSource{w: w}, Options{})

	reqCtx, cancel := context.WithCancel(context.Background())
	tk, err := svc.PlaceOrderAsync(reqCtx, "MSFT", "SELL", 2)
	require.NoError(t, err)
	cancel()

	found, err := svc.Ticket(tk.ID)
	require.NoError(t, err)
	assert.Same(t, tk, found)

	res, err := found.Wait(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.Len(t, sim.Orders(), 1)

	v := found.View()
	assert.True(t, v.Done)
	assert.True(t, v.Success)
	assert.Equal(t, domain.OrderStatusFilled, v.Status)
	assert.Equal(t, res.BrokerOrderID, v.BrokerOrderID)
	assert.Equal(t, domain.SideSell, v.Action)
}

func TestDuplicateSubmissionGuard(t *testing.T) {
	_, w := startWorker(t)
	svc := NewOrderService(staticSource{w: w}, Options{DedupeWindow: time.Minute})

	_, err := svc.PlaceOrderAsync(ctxT(t), "AAPL", "BUY", 1)
	require.NoError(t, err)
	_, err = svc.PlaceOrderAsync(ctxT(t), "AAPL", "BUY", 1)
	assert.ErrorIs(t, err, execution.ErrDuplicateInFlight)
	_, err = svc.PlaceOrderAsync(ctxT(t), "AAPL", "BUY", 2)
	assert.NoError(t, err)
}

func TestUnknownTicket(t *testing.T) {
	svc := NewOrderService(staticSource{}, Options{})
	_, err := svc.Ticket("nope")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestResolvedTicketsAreEvicted(t *testing.T) {
	_, w := startWorker(t)
	svc := NewOrderService(staticSource{w: w}, Options{MaxTickets: 2})

	var ids []string
	for _, sym := range []string{"A", "B", "C"} {
		tk, err := svc.PlaceOrderAsync(ctxT(t), sym, "BUY", 1)
		require.NoError(t, err)
		_, err = tk.Wait(ctxT(t))
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}

	_, err := svc.Ticket(ids[0])
	assert.ErrorIs(t, err, ErrTicketNotFound)
	_, err = svc.Ticket(ids[2])
	assert.NoError(t, err)

	recent := svc.Tickets(0)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
}

func TestConsecutiveRejectionsHaltTrading(t *testing.T) {
	sim, w := startWorker(t)
	sim.OnOrder(gatewaysim.RejectScenario(10*time.Millisecond, "Order rejected - reason: no trading permissions"))
	svc := NewOrderService(staticSource{w: w}, Options{MaxConsecutiveFailures: 2})

	for _, sym := range []string{"AAPL", "MSFT"} {
		_, err := svc.PlaceOrder(ctxT(t), sym, "BUY", 1)
		assert.ErrorIs(t, err, domain.ErrRejectedOrder)
	}
	assert.Eventually(t, func() bool { return svc.Trading().Halted }, 2*time.Second, 10*time.Millisecond)

	_, err := svc.PlaceOrder(ctxT(t), "IBM", "BUY", 1)
	assert.ErrorIs(t, err, risk.ErrTradingHalted)
	assert.Len(t, sim.Orders(), 2)

	sim.OnOrder(gatewaysim.FillScenario(10*time.Millisecond, 100))
	svc.Resume()
	assert.False(t, svc.Trading().Halted)
	res, err := svc.PlaceOrder(ctxT(t), "IBM", "BUY", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
}

func TestManualHaltBlocksBeforeWorkerLookup(t *testing.T) {
	svc := NewOrderService(staticSource{err: errors.New("must not be called")}, Options{})
	svc.Halt("operator")

	_, err := svc.PlaceOrderAsync(ctxT(t), "AAPL", "BUY", 1)
	assert.ErrorIs(t, err, risk.ErrTradingHalted)
	assert.Equal(t, "operator", svc.Trading().Reason)
}
