package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/execution"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway/gatewaysim"
	"github.com/MarekRumisek/ib-trading-platform/internal/reader"
	"github.com/MarekRumisek/ib-trading-platform/internal/risk"
	"github.com/MarekRumisek/ib-trading-platform/internal/runtime"
	"github.com/MarekRumisek/ib-trading-platform/internal/services"
)

type jsonBody map[string]any

type apiFixture struct {
	sim *gatewaysim.Server
	env *runtime.Environment
	api *httptest.Server
}

func newSim(t *testing.T) (*gatewaysim.Server, string) {
	t.Helper()
	sim := gatewaysim.New()
	sim.OnOrder(gatewaysim.FillScenario(10*time.Millisecond, 187.25))
	srv := httptest.NewServer(sim.Mux(""))
	t.Cleanup(srv.Close)
	return sim, srv.URL
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	sim, simURL := newSim(t)

	opts := gateway.DefaultOptions()
	opts.WriteRate = 0
	wcfg := execution.DefaultConfig(domain.ConnectionProfile{})
	wcfg.SettleDelay = 50 * time.Millisecond
	wcfg.MaxWait = 500 * time.Millisecond
	env := runtime.New(runtime.Settings{
		Worker:         wcfg,
		Reader:         reader.Config{RefreshInterval: time.Hour},
		ReaderClientID: 2,
	}, gateway.NewDialer(opts, gateway.NewRegistry()))
	require.NoError(t, env.Start(context.Background(), gatewaysim.ProfileFor(simURL, 1)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = env.Shutdown(ctx)
	})

	orders := services.NewOrderService(env, services.Options{})
	api := httptest.NewServer(New(Config{PlaceTimeout: 2 * time.Second}, env, orders).Router())
	t.Cleanup(api.Close)
	return &apiFixture{sim: sim, env: env, api: api}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.api.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusAndHealth(t *testing.T) {
	f := newAPI(t)

	var st statusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status", nil, &st))
	assert.True(t, st.Connected)
	assert.Equal(t, "DU1234567", st.AccountID)
	assert.Equal(t, "1000000.00", st.Balance)
	assert.Equal(t, "4000000.00", st.BuyingPower)
	assert.True(t, st.ReaderHealthy)
	assert.Contains(t, st.ProfileLabel, "IB Gateway Paper")
	assert.Empty(t, st.SafetyLabel)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil))
}

func TestPlaceOrderSync(t *testing.T) {
	f := newAPI(t)

	var resp placeOrderResponse
	code := f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "aapl", "action": "BUY", "quantity": 2}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.OrderStatusFilled, resp.Status)
	assert.EqualValues(t, 2, resp.Filled)
	assert.InDelta(t, 187.25, resp.AvgFillPrice, 1e-9)
	assert.NotZero(t, resp.OrderID)
	assert.Empty(t, resp.Error)
}

func TestPlaceOrderDefaultsQuantityToOne(t *testing.T) {
	f := newAPI(t)
	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "IBM", "action": "SELL"}, &resp))
	orders := f.sim.Orders()
	require.Len(t, orders, 1)
	assert.EqualValues(t, 1, orders[0].Order.Quantity)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newAPI(t)
	var body errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "AAPL", "action": "SHORT"}, &body))
	assert.False(t, body.Success)
	assert.Contains(t, body.Error, "invalid order")
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "AAPL", "action": "BUY", "quantity": -3}, nil))
	assert.Empty(t, f.sim.Orders())
}

func TestPlaceOrderRejectedIsResolvedOutcome(t *testing.T) {
	f := newAPI(t)
	f.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{
			{Code: gateway.CodeOrderRejected, Message: "Order rejected - reason: no trading permissions"},
			{After: 10 * time.Millisecond, Status: "Inactive", Remaining: o.Order.Quantity},
		}
	})

	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "XYZ", "action": "BUY"}, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, domain.OrderStatusInactive, resp.Status)
	assert.Contains(t, resp.Message, "no trading permissions")
	assert.Contains(t, resp.Error, "no trading permissions")
}

func TestPlaceOrderTimedOutKeepsBrokerStatus(t *testing.T) {
	f := newAPI(t)
	f.sim.OnOrder(func(o gatewaysim.PlacedOrder) []gatewaysim.Step {
		return []gatewaysim.Step{{Status: "PendingSubmit", Remaining: o.Order.Quantity}}
	})

	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "AAPL", "action": "BUY"}, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, domain.OrderStatusTimedOut, resp.Status)
	assert.Equal(t, domain.OrderStatusPendingSubmit, resp.BrokerStatus)

	var rec struct {
		Record      recordView             `json:"record"`
		Transitions []execution.Transition `json:"transitions"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/records/"+strconv.FormatInt(resp.OrderID, 10), nil, &rec))
	assert.Equal(t, domain.OrderStatusTimedOut, rec.Record.Status)
	assert.Equal(t, domain.OrderStatusPendingSubmit, rec.Record.BrokerStatus)
	assert.NotEmpty(t, rec.Transitions)
}

func TestAsyncTicketFlow(t *testing.T) {
	f := newAPI(t)

	var accepted struct {
		Success bool                `json:"success"`
		Ticket  services.TicketView `json:"ticket"`
	}
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/place_order_async", jsonBody{"symbol": "MSFT", "action": "BUY", "quantity": 3}, &accepted))
	require.True(t, accepted.Success)
	require.NotEmpty(t, accepted.Ticket.ID)

	var view services.TicketView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tickets/"+accepted.Ticket.ID+"?wait=2s", nil, &view))
	assert.True(t, view.Done)
	assert.True(t, view.Success)
	assert.Equal(t, domain.OrderStatusFilled, view.Status)

	var list struct {
		Tickets []services.TicketView `json:"tickets"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tickets", nil, &list))
	require.Len(t, list.Tickets, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tickets/missing", nil, nil))
}

func TestRecordsAndTransitions(t *testing.T) {
	f := newAPI(t)
	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "KO", "action": "BUY"}, &resp))

	var recs struct {
		Records []recordView    `json:"records"`
		Stats   execution.Stats `json:"stats"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/records", nil, &recs))
	require.Len(t, recs.Records, 1)
	assert.Equal(t, "KO", recs.Records[0].Symbol)
	assert.EqualValues(t, 1, recs.Stats.Filled)

	var tr struct {
		Transitions []execution.Transition `json:"transitions"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, fmt.Sprintf("/api/transitions?order_id=%d", resp.OrderID), nil, &tr))
	require.NotEmpty(t, tr.Transitions)
	assert.Equal(t, execution.KindResolved, tr.Transitions[len(tr.Transitions)-1].Kind)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/records/999999", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/records/abc", nil, nil))
}

func TestPositionsAndOrders(t *testing.T) {
	f := newAPI(t)
	f.sim.SetPositions([]gateway.PositionData{{
		Symbol: "AAPL", Position: decimal.NewFromInt(10), AvgCost: decimal.NewFromInt(150), MarketPrice: decimal.NewFromInt(165),
	}})
	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "NVDA", "action": "BUY"}, &resp))

	var pos struct {
		Positions []domain.Position `json:"positions"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/positions", nil, &pos))
	require.Len(t, pos.Positions, 1)
	assert.Equal(t, "150", pos.Positions[0].UnrealizedPnL.String())

	var orders struct {
		Orders []orderRow `json:"orders"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/orders", nil, &orders))
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, "NVDA", orders.Orders[0].Symbol)
	assert.Equal(t, "$187.25", orders.Orders[0].Price)

	f.sim.FailQueries(true)
	var failed struct {
		Positions []domain.Position `json:"positions"`
		Error     string            `json:"error"`
	}
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/api/positions", nil, &failed))
	assert.Empty(t, failed.Positions)
	assert.NotEmpty(t, failed.Error)
}

func TestProfileEndpoints(t *testing.T) {
	f := newAPI(t)
	simB, urlB := newSim(t)

	var cur struct {
		Label   string `json:"label"`
		Presets []struct {
			Port        int    `json:"port"`
			SafetyLabel string `json:"safety_label"`
		} `json:"presets"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/profile", nil, &cur))
	require.Len(t, cur.Presets, 4)
	assert.Equal(t, 7497, cur.Presets[0].Port)
	assert.Equal(t, "LIVE TRADING - REAL MONEY", cur.Presets[1].SafetyLabel)

	var body errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/profile", jsonBody{"venue": "GATEWAY", "money": "LIVE"}, &body))
	assert.Contains(t, body.Error, "confirm_live")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/profile", jsonBody{"venue": "CLOUD", "money": "PAPER"}, nil))

	u, err := url.Parse(urlB)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	var switched struct {
		Success bool                     `json:"success"`
		Profile domain.ConnectionProfile `json:"profile"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/profile", jsonBody{"venue": "gateway", "money": "paper", "host": u.Hostname(), "port": port, "client_id": 9}, &switched))
	assert.True(t, switched.Success)
	assert.Equal(t, 9, switched.Profile.ClientID)
	assert.Equal(t, switched.Profile, f.env.Profile())

	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "AMD", "action": "BUY"}, &resp))
	require.Len(t, simB.Orders(), 1)
	assert.Empty(t, f.sim.Orders())

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/profile", jsonBody{"venue": "GATEWAY", "money": "PAPER", "host": u.Hostname(), "port": port, "client_id": 2}, nil))
}

func TestTransitionsStream(t *testing.T) {
	f := newAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.api.URL+"/api/transitions/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event:ready", sc.Text())

	go func() {
		r, err := http.Post(f.api.URL+"/api/place_order", "application/json", strings.NewReader(`{"symbol":"T","action":"BUY"}`))
		if err == nil {
			_ = r.Body.Close()
		}
	}()

	for sc.Scan() {
		if sc.Text() == "event:transition" {
			require.True(t, sc.Scan())
			data := strings.TrimPrefix(sc.Text(), "data:")
			var tr execution.Transition
			require.NoError(t, json.Unmarshal([]byte(data), &tr))
			assert.NotZero(t, tr.OrderID)
			return
		}
	}
	t.Fatal("没有收到 transition 事件")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPI(t)
	var resp placeOrderResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "PEP", "action": "BUY"}, &resp))

	r, err := http.Get(f.api.URL + "/metrics")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)
	sc := bufio.NewScanner(r.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "ib_orders_submitted_total") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTradingHaltAndResume(t *testing.T) {
	f := newAPI(t)

	var st risk.State
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/trading/halt", jsonBody{"reason": "maintenance"}, &st))
	assert.True(t, st.Halted)
	assert.Equal(t, "maintenance", st.Reason)

	var body errorBody
	assert.Equal(t, http.StatusLocked, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "AAPL", "action": "BUY"}, &body))
	assert.Contains(t, body.Error, "halted")
	assert.Empty(t, f.sim.Orders())

	var status statusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status", nil, &status))
	assert.True(t, status.Trading.Halted)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/trading/resume", nil, &st))
	assert.False(t, st.Halted)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/trading", nil, &st))
	assert.False(t, st.Halted)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/place_order", jsonBody{"symbol": "AAPL", "action": "BUY"}, nil))
}
