package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_Status(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"connected":    true,
			"account_id":   "DU1234567",
			"balance":      "1000000.00",
			"profile":      map[string]any{"venue": "TWS", "money": "LIVE", "host": "127.0.0.1", "port": 7496, "client_id": 1},
			"safety_label": "LIVE TRADING - REAL MONEY",
			"worker":       map[string]any{"connected": true, "queue_depth": 3},
		})
	})
	c := newTestClient(t, mux)

	st, err := c.Status(ctxT(t))
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "DU1234567", st.AccountID)
	assert.True(t, st.Profile.IsLive())
	assert.NotEmpty(t, st.SafetyLabel)
	require.NotNil(t, st.Worker)
	assert.Equal(t, 3, st.Worker.QueueDepth)
}

func TestClient_PlaceOrderOutcomes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/place_order", func(w http.ResponseWriter, r *http.Request) {
		var req placeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Symbol {
		case "AAPL":
			writeJSON(w, 200, map[string]any{"success": true, "order_id": 1, "status": "Filled", "filled": req.Quantity})
		case "XXXX":
			writeJSON(w, 200, map[string]any{"success": false, "order_id": 2, "status": "Rejected", "message": "No security definition"})
		case "SLOW":
			writeJSON(w, 504, map[string]any{"success": false, "order_id": 3, "status": "", "error": "stopped waiting"})
		default:
			writeJSON(w, 400, map[string]any{"success": false, "error": "invalid order: symbol"})
		}
	})
	c := newTestClient(t, mux)

	res, err := c.PlaceOrder(ctxT(t), "AAPL", "BUY", 5)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.Equal(t, int64(5), res.Filled)

	res, err = c.PlaceOrder(ctxT(t), "XXXX", "BUY", 1)
	require.NoError(t, err, "拒单是 broker 的结论，不是传输错误")
	assert.False(t, res.Success)
	assert.Equal(t, "No security definition", res.Message)

	res, err = c.PlaceOrder(ctxT(t), "SLOW", "BUY", 1)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusGatewayTimeout))
	require.NotNil(t, res)
	assert.Equal(t, int64(3), res.OrderID)

	res, err = c.PlaceOrder(ctxT(t), "", "BUY", 1)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsStatus(err, http.StatusBadRequest))
	assert.Contains(t, err.Error(), "invalid order: symbol")
}

func TestClient_PostIsNeverRetried(t *testing.T) {
	var posts, gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/place_order_async", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		writeJSON(w, 503, map[string]any{"error": "switching"})
	})
	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) == 1 {
			writeJSON(w, 503, map[string]any{"error": "switching"})
			return
		}
		writeJSON(w, 200, map[string]any{
			"records": []map[string]any{{"order_id": 9, "symbol": "MSFT", "status": "Filled"}},
			"stats":   map[string]any{"submitted": 1, "filled": 1},
		})
	})
	c := newTestClient(t, mux)

	_, err := c.PlaceOrderAsync(ctxT(t), "AAPL", "BUY", 1)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.Equal(t, int32(1), posts.Load())

	recs, stats, err := c.Records(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), gets.Load())
	require.Len(t, recs, 1)
	assert.Equal(t, int64(9), recs[0].OrderID)
	assert.Equal(t, int64(1), stats.Filled)
}

func TestClient_TicketWaitAndPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tickets/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tickets/abc", r.URL.Path)
		assert.Equal(t, "2s", r.URL.Query().Get("wait"))
		writeJSON(w, 200, map[string]any{"id": "abc", "done": true, "success": true, "order_id": 4, "status": "Submitted"})
	})
	mux.HandleFunc("/api/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"positions": []map[string]any{
			{"symbol": "AAPL", "position": "10", "avg_cost": "150", "market_price": "187.25", "unrealized_pnl": "372.5"},
		}})
	})
	c := newTestClient(t, mux)

	tk, err := c.Ticket(ctxT(t), "abc", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, tk.Done)
	assert.Equal(t, domain.OrderStatusSubmitted, tk.Status)

	pos, err := c.Positions(ctxT(t))
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, decimal.RequireFromString("372.5").Equal(pos[0].UnrealizedPnL))
}

func TestClient_SwitchProfileAndHealthz(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		var req SwitchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Money == domain.MoneyLive && !req.ConfirmLive {
			writeJSON(w, 400, map[string]any{"error": "LIVE TRADING - REAL MONEY: set confirm_live to switch"})
			return
		}
		writeJSON(w, 200, map[string]any{"profile": map[string]any{"venue": req.Venue, "money": req.Money, "port": 4002}, "label": "IB Gateway Paper"})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 503, map[string]any{"error": "worker disconnected"})
	})
	c := newTestClient(t, mux)

	_, err := c.SwitchProfile(ctxT(t), SwitchRequest{Venue: domain.VenueTWS, Money: domain.MoneyLive})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirm_live")

	info, err := c.SwitchProfile(ctxT(t), SwitchRequest{Venue: domain.VenueGateway, Money: domain.MoneyPaper})
	require.NoError(t, err)
	assert.Equal(t, 4002, info.Profile.Port)

	err = c.Healthz(ctxT(t))
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
}

func TestClient_HaltResume(t *testing.T) {
	halted := false
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trading/halt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		halted = true
		writeJSON(w, 200, map[string]any{"halted": true, "reason": body["reason"]})
	})
	mux.HandleFunc("/api/trading/resume", func(w http.ResponseWriter, r *http.Request) {
		halted = false
		writeJSON(w, 200, map[string]any{"halted": false})
	})
	mux.HandleFunc("/api/place_order", func(w http.ResponseWriter, r *http.Request) {
		if halted {
			writeJSON(w, 423, map[string]any{"error": "trading halted by circuit breaker"})
			return
		}
		writeJSON(w, 200, map[string]any{"success": true, "status": "Submitted"})
	})
	c := newTestClient(t, mux)

	st, err := c.Halt(ctxT(t), "maintenance")
	require.NoError(t, err)
	assert.True(t, st.Halted)
	assert.Equal(t, "maintenance", st.Reason)

	_, err = c.PlaceOrder(ctxT(t), "AAPL", "BUY", 1)
	assert.True(t, IsStatus(err, http.StatusLocked))

	st, err = c.Resume(ctxT(t))
	require.NoError(t, err)
	assert.False(t, st.Halted)
	res, err := c.PlaceOrder(ctxT(t), "AAPL", "BUY", 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
}
