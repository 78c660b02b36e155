package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

// IsStatus 判断 err 是否为指定状态码的 APIError
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type errorBody struct {
	Error string `json:"error"`
}

// Client ibexec HTTP API 客户端（orderctl / order-monitor 使用）
//
// 只有 GET 会重试；下单请求重试可能产生重复订单。
type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "ib-trading-platform/client").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() == http.StatusServiceUnavailable
		})
	return &Client{client: c}
}

// SetTimeout 单个请求的超时（同步下单需要比服务端 place_timeout 更长）
func (c *Client) SetTimeout(d time.Duration) *Client {
	c.client.SetTimeout(d)
	return c
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R().SetError(&errorBody{})
	if ctx != nil {
		r.SetContext(ctx)
	}
	return r
}

func checkResponse(resp *resty.Response, err error, what string) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	if resp.IsSuccess() {
		return nil
	}
	msg := strings.TrimSpace(string(resp.Body()))
	if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
		msg = e.Error
	}
	return errors.WithStack(&APIError{StatusCode: resp.StatusCode(), Message: msg})
}

// ---- 查询 ----

// WorkerHealth 下单 worker 的连接状态
type WorkerHealth struct {
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
	Attempts     int    `json:"attempts"`
	Fatal        bool   `json:"fatal"`
	LastError    string `json:"last_error"`
	QueueDepth   int    `json:"queue_depth"`
	Stopped      bool   `json:"stopped"`
}

// Status /api/status
type Status struct {
	Connected     bool                     `json:"connected"`
	AccountID     string                   `json:"account_id"`
	Balance       string                   `json:"balance"`
	BuyingPower   string                   `json:"buying_power"`
	CashBalance   string                   `json:"cash_balance"`
	Profile       domain.ConnectionProfile `json:"profile"`
	ProfileLabel  string                   `json:"profile_label"`
	SafetyLabel   string                   `json:"safety_label"`
	Switching     bool                     `json:"switching"`
	ReaderHealthy bool                     `json:"reader_healthy"`
	Worker        *WorkerHealth            `json:"worker"`
	Trading       TradingState             `json:"trading"`
	Error         string                   `json:"error"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	resp, err := c.newRequest(ctx).SetResult(&out).Get("/api/status")
	if err := checkResponse(resp, err, "get status"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthz 连接健康检查；不健康时返回 APIError(503)
func (c *Client) Healthz(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/healthz")
	return checkResponse(resp, err, "healthz")
}

func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var out struct {
		Positions []domain.Position `json:"positions"`
	}
	resp, err := c.newRequest(ctx).SetResult(&out).Get("/api/positions")
	if err := checkResponse(resp, err, "get positions"); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// OrderRow /api/orders 的一行
type OrderRow struct {
	domain.OrderSnapshot
	Price string `json:"price"`
}

func (c *Client) Orders(ctx context.Context, limit int) ([]OrderRow, error) {
	var out struct {
		Orders []OrderRow `json:"orders"`
	}
	r := c.newRequest(ctx).SetResult(&out)
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := r.Get("/api/orders")
	if err := checkResponse(resp, err, "get orders"); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// ---- 下单 ----

// PlaceResult 同步下单结果
type PlaceResult struct {
	Success      bool               `json:"success"`
	OrderID      int64              `json:"order_id"`
	Status       domain.OrderStatus `json:"status"`
	BrokerStatus domain.OrderStatus `json:"broker_status"`
	Filled       int64              `json:"filled"`
	Remaining    int64              `json:"remaining"`
	AvgFillPrice float64            `json:"avg_fill_price"`
	Message      string             `json:"message"`
	Error        string             `json:"error"`
}

type placeRequest struct {
	Symbol   string `json:"symbol"`
	Action   string `json:"action"`
	Quantity int64  `json:"quantity"`
}

// PlaceOrder 同步下单
//
// broker 给出结论（包括拒单）时 err 为 nil，看 Success；等待超时但已拿到 order id 时同时返回结果和 504 错误。
func (c *Client) PlaceOrder(ctx context.Context, symbol, action string, qty int64) (*PlaceResult, error) {
	var out PlaceResult
	resp, err := c.newRequest(ctx).
		SetBody(placeRequest{Symbol: symbol, Action: action, Quantity: qty}).
		SetResult(&out).
		Post("/api/place_order")
	if err != nil {
		return nil, errors.Wrap(err, "place order")
	}
	if resp.StatusCode() == http.StatusGatewayTimeout {
		// 504 的 body 也是 PlaceResult，resty 只在 2xx 时填充 Result
		_ = json.Unmarshal(resp.Body(), &out)
	}
	if err := checkResponse(resp, nil, "place order"); err != nil {
		if out.OrderID != 0 {
			return &out, err
		}
		return nil, err
	}
	return &out, nil
}

// Ticket 异步下单凭据
type Ticket struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Action     domain.Side        `json:"action"`
	Quantity   int64              `json:"quantity"`
	Account    string             `json:"account"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Done       bool               `json:"done"`
	OrderID    int64              `json:"order_id"`
	Status     domain.OrderStatus `json:"status"`
	Success    bool               `json:"success"`
	Message    string             `json:"message"`
	Error      string             `json:"error"`
}

// PlaceOrderAsync 入队后立即返回 ticket
func (c *Client) PlaceOrderAsync(ctx context.Context, symbol, action string, qty int64) (*Ticket, error) {
	var out struct {
		Ticket Ticket `json:"ticket"`
	}
	resp, err := c.newRequest(ctx).
		SetBody(placeRequest{Symbol: symbol, Action: action, Quantity: qty}).
		SetResult(&out).
		Post("/api/place_order_async")
	if err := checkResponse(resp, err, "place order async"); err != nil {
		return nil, err
	}
	return &out.Ticket, nil
}

// Ticket 查询 ticket；wait>0 时服务端最多等待这么久
func (c *Client) Ticket(ctx context.Context, id string, wait time.Duration) (*Ticket, error) {
	var out Ticket
	r := c.newRequest(ctx).SetResult(&out).SetPathParam("id", id)
	if wait > 0 {
		r.SetQueryParam("wait", wait.String())
	}
	resp, err := r.Get("/api/tickets/{id}")
	if err := checkResponse(resp, err, "get ticket"); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---- 诊断 ----

// Record 订单记录
type Record struct {
	OrderID      int64              `json:"order_id"`
	Symbol       string             `json:"symbol"`
	Action       domain.Side        `json:"action"`
	Quantity     int64              `json:"quantity"`
	Status       domain.OrderStatus `json:"status"`
	BrokerStatus domain.OrderStatus `json:"broker_status"`
	Filled       int64              `json:"filled"`
	Remaining    int64              `json:"remaining"`
	AvgFillPrice float64            `json:"avg_fill_price"`
	Messages     []string           `json:"messages"`
	Anomalies    int                `json:"anomalies"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	FinishedAt   *time.Time         `json:"finished_at"`
}

// Stats worker 计数
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Resolved      int64 `json:"resolved"`
	Filled        int64 `json:"filled"`
	Rejected      int64 `json:"rejected"`
	TimedOut      int64 `json:"timed_out"`
	Indeterminate int64 `json:"indeterminate"`
	Anomalies     int64 `json:"anomalies"`
	LateEvents    int64 `json:"late_events"`
	Reconnects    int64 `json:"reconnects"`
	InFlight      int   `json:"in_flight"`
}

// Transition 状态变化诊断事件
type Transition struct {
	Time    time.Time          `json:"time"`
	OrderID int64              `json:"order_id"`
	From    domain.OrderStatus `json:"from"`
	To      domain.OrderStatus `json:"to"`
	Message string             `json:"message"`
	Code    int                `json:"code"`
	Kind    string             `json:"kind"`
}

// Records 订单记录（新的在前）和 worker 计数
func (c *Client) Records(ctx context.Context) ([]Record, *Stats, error) {
	var out struct {
		Records []Record `json:"records"`
		Stats   *Stats   `json:"stats"`
	}
	resp, err := c.newRequest(ctx).SetResult(&out).Get("/api/records")
	if err := checkResponse(resp, err, "get records"); err != nil {
		return nil, nil, err
	}
	return out.Records, out.Stats, nil
}

// Record 单笔订单记录及其状态变化
func (c *Client) Record(ctx context.Context, orderID int64) (*Record, []Transition, error) {
	var out struct {
		Record      Record       `json:"record"`
		Transitions []Transition `json:"transitions"`
	}
	resp, err := c.newRequest(ctx).
		SetResult(&out).
		SetPathParam("id", strconv.FormatInt(orderID, 10)).
		Get("/api/records/{id}")
	if err := checkResponse(resp, err, "get record"); err != nil {
		return nil, nil, err
	}
	return &out.Record, out.Transitions, nil
}

// Transitions 最近的状态变化（旧的在前）
func (c *Client) Transitions(ctx context.Context, limit int) ([]Transition, error) {
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	r := c.newRequest(ctx).SetResult(&out)
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := r.Get("/api/transitions")
	if err := checkResponse(resp, err, "get transitions"); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// ---- profile ----

// Preset 预置 profile
type Preset struct {
	domain.ConnectionProfile
	Label       string `json:"label"`
	SafetyLabel string `json:"safety_label"`
}

// ProfileInfo /api/profile
type ProfileInfo struct {
	Profile     domain.ConnectionProfile `json:"profile"`
	Label       string                   `json:"label"`
	SafetyLabel string                   `json:"safety_label"`
	Switching   bool                     `json:"switching"`
	Presets     []Preset                 `json:"presets"`
}

func (c *Client) Profile(ctx context.Context) (*ProfileInfo, error) {
	var out ProfileInfo
	resp, err := c.newRequest(ctx).SetResult(&out).Get("/api/profile")
	if err := checkResponse(resp, err, "get profile"); err != nil {
		return nil, err
	}
	return &out, nil
}

// SwitchRequest 切换 profile；真实资金必须 ConfirmLive
type SwitchRequest struct {
	Venue       domain.Venue     `json:"venue"`
	Money       domain.MoneyKind `json:"money"`
	Host        string           `json:"host,omitempty"`
	Port        int              `json:"port,omitempty"`
	ClientID    int              `json:"client_id,omitempty"`
	ConfirmLive bool             `json:"confirm_live"`
}

func (c *Client) SwitchProfile(ctx context.Context, req SwitchRequest) (*ProfileInfo, error) {
	var out ProfileInfo
	resp, err := c.newRequest(ctx).SetBody(req).SetResult(&out).Post("/api/profile")
	if err := checkResponse(resp, err, "switch profile"); err != nil {
		return nil, err
	}
	return &out, nil
}

// TradingState 下单断路器状态
type TradingState struct {
	Halted              bool      `json:"halted"`
	Reason              string    `json:"reason"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	MaxFailures         int64     `json:"max_consecutive_failures"`
	HaltedAt            time.Time `json:"halted_at"`
}

func (c *Client) Trading(ctx context.Context) (*TradingState, error) {
	var out TradingState
	resp, err := c.newRequest(ctx).SetResult(&out).Get("/api/trading")
	if err := checkResponse(resp, err, "get trading state"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Halt(ctx context.Context, reason string) (*TradingState, error) {
	var out TradingState
	resp, err := c.newRequest(ctx).SetBody(map[string]string{"reason": reason}).SetResult(&out).Post("/api/trading/halt")
	if err := checkResponse(resp, err, "halt trading"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Resume(ctx context.Context) (*TradingState, error) {
	var out TradingState
	resp, err := c.newRequest(ctx).SetResult(&out).Post("/api/trading/resume")
	if err := checkResponse(resp, err, "resume trading"); err != nil {
		return nil, err
	}
	return &out, nil
}
