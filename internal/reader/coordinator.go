package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/metrics"
	"github.com/MarekRumisek/ib-trading-platform/pkg/sigchan"
)

var log = logrus.WithField("component", "read_coordinator")

const metricsRole = "reader"

// DefaultRecentOrders GetRecentOrders 的默认条数
const DefaultRecentOrders = 10

// Querier 只读 session：只能查询，不能下单
type Querier interface {
	Accounts() []string
	Query(ctx context.Context, kind gateway.QueryKind, limit int) (json.RawMessage, error)
	Connected() bool
	Close() error
}

// OpenFunc 打开一个只读 session
type OpenFunc func(ctx context.Context, p domain.ConnectionProfile) (Querier, error)

// FromOpener 把 gateway.Opener 适配成只读 OpenFunc
func FromOpener(o gateway.Opener) OpenFunc {
	return func(ctx context.Context, p domain.ConnectionProfile) (Querier, error) {
		conn, err := o.Open(ctx, p)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config reader 配置
type Config struct {
	Profile         domain.ConnectionProfile
	RefreshInterval time.Duration
	QueryTimeout    time.Duration
	RecentOrders    int
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.RecentOrders <= 0 {
		c.RecentOrders = DefaultRecentOrders
	}
	return c
}

// Snapshot 最近一次后台刷新的结果
type Snapshot struct {
	Account   *domain.AccountInfo    `json:"account,omitempty"`
	Positions []domain.Position      `json:"positions"`
	Orders    []domain.OrderSnapshot `json:"orders"`
	UpdatedAt time.Time              `json:"updated_at"`
	Error     string                 `json:"error,omitempty"`
}

// Coordinator 只读查询协调器
//
// 持有独立 client-id 的 session，常驻；失败后下一次查询时惰性重建。
// 同一时刻只有一个查询在这个 session 上执行。
// 查询失败直接返回错误，不会借用 worker 的 session 重试。
type Coordinator struct {
	cfg  Config
	open OpenFunc
	now  func() time.Time

	mu     sync.Mutex
	q      Querier
	closed bool

	refresh *sigchan.Chan

	snapMu sync.RWMutex
	snap   Snapshot
}

// New 创建 reader；不会立即连接
func New(cfg Config, open OpenFunc) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		open:    open,
		now:     time.Now,
		refresh: sigchan.New(1),
	}
}

// Profile reader 使用的连接配置
func (c *Coordinator) Profile() domain.ConnectionProfile {
	return c.cfg.Profile
}

// Connect 预热 session；client-id 冲突等配置错误原样返回
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.sessionLocked(ctx)
	return err
}

// Healthy session 当前是否可用
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q != nil && c.q.Connected()
}

// GetAccountInfo 账户摘要（只取 USD 值）
func (c *Coordinator) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	var data gateway.AccountSummaryData
	if err := c.query(ctx, gateway.QueryAccountSummary, 0, &data); err != nil {
		return domain.AccountInfo{}, err
	}
	if data.AccountID == "" {
		if accts := c.accounts(); len(accts) > 0 {
			data.AccountID = accts[0]
		}
	}
	return domain.NewAccountInfo(data.AccountID, data.Values, c.now()), nil
}

// GetPositions 当前持仓，带未实现盈亏
func (c *Coordinator) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var rows []gateway.PositionData
	if err := c.query(ctx, gateway.QueryPositions, 0, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(rows))
	for _, r := range rows {
		if r.Position.IsZero() {
			continue
		}
		out = append(out, domain.NewPosition(r.Symbol, r.Position, r.AvgCost, r.MarketPrice))
	}
	return out, nil
}

// GetRecentOrders 最近的订单（最新的在前）；limit<=0 时取默认条数
func (c *Coordinator) GetRecentOrders(ctx context.Context, limit int) ([]domain.OrderSnapshot, error) {
	if limit <= 0 {
		limit = c.cfg.RecentOrders
	}
	var orders []domain.OrderSnapshot
	if err := c.query(ctx, gateway.QueryOrders, limit, &orders); err != nil {
		return nil, err
	}
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// RequestRefresh 让后台循环尽快刷新一次（非阻塞）
func (c *Coordinator) RequestRefresh() {
	c.refresh.Emit()
}

// Snapshot 最近一次后台刷新的结果
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s := c.snap
	s.Positions = append([]domain.Position(nil), c.snap.Positions...)
	s.Orders = append([]domain.OrderSnapshot(nil), c.snap.Orders...)
	return s
}

// Run 周期刷新快照，直到 ctx 结束
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		case <-c.refresh.C():
			c.Refresh(ctx)
		}
	}
}

// Refresh 立即刷新一次快照
func (c *Coordinator) Refresh(ctx context.Context) {
	metrics.ReaderRefreshes.Add(1)
	var (
		snap Snapshot
		errs []error
	)
	if acct, err := c.GetAccountInfo(ctx); err != nil {
		errs = append(errs, err)
	} else {
		snap.Account = &acct
	}
	if pos, err := c.GetPositions(ctx); err != nil {
		errs = append(errs, err)
	} else {
		snap.Positions = pos
	}
	if orders, err := c.GetRecentOrders(ctx, 0); err != nil {
		errs = append(errs, err)
	} else {
		snap.Orders = orders
	}
	snap.UpdatedAt = c.now()
	if err := errors.Join(errs...); err != nil {
		snap.Error = err.Error()
		log.Warnf("刷新快照失败: %v", err)
	}

	c.snapMu.Lock()
	// 失败的部分保留上一次的值
	if snap.Account == nil {
		snap.Account = c.snap.Account
	}
	if snap.Positions == nil {
		snap.Positions = c.snap.Positions
	}
	if snap.Orders == nil {
		snap.Orders = c.snap.Orders
	}
	c.snap = snap
	c.snapMu.Unlock()
}

// Close 关闭 session；之后的查询返回 ErrNotConnected
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.q == nil {
		return nil
	}
	err := c.q.Close()
	c.q = nil
	metrics.SetConnected(metricsRole, false)
	log.Infof("🛑 reader session 已关闭: %s", c.cfg.Profile.Label())
	return err
}

func (c *Coordinator) accounts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q == nil {
		return nil
	}
	return c.q.Accounts()
}

func (c *Coordinator) query(ctx context.Context, kind gateway.QueryKind, limit int, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.sessionLocked(ctx)
	if err != nil {
		metrics.ReaderQueryErrors.WithLabelValues(string(kind)).Inc()
		return fmt.Errorf("%s: %w", kind, err)
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	raw, err := q.Query(qctx, kind, limit)
	if err != nil {
		metrics.ReaderQueryErrors.WithLabelValues(string(kind)).Inc()
		if !q.Connected() {
			c.dropLocked()
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		metrics.ReaderQueryErrors.WithLabelValues(string(kind)).Inc()
		return fmt.Errorf("%s: decode result: %w", kind, err)
	}
	return nil
}

// sessionLocked 返回可用 session，必要时重建；调用方持有 c.mu
func (c *Coordinator) sessionLocked(ctx context.Context) (Querier, error) {
	if c.closed {
		return nil, domain.ErrNotConnected
	}
	if c.q != nil && c.q.Connected() {
		return c.q, nil
	}
	if c.q != nil {
		c.dropLocked()
	}
	q, err := c.open(ctx, c.cfg.Profile)
	if err != nil {
		log.Warnf("❌ reader session 打开失败: %v", err)
		return nil, err
	}
	c.q = q
	metrics.SetConnected(metricsRole, true)
	log.Infof("✅ reader session 已连接: %s", c.cfg.Profile.Label())
	return q, nil
}

func (c *Coordinator) dropLocked() {
	if c.q == nil {
		return
	}
	_ = c.q.Close()
	c.q = nil
	metrics.SetConnected(metricsRole, false)
	metrics.SessionReconnects.WithLabelValues(metricsRole).Inc()
	log.Warnf("⚠️ reader session 已断开，下次查询时重建")
}
