package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/pkg/client"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	liveBannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("1")).
			Padding(0, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// API order-monitor 用到的客户端方法
type API interface {
	Status(ctx context.Context) (*client.Status, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	Orders(ctx context.Context, limit int) ([]client.OrderRow, error)
	Transitions(ctx context.Context, limit int) ([]client.Transition, error)
}

// alertKinds 需要人工关注的诊断事件
var alertKinds = map[string]bool{
	"anomaly":    true,
	"late":       true,
	"timeout":    true,
	"disconnect": true,
	"orphan":     true,
}

type tickMsg time.Time

// snapshotMsg 一次轮询的结果；单项失败不影响其他项
type snapshotMsg struct {
	status      *client.Status
	positions   []domain.Position
	orders      []client.OrderRow
	transitions []client.Transition
	errs        []string
	at          time.Time
}

// model 是应用程序的状态
type model struct {
	api      API
	interval time.Duration

	status      *client.Status
	positions   []domain.Position
	orders      []client.OrderRow
	transitions []client.Transition
	errs        []string
	updatedAt   time.Time
	loading     bool
}

func initialModel(api API, interval time.Duration) model {
	return model{api: api, interval: interval, loading: true}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.api), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, fetchCmd(m.api)
		}

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.api), tickCmd(m.interval))

	case snapshotMsg:
		m.loading = false
		m.errs = msg.errs
		m.updatedAt = msg.at
		// 查询失败时保留上一次的数据
		if msg.status != nil {
			m.status = msg.status
		}
		if msg.positions != nil {
			m.positions = msg.positions
		}
		if msg.orders != nil {
			m.orders = msg.orders
		}
		if msg.transitions != nil {
			m.transitions = msg.transitions
		}
	}
	return m, nil
}

func (m model) View() string {
	var s strings.Builder

	if m.status != nil && m.status.SafetyLabel != "" {
		s.WriteString(liveBannerStyle.Render("⚠ " + m.status.SafetyLabel + " ⚠"))
		s.WriteString("\n\n")
	}

	s.WriteString(headerStyle.Render(m.headerLine()))
	s.WriteString("\n\n")
	if m.status != nil && m.status.Trading.Halted {
		s.WriteString(downStyle.Render("🛑 下单已暂停: " + m.status.Trading.Reason))
		s.WriteString("\n\n")
	}

	if m.status == nil {
		if m.loading {
			s.WriteString("正在连接...\n\n")
		}
	} else {
		left := borderStyle.Render(renderAccount(m.status) + "\n\n" + renderPositions(m.positions))
		right := borderStyle.Render(renderOrders(m.orders))
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right))
		s.WriteString("\n")
		s.WriteString(borderStyle.Render(renderTransitions(m.transitions)))
		s.WriteString("\n")
	}

	for _, e := range m.errs {
		s.WriteString(downStyle.Render("✗ " + e))
		s.WriteString("\n")
	}
	s.WriteString(dimStyle.Render("按 r 刷新，q 退出"))
	return s.String()
}

func (m model) headerLine() string {
	profile := "?"
	conn := "未连接"
	if st := m.status; st != nil {
		profile = st.ProfileLabel
		switch {
		case st.Switching:
			conn = "切换中"
		case st.Worker != nil && st.Worker.Reconnecting:
			conn = fmt.Sprintf("重连中 (#%d)", st.Worker.Attempts)
		case st.Connected:
			conn = "已连接"
		}
	}
	updated := "-"
	if !m.updatedAt.IsZero() {
		updated = m.updatedAt.Format("15:04:05")
	}
	return fmt.Sprintf("%s | %s | 更新: %s", profile, conn, updated)
}

func renderAccount(st *client.Status) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("账户 " + st.AccountID))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Net Liq       %s\n", st.Balance)
	fmt.Fprintf(&b, "Buying Power  %s\n", st.BuyingPower)
	fmt.Fprintf(&b, "Cash          %s", st.CashBalance)
	return b.String()
}

func renderPositions(pos []domain.Position) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("持仓"))
	if len(pos) == 0 {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("(无)"))
		return b.String()
	}
	for _, p := range pos {
		pnl := p.UnrealizedPnL.StringFixed(2) + " (" + p.UnrealizedPnLPct.StringFixed(2) + "%)"
		style := upStyle
		if p.UnrealizedPnL.IsNegative() {
			style = downStyle
		}
		fmt.Fprintf(&b, "\n%-6s %6s @ %8s  ", p.Symbol, p.Quantity.String(), p.MarketPrice.StringFixed(2))
		b.WriteString(style.Render(pnl))
	}
	return b.String()
}

func renderOrders(rows []client.OrderRow) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("最近订单"))
	if len(rows) == 0 {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("(无)"))
		return b.String()
	}
	for _, o := range rows {
		fmt.Fprintf(&b, "\n#%-5d %-4s %-6s x%-4d %-13s %s", o.OrderID, o.Action, o.Symbol, o.Quantity, o.Status, o.Price)
	}
	return b.String()
}

func renderTransitions(trs []client.Transition) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("状态变化"))
	if len(trs) == 0 {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("(无)"))
		return b.String()
	}
	for _, t := range trs {
		line := fmt.Sprintf("%s #%-5d %s → %s", t.Time.Format("15:04:05"), t.OrderID, t.From, t.To)
		if t.Message != "" {
			line += "  " + t.Message
		}
		if alertKinds[t.Kind] {
			line = downStyle.Render(line + " [" + t.Kind + "]")
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(api API) tea.Cmd {
	return func() tea.Msg {
		return fetchSnapshot(api)
	}
}

func fetchSnapshot(api API) snapshotMsg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := snapshotMsg{at: time.Now()}
	var err error
	if msg.status, err = api.Status(ctx); err != nil {
		msg.errs = append(msg.errs, "status: "+err.Error())
	}
	if msg.positions, err = api.Positions(ctx); err != nil {
		msg.errs = append(msg.errs, "positions: "+err.Error())
	}
	if msg.orders, err = api.Orders(ctx, 10); err != nil {
		msg.errs = append(msg.errs, "orders: "+err.Error())
	}
	if msg.transitions, err = api.Transitions(ctx, 12); err != nil {
		msg.errs = append(msg.errs, "transitions: "+err.Error())
	}
	return msg
}
