package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/pkg/client"
)

const usage = `orderctl - ibexec HTTP API 命令行

用法: orderctl [-api URL] <命令> [参数]

命令:
  status                         连接与账户概况
  positions                      持仓
  orders [limit]                 最近订单
  place <symbol> <BUY|SELL> [qty]        同步下单（等待结果）
  place-async <symbol> <BUY|SELL> [qty]  异步下单，返回 ticket
  ticket <id> [wait]             查询 ticket（wait 例如 5s）
  records                        本进程提交过的订单记录
  record <order_id>              单笔订单记录及状态变化
  transitions [limit]            最近的状态变化
  profile                        当前 profile 与预置 profile
  switch <TWS|GATEWAY> <PAPER|LIVE> [--confirm-live]  切换 profile
  probe [symbol]                 下一笔 1 股测试单，卡在 PendingSubmit 时给出排查清单
  trading                        下单断路器状态
  halt [reason]                  暂停下单
  resume                         恢复下单并清空失败计数
`

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("orderctl", flag.ContinueOnError)
	fs.SetOutput(out)
	api := fs.String("api", getenv("IBEXEC_API", "http://127.0.0.1:5000"), "ibexec API 地址")
	timeout := fs.Duration("timeout", 45*time.Second, "请求超时（需大于服务端 place_timeout）")
	asJSON := fs.Bool("json", false, "输出原始 JSON")
	fs.Usage = func() { fmt.Fprint(out, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return fmt.Errorf("缺少命令")
	}

	c := client.New(*api).SetTimeout(*timeout)
	p := printer{out: out, json: *asJSON}
	cmd, params := rest[0], rest[1:]

	switch cmd {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return p.status(st)
	case "positions":
		pos, err := c.Positions(ctx)
		if err != nil {
			return err
		}
		return p.positions(pos)
	case "orders":
		rows, err := c.Orders(ctx, intArg(params, 0, 0))
		if err != nil {
			return err
		}
		return p.orders(rows)
	case "place", "place-async", "probe":
		symbol, action, qty, err := orderArgs(cmd, params)
		if err != nil {
			return err
		}
		if cmd == "place-async" {
			t, err := c.PlaceOrderAsync(ctx, symbol, action, qty)
			if err != nil {
				return err
			}
			return p.ticket(t)
		}
		res, err := c.PlaceOrder(ctx, symbol, action, qty)
		if res == nil {
			return err
		}
		if perr := p.placeResult(res); perr != nil {
			return perr
		}
		if cmd == "probe" && stuckPending(res) {
			printChecklist(out)
		}
		return err
	case "ticket":
		if len(params) == 0 {
			return fmt.Errorf("用法: ticket <id> [wait]")
		}
		var wait time.Duration
		if len(params) > 1 {
			d, err := time.ParseDuration(params[1])
			if err != nil {
				return fmt.Errorf("wait 无效: %w", err)
			}
			wait = d
		}
		t, err := c.Ticket(ctx, params[0], wait)
		if err != nil {
			return err
		}
		return p.ticket(t)
	case "records":
		recs, stats, err := c.Records(ctx)
		if err != nil {
			return err
		}
		return p.records(recs, stats)
	case "record":
		id, err := strconv.ParseInt(firstArg(params), 10, 64)
		if err != nil {
			return fmt.Errorf("用法: record <order_id>")
		}
		rec, trs, err := c.Record(ctx, id)
		if err != nil {
			return err
		}
		return p.record(rec, trs)
	case "transitions":
		trs, err := c.Transitions(ctx, intArg(params, 0, 50))
		if err != nil {
			return err
		}
		return p.transitions(trs)
	case "profile":
		info, err := c.Profile(ctx)
		if err != nil {
			return err
		}
		return p.profile(info)
	case "switch":
		req, err := switchArgs(params)
		if err != nil {
			return err
		}
		info, err := c.SwitchProfile(ctx, req)
		if err != nil {
			return err
		}
		return p.profile(info)
	case "trading", "halt", "resume":
		var st *client.TradingState
		var err error
		switch cmd {
		case "halt":
			reason := strings.Join(params, " ")
			if reason == "" {
				reason = "orderctl"
			}
			st, err = c.Halt(ctx, reason)
		case "resume":
			st, err = c.Resume(ctx)
		default:
			st, err = c.Trading(ctx)
		}
		if err != nil {
			return err
		}
		return p.trading(st)
	default:
		fs.Usage()
		return fmt.Errorf("未知命令 %q", cmd)
	}
}

func orderArgs(cmd string, params []string) (string, string, int64, error) {
	if cmd == "probe" {
		symbol := "AAPL"
		if len(params) > 0 {
			symbol = params[0]
		}
		return strings.ToUpper(symbol), "BUY", 1, nil
	}
	if len(params) < 2 {
		return "", "", 0, fmt.Errorf("用法: %s <symbol> <BUY|SELL> [qty]", cmd)
	}
	qty := int64(1)
	if len(params) > 2 {
		q, err := strconv.ParseInt(params[2], 10, 64)
		if err != nil {
			return "", "", 0, fmt.Errorf("数量无效: %w", err)
		}
		qty = q
	}
	return params[0], params[1], qty, nil
}

func switchArgs(params []string) (client.SwitchRequest, error) {
	var req client.SwitchRequest
	var pos []string
	for _, a := range params {
		if a == "--confirm-live" || a == "-confirm-live" {
			req.ConfirmLive = true
			continue
		}
		pos = append(pos, a)
	}
	if len(pos) < 2 {
		return req, fmt.Errorf("用法: switch <TWS|GATEWAY> <PAPER|LIVE> [client_id] [--confirm-live]")
	}
	req.Venue = domain.Venue(strings.ToUpper(pos[0]))
	req.Money = domain.MoneyKind(strings.ToUpper(pos[1]))
	if len(pos) > 2 {
		id, err := strconv.Atoi(pos[2])
		if err != nil {
			return req, fmt.Errorf("client_id 无效: %w", err)
		}
		req.ClientID = id
	}
	return req, nil
}

// stuckPending 订单停在 PendingSubmit（包括等待超时时 broker 最后报告的状态）
func stuckPending(res *client.PlaceResult) bool {
	return res.Status == domain.OrderStatusPendingSubmit ||
		(res.Status == domain.OrderStatusTimedOut && res.BrokerStatus == domain.OrderStatusPendingSubmit)
}

func printChecklist(out io.Writer) {
	fmt.Fprintln(out, "\n⚠️  订单卡在 PendingSubmit")
	fmt.Fprintln(out, "\n🔧 排查清单:")
	fmt.Fprintln(out, "   1. TWS/Gateway → File → Global Configuration → API → Settings")
	fmt.Fprintln(out, "   2. ✓ Enable ActiveX and Socket Clients = ON")
	fmt.Fprintln(out, "   3. ✗ Read-Only API = OFF（最常见原因）")
	fmt.Fprintln(out, "   4. 修改设置后重启 TWS/Gateway")
	fmt.Fprintln(out, "   5. 在常规交易时段内测试（15:30-22:00 CET）")
	fmt.Fprintln(out, "   6. 首次使用模拟盘时在 TWS 中确认 paper trading 对话框")
}

func firstArg(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return params[0]
}

func intArg(params []string, i, def int) int {
	if len(params) <= i {
		return def
	}
	n, err := strconv.Atoi(params[i])
	if err != nil {
		return def
	}
	return n
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

type printer struct {
	out  io.Writer
	json bool
}

func (p printer) raw(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) status(st *client.Status) error {
	if p.json {
		return p.raw(st)
	}
	if st.SafetyLabel != "" {
		fmt.Fprintf(p.out, "⚠️  %s\n", st.SafetyLabel)
	}
	fmt.Fprintf(p.out, "profile:      %s\n", st.ProfileLabel)
	fmt.Fprintf(p.out, "connected:    %v (reader %v)\n", st.Connected, st.ReaderHealthy)
	if st.Switching {
		fmt.Fprintln(p.out, "switching:    true")
	}
	fmt.Fprintf(p.out, "account:      %s\n", st.AccountID)
	fmt.Fprintf(p.out, "net liq:      %s\n", st.Balance)
	fmt.Fprintf(p.out, "buying power: %s\n", st.BuyingPower)
	fmt.Fprintf(p.out, "cash:         %s\n", st.CashBalance)
	if st.Trading.Halted {
		fmt.Fprintf(p.out, "trading:      🛑 halted (%s)\n", st.Trading.Reason)
	}
	if w := st.Worker; w != nil {
		fmt.Fprintf(p.out, "worker:       connected=%v reconnecting=%v queue=%d\n", w.Connected, w.Reconnecting, w.QueueDepth)
		if w.LastError != "" {
			fmt.Fprintf(p.out, "last error:   %s\n", w.LastError)
		}
	}
	if st.Error != "" {
		fmt.Fprintf(p.out, "error:        %s\n", st.Error)
	}
	return nil
}

func (p printer) positions(pos []domain.Position) error {
	if p.json {
		return p.raw(pos)
	}
	if len(pos) == 0 {
		fmt.Fprintln(p.out, "(无持仓)")
		return nil
	}
	fmt.Fprintf(p.out, "%-8s %10s %10s %10s %12s %10s\n", "SYMBOL", "QTY", "AVG", "PRICE", "P&L", "P&L%")
	for _, x := range pos {
		fmt.Fprintf(p.out, "%-8s %10s %10s %10s %12s %9s%%\n", x.Symbol, x.Quantity.String(),
			x.AvgCost.StringFixed(2), x.MarketPrice.StringFixed(2), x.UnrealizedPnL.StringFixed(2), x.UnrealizedPnLPct.StringFixed(2))
	}
	return nil
}

func (p printer) orders(rows []client.OrderRow) error {
	if p.json {
		return p.raw(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.out, "(无订单)")
		return nil
	}
	for _, o := range rows {
		fmt.Fprintf(p.out, "#%-6d %-4s %-6s x%-5d %-14s %s\n", o.OrderID, o.Action, o.Symbol, o.Quantity, o.Status, o.Price)
	}
	return nil
}

func (p printer) placeResult(res *client.PlaceResult) error {
	if p.json {
		return p.raw(res)
	}
	icon := "✅"
	if !res.Success {
		icon = "❌"
	}
	fmt.Fprintf(p.out, "%s order #%d %s", icon, res.OrderID, res.Status)
	if res.BrokerStatus != "" && res.BrokerStatus != res.Status {
		fmt.Fprintf(p.out, " (broker: %s)", res.BrokerStatus)
	}
	fmt.Fprintf(p.out, " filled=%d remaining=%d\n", res.Filled, res.Remaining)
	if res.Message != "" {
		fmt.Fprintf(p.out, "   %s\n", res.Message)
	}
	if res.Error != "" {
		fmt.Fprintf(p.out, "   error: %s\n", res.Error)
	}
	return nil
}

func (p printer) ticket(t *client.Ticket) error {
	if p.json {
		return p.raw(t)
	}
	state := "pending"
	if t.Done {
		state = "done"
	}
	fmt.Fprintf(p.out, "ticket %s [%s] %s %s x%d", t.ID, state, t.Action, t.Symbol, t.Quantity)
	if t.OrderID != 0 {
		fmt.Fprintf(p.out, " → #%d %s", t.OrderID, t.Status)
	}
	fmt.Fprintln(p.out)
	if t.Message != "" {
		fmt.Fprintf(p.out, "   %s\n", t.Message)
	}
	if t.Error != "" {
		fmt.Fprintf(p.out, "   error: %s\n", t.Error)
	}
	return nil
}

func (p printer) records(recs []client.Record, stats *client.Stats) error {
	if p.json {
		return p.raw(map[string]any{"records": recs, "stats": stats})
	}
	for _, r := range recs {
		fmt.Fprintf(p.out, "#%-6d %-4s %-6s x%-5d %-12s filled=%d anomalies=%d\n",
			r.OrderID, r.Action, r.Symbol, r.Quantity, r.Status, r.Filled, r.Anomalies)
	}
	if stats != nil {
		fmt.Fprintf(p.out, "submitted=%d filled=%d rejected=%d timed_out=%d indeterminate=%d in_flight=%d\n",
			stats.Submitted, stats.Filled, stats.Rejected, stats.TimedOut, stats.Indeterminate, stats.InFlight)
	}
	return nil
}

func (p printer) record(r *client.Record, trs []client.Transition) error {
	if p.json {
		return p.raw(map[string]any{"record": r, "transitions": trs})
	}
	fmt.Fprintf(p.out, "#%d %s %s x%d → %s", r.OrderID, r.Action, r.Symbol, r.Quantity, r.Status)
	if r.BrokerStatus != "" && r.BrokerStatus != r.Status {
		fmt.Fprintf(p.out, " (broker: %s)", r.BrokerStatus)
	}
	fmt.Fprintln(p.out)
	for _, m := range r.Messages {
		fmt.Fprintf(p.out, "   %s\n", m)
	}
	return p.transitions(trs)
}

func (p printer) transitions(trs []client.Transition) error {
	if p.json {
		return p.raw(trs)
	}
	for _, t := range trs {
		fmt.Fprintf(p.out, "%s #%-6d %-10s %s → %s %s\n", t.Time.Format("15:04:05.000"), t.OrderID, t.Kind, t.From, t.To, t.Message)
	}
	return nil
}

func (p printer) profile(info *client.ProfileInfo) error {
	if p.json {
		return p.raw(info)
	}
	if info.SafetyLabel != "" {
		fmt.Fprintf(p.out, "⚠️  %s\n", info.SafetyLabel)
	}
	fmt.Fprintf(p.out, "current: %s\n", info.Label)
	for _, pr := range info.Presets {
		fmt.Fprintf(p.out, "  - %s\n", pr.Label)
	}
	return nil
}

func (p printer) trading(st *client.TradingState) error {
	if p.json {
		return p.raw(st)
	}
	if st.Halted {
		fmt.Fprintf(p.out, "🛑 下单已暂停: %s (since %s)\n", st.Reason, st.HaltedAt.Format("15:04:05"))
	} else {
		fmt.Fprintln(p.out, "▶️ 下单正常")
	}
	limit := "off"
	if st.MaxFailures > 0 {
		limit = strconv.FormatInt(st.MaxFailures, 10)
	}
	fmt.Fprintf(p.out, "consecutive failures: %d / %s\n", st.ConsecutiveFailures, limit)
	return nil
}
