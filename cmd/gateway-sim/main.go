package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway/gatewaysim"
	"github.com/MarekRumisek/ib-trading-platform/pkg/logger"
)

// gateway-sim 本地运行的 gateway bridge 模拟器，用于不连真实 TWS 的演示和联调
func main() {
	_ = godotenv.Load()

	var (
		listen    = flag.String("listen", "127.0.0.1:4002", "listen address（默认与 IB Gateway 模拟盘端口相同）")
		path      = flag.String("path", "/v1/session", "websocket path")
		token     = flag.String("token", os.Getenv("IB_TOKEN"), "要求客户端携带的 token（为空不校验）")
		scenario  = flag.String("scenario", "fill", "默认剧本：fill | afterhours | silent")
		delay     = flag.Duration("delay", 500*time.Millisecond, "剧本中每一步的间隔")
		price     = flag.Float64("price", 187.25, "fill 剧本的成交价")
		rejectSym = flag.String("reject", "XXXX", "这些 symbol（逗号分隔）按拒单剧本处理")
		level     = flag.String("log-level", "info", "日志级别")
	)
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *level}); err != nil {
		panic(err)
	}

	var fallback gatewaysim.Scenario
	switch *scenario {
	case "fill":
		fallback = gatewaysim.FillScenario(*delay, *price)
	case "afterhours":
		fallback = gatewaysim.AfterHoursScenario(*delay * 4)
	case "silent":
		fallback = gatewaysim.SilentScenario()
	default:
		logrus.Errorf("未知剧本 %q", *scenario)
		os.Exit(2)
	}
	rejects := map[string]gatewaysim.Scenario{}
	for _, sym := range strings.Split(*rejectSym, ",") {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			rejects[sym] = gatewaysim.RejectScenario(*delay, "No security definition has been found for the request")
		}
	}

	sim := gatewaysim.New()
	sim.SetToken(*token)
	sim.OnOrder(gatewaysim.BySymbol(rejects, fallback))
	sim.SetPositions([]gateway.PositionData{
		{Symbol: "AAPL", Position: decimal.NewFromInt(10), AvgCost: decimal.RequireFromString("150.00"), MarketPrice: decimal.RequireFromString("187.25")},
		{Symbol: "MSFT", Position: decimal.NewFromInt(5), AvgCost: decimal.RequireFromString("410.50"), MarketPrice: decimal.RequireFromString("402.10")},
	})

	srv := &http.Server{
		Addr:              *listen,
		Handler:           sim.Mux(*path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logrus.Infof("🧪 gateway 模拟器监听 ws://%s%s（剧本 %s）", *listen, *path, *scenario)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("模拟器退出: %v", err)
			os.Exit(1)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sim.DropConnections()
	_ = srv.Shutdown(ctx)
	logrus.Info("模拟器已停止")
}
