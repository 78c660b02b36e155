package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/execution"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/httpapi"
	"github.com/MarekRumisek/ib-trading-platform/internal/metrics"
	"github.com/MarekRumisek/ib-trading-platform/internal/reader"
	"github.com/MarekRumisek/ib-trading-platform/internal/runtime"
	"github.com/MarekRumisek/ib-trading-platform/internal/services"
	"github.com/MarekRumisek/ib-trading-platform/pkg/config"
	"github.com/MarekRumisek/ib-trading-platform/pkg/logger"
	"github.com/MarekRumisek/ib-trading-platform/pkg/secretstore"
	"github.com/MarekRumisek/ib-trading-platform/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envPath := flag.String("env", ".env", ".env 文件路径（不存在时忽略）")
	metricsListen := flag.String("metrics-listen", "", "调试服务监听地址（/metrics、/debug/pprof），为空不启动")
	flag.Parse()

	// .env 只是便利：不存在时直接用真实环境变量
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, OutputFile: cfg.Log.File, Compress: true}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	profile, _ := cfg.Profile()
	logrus.Infof("🔌 连接配置: %s (reader client %d)", profile.Label(), cfg.Gateway.ReaderClientID)
	if label := profile.SafetyLabel(); label != "" {
		logrus.Warnf("⚠️⚠️⚠️ %s ⚠️⚠️⚠️", label)
	}

	token, err := loadToken(cfg)
	if err != nil {
		logrus.Errorf("读取 gateway token 失败: %v", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	opts := gateway.DefaultOptions()
	opts.Path = cfg.Gateway.Path
	opts.Token = token
	opts.AckTimeout = cfg.Gateway.AckTimeout
	opts.WriteRate = cfg.Gateway.WriteRate
	opts.OutsideRTH = cfg.Gateway.OutsideRTH
	opts.Transmit = cfg.Gateway.Transmit
	dialer := gateway.NewDialer(opts, gateway.NewRegistry())

	wcfg := execution.DefaultConfig(profile)
	wcfg.SettleDelay = cfg.Orders.SettleDelay
	wcfg.MaxWait = cfg.Orders.MaxWait
	wcfg.QueueSize = cfg.Orders.QueueSize
	wcfg.Debug = cfg.Orders.Debug

	env := runtime.New(runtime.Settings{
		Worker: wcfg,
		Reader: reader.Config{
			RefreshInterval: cfg.Reader.RefreshInterval,
			QueryTimeout:    cfg.Reader.QueryTimeout,
			RecentOrders:    cfg.Reader.RecentOrders,
		},
		ReaderClientID: cfg.Gateway.ReaderClientID,
	}, dialer)

	startCtx, startCancel := context.WithTimeout(rootCtx, 30*time.Second)
	err = env.Start(startCtx, profile)
	startCancel()
	if err != nil {
		logrus.Errorf("❌ 启动失败: %v", err)
		os.Exit(1)
	}

	shutdownMgr := shutdown.NewManager()
	shutdownMgr.OnShutdown("runtime", env.Shutdown)

	if *metricsListen != "" {
		addr, err := metrics.StartDebugServer(rootCtx, *metricsListen)
		if err != nil {
			logrus.Warnf("调试服务启动失败: %v", err)
		} else {
			logrus.Infof("📊 调试服务: http://%s/metrics", addr)
		}
	}

	orders := services.NewOrderService(env, services.Options{
		DedupeWindow:           cfg.Orders.DedupeWindow,
		MaxConsecutiveFailures: cfg.Orders.MaxConsecutiveFailures,
	})
	api := httpapi.New(httpapi.Config{PlaceTimeout: cfg.HTTP.PlaceTimeout, PresetHost: cfg.Gateway.Host}, env, orders)

	httpCtx, httpCancel := context.WithCancel(rootCtx)
	httpDone := make(chan error, 1)
	go func() { httpDone <- api.ListenAndServe(httpCtx, cfg.HTTP.Listen) }()
	shutdownMgr.OnShutdown("http api", func(ctx context.Context) error {
		httpCancel()
		select {
		case err := <-httpDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	logrus.Info("✅ ibexec 已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := logger.Rotate(); err != nil {
					logrus.Warnf("日志切换失败: %v", err)
				}
				continue
			}
			logrus.Infof("收到 %s，正在关闭...", sig)
			break wait
		case err := <-httpDone:
			// HTTP API 意外退出（例如端口被占用）
			logrus.Errorf("HTTP API 退出: %v", err)
			httpDone <- err
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := shutdownMgr.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("关闭过程出现错误: %v", err)
	}
	rootCancel()
	_ = logger.Close()
}

// loadToken secretstore 优先，环境变量 IB_TOKEN 兜底
func loadToken(cfg *config.Config) (string, error) {
	raw := os.Getenv(cfg.SecretStore.KeyEnv)
	if raw == "" {
		return cfg.Gateway.Token, nil
	}
	key, err := secretstore.ParseKey(raw)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(cfg.SecretStore.Path); errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("secret store %s 不存在，使用环境变量中的 token", cfg.SecretStore.Path)
		return cfg.Gateway.Token, nil
	}
	store, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.SecretStore.Path, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return "", err
	}
	defer store.Close()
	token, err := store.GatewayToken()
	if err != nil {
		return "", err
	}
	if token == "" {
		return cfg.Gateway.Token, nil
	}
	return token, nil
}
