package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/metrics"
	"github.com/MarekRumisek/ib-trading-platform/internal/runtime"
	"github.com/MarekRumisek/ib-trading-platform/internal/services"
)

var log = logrus.WithField("component", "http_api")

// Config HTTP API 配置
type Config struct {
	// PlaceTimeout 同步下单接口最长等待；到期只停止等待，订单照常进行
	PlaceTimeout time.Duration
	// PresetHost 预置 profile 使用的主机
	PresetHost string
}

// Server HTTP API
type Server struct {
	cfg    Config
	env    *runtime.Environment
	orders *services.OrderService
}

// New 创建 API
func New(cfg Config, env *runtime.Environment, orders *services.OrderService) *Server {
	if cfg.PlaceTimeout <= 0 {
		cfg.PlaceTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, env: env, orders: orders}
}

// Router 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/orders", s.handleOrders)

	api.POST("/place_order", s.handlePlaceOrder)
	api.POST("/place_order_async", s.handlePlaceOrderAsync)
	api.GET("/tickets", s.handleTickets)
	api.GET("/tickets/:id", s.handleTicket)

	api.GET("/records", s.handleRecords)
	api.GET("/records/:id", s.handleRecord)
	api.GET("/transitions", s.handleTransitions)
	api.GET("/transitions/stream", s.handleTransitionsStream)

	api.GET("/trading", s.handleTradingGet)
	api.POST("/trading/halt", s.handleTradingHalt)
	api.POST("/trading/resume", s.handleTradingResume)

	api.GET("/profile", s.handleProfileGet)
	api.POST("/profile", s.handleProfileSwitch)

	return r
}

// ListenAndServe 阻塞运行直到 ctx 结束，然后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在已有 listener 上运行
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		log.Infof("🌐 HTTP API 监听 %s", ln.Addr())
		errC <- srv.Serve(ln)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP API 关闭超时: %v", err)
		_ = srv.Close()
	}
	log.Infof("🛑 HTTP API 已停止")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"took":   time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	}
}
