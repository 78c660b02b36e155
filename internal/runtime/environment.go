package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
	"github.com/MarekRumisek/ib-trading-platform/internal/execution"
	"github.com/MarekRumisek/ib-trading-platform/internal/gateway"
	"github.com/MarekRumisek/ib-trading-platform/internal/metrics"
	"github.com/MarekRumisek/ib-trading-platform/internal/reader"
	"github.com/MarekRumisek/ib-trading-platform/pkg/syncgroup"
)

var log = logrus.WithField("component", "runtime")

var (
	// ErrNotStarted 环境尚未启动或已关闭
	ErrNotStarted = errors.New("runtime not started")
	// ErrSwitching profile 切换进行中，暂不接受新订单
	ErrSwitching = errors.New("connection profile switch in progress")
)

// Settings 创建 worker / reader 的模板；Profile 字段由环境填入
type Settings struct {
	Worker         execution.Config
	Reader         reader.Config
	ReaderClientID int
}

// Environment 进程级运行环境：一个 order worker + 一个 read coordinator
//
// profile 不可变，切换 = 拆掉旧的 worker/reader 再按新 profile 重建。
// 诊断总线跨切换保留，订阅者不需要重新订阅。
type Environment struct {
	settings Settings
	opener   gateway.Opener
	diag     *execution.Diagnostics

	// opMu 串行化 Start / SwitchProfile / Shutdown
	opMu sync.Mutex

	mu        sync.RWMutex
	profile   domain.ConnectionProfile
	worker    *execution.Worker
	reader    *reader.Coordinator
	switching bool
	started   bool

	loopCancel context.CancelFunc
	loops      *syncgroup.SyncGroup

	sinkCancel context.CancelFunc
	sink       *syncgroup.SyncGroup
}

// New 创建环境；Start 之前不连接
func New(settings Settings, opener gateway.Opener) *Environment {
	return &Environment{
		settings: settings,
		opener:   opener,
		diag:     execution.NewDiagnostics(0),
		loops:    syncgroup.NewSyncGroup(),
		sink:     syncgroup.NewSyncGroup(),
	}
}

// ReaderProfile reader 使用的 profile：同一 gateway，不同 client-id
func (e *Environment) ReaderProfile(p domain.ConnectionProfile) domain.ConnectionProfile {
	return p.WithClientID(e.settings.ReaderClientID)
}

// Validate 检查 worker / reader 的 profile 组合
func (e *Environment) Validate(p domain.ConnectionProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ClientID == e.settings.ReaderClientID {
		return domain.NewConnectError(
			fmt.Sprintf("worker and reader share client id %d", p.ClientID),
			domain.ErrClientIDInUse)
	}
	return nil
}

// Start 按 profile 启动 worker 和 reader
func (e *Environment) Start(ctx context.Context, p domain.ConnectionProfile) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.isStarted() {
		return fmt.Errorf("runtime already started")
	}
	if err := e.Validate(p); err != nil {
		return err
	}

	sinkCtx, cancel := context.WithCancel(context.Background())
	e.sinkCancel = cancel
	e.sink.Add(func() { execution.RunLogSink(sinkCtx, e.diag, nil) })
	e.sink.Run()

	if err := e.bringUp(ctx, p); err != nil {
		cancel()
		e.sink.WaitAndClear()
		return err
	}
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

// Profile 当前 profile
func (e *Environment) Profile() domain.ConnectionProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profile
}

// Switching 是否正在切换 profile
func (e *Environment) Switching() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.switching
}

// Diagnostics 诊断总线
func (e *Environment) Diagnostics() *execution.Diagnostics {
	return e.diag
}

// OrderWorker 当前 worker
func (e *Environment) OrderWorker() (*execution.Worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.switching:
		return nil, ErrSwitching
	case e.worker == nil:
		return nil, ErrNotStarted
	}
	return e.worker, nil
}

// Reader 当前 read coordinator
func (e *Environment) Reader() (*reader.Coordinator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.switching:
		return nil, ErrSwitching
	case e.reader == nil:
		return nil, ErrNotStarted
	}
	return e.reader, nil
}

// SwitchProfile 切换到新的 profile
//
// 旧 worker 的在途订单会被放弃（记录警告）。新 profile 起不来时回退到旧 profile。
// 切换期间 OrderWorker / Reader 返回 ErrSwitching。
func (e *Environment) SwitchProfile(ctx context.Context, p domain.ConnectionProfile) error {
	if err := e.Validate(p); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	old := e.profile
	if old == p {
		e.mu.Unlock()
		return nil
	}
	e.switching = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.switching = false
		e.mu.Unlock()
	}()

	log.Infof("🔄 切换 profile: %s → %s", old.Label(), p.Label())
	if label := p.SafetyLabel(); label != "" {
		log.Warnf("🔴 %s: %s", label, p.Label())
	}

	if err := e.tearDown(ctx); err != nil {
		log.Warnf("关闭旧连接时出错: %v", err)
	}
	err := e.bringUp(ctx, p)
	if err == nil {
		metrics.ProfileSwitches.Add(1)
		log.Infof("✅ 已切换到 %s", p.Label())
		return nil
	}

	log.Errorf("❌ 切换到 %s 失败: %v，回退到 %s", p.Label(), err, old.Label())
	if rerr := e.bringUp(ctx, old); rerr != nil {
		log.Errorf("❌ 回退到 %s 也失败: %v", old.Label(), rerr)
		return errors.Join(err, rerr)
	}
	return err
}

// Shutdown 关闭 worker 和 reader
func (e *Environment) Shutdown(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	err := e.tearDown(ctx)
	if e.sinkCancel != nil {
		e.sinkCancel()
	}
	e.sink.WaitAndClear()
	log.Infof("🛑 运行环境已关闭")
	return err
}

func (e *Environment) isStarted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

func (e *Environment) bringUp(ctx context.Context, p domain.ConnectionProfile) error {
	wcfg := e.settings.Worker
	wcfg.Profile = p
	w := execution.NewWorker(wcfg, e.opener, e.diag)
	// worker 的生命周期由 Shutdown 控制，不跟随调用方的 ctx
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start order worker: %w", err)
	}

	rcfg := e.settings.Reader
	rcfg.Profile = e.ReaderProfile(p)
	r := reader.New(rcfg, reader.FromOpener(e.opener))
	if err := r.Connect(ctx); err != nil {
		if gateway.IsFatal(err) {
			_ = w.Shutdown(ctx)
			return fmt.Errorf("start reader: %w", err)
		}
		// reader 不可用不影响下单，下一次查询时重连
		log.Warnf("reader 预热失败: %v", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loops.Add(func() { r.Run(loopCtx) })
	e.loops.Run()

	e.mu.Lock()
	e.profile = p
	e.worker = w
	e.reader = r
	e.loopCancel = cancel
	e.mu.Unlock()
	return nil
}

func (e *Environment) tearDown(ctx context.Context) error {
	e.mu.Lock()
	w, r, cancel := e.worker, e.reader, e.loopCancel
	e.worker, e.reader, e.loopCancel = nil, nil, nil
	e.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	e.loops.WaitAndClear()
	if w != nil {
		if err := w.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop order worker: %w", err))
		}
	}
	if r != nil {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}
