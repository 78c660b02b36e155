package syncgroup

import (
	"sync"
)

type syncGroupFunc func()

// SyncGroup 包装 sync.WaitGroup：先 Add 登记函数，Run 时统一启动，WaitAndClear 等待全部退出
//
// runtime 每次重建 worker/reader 都会走一遍 Add → Run → WaitAndClear。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []syncGroupFunc
	running int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个函数，下一次 Run 时启动
func (w *SyncGroup) Add(fn syncGroupFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, fn)
	w.mu.Unlock()
}

// Run 启动所有已登记但未启动的函数
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.pending
	w.pending = nil
	w.running += len(fns)
	// wg.Add 必须在锁内、并且先于 Wait 可能观察到的时刻完成
	w.wg.Add(len(fns))
	w.mu.Unlock()

	for _, fn := range fns {
		go func(doFunc syncGroupFunc) {
			defer func() {
				w.mu.Lock()
				w.running--
				w.mu.Unlock()
				w.wg.Done()
			}()
			doFunc()
		}(fn)
	}
}

// Running 当前仍在运行的函数数量
func (w *SyncGroup) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WaitAndClear 等待所有已启动的函数退出，并丢弃尚未启动的函数
func (w *SyncGroup) WaitAndClear() {
	w.wg.Wait()

	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
}

// Wait 等待所有已启动的函数退出（不清空）
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
