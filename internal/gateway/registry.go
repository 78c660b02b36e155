package gateway

import (
	"fmt"
	"sync"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// Registry 进程内 client-id 占用表：同一个 gateway 上同一个 client-id 只能有一个打开的 session
type Registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// DefaultRegistry 进程级共享表
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{held: make(map[string]struct{})}
}

func registryKey(p domain.ConnectionProfile) string {
	return fmt.Sprintf("%s#%d", p.GatewayKey(), p.ClientID)
}

// Acquire 占用 profile 的 client-id；返回的 release 幂等
func (r *Registry) Acquire(p domain.ConnectionProfile) (release func(), err error) {
	key := registryKey(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[key]; ok {
		return nil, fmt.Errorf("client id %d on %s: %w", p.ClientID, p.GatewayKey(), domain.ErrClientIDInUse)
	}
	r.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}, nil
}

// InUse profile 的 client-id 是否已被占用
func (r *Registry) InUse(p domain.ConnectionProfile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[registryKey(p)]
	return ok
}

// Len 当前占用数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
