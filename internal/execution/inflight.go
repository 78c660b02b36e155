package execution

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// ErrDuplicateInFlight 同一笔订单（symbol/side/qty）在窗口内重复提交
// 用于挡住界面上的连击；窗口过后同样的请求可以再次提交。
var ErrDuplicateInFlight = fmt.Errorf("duplicate order within dedupe window")

// InFlightDeduper 短时间窗口内的确定性去重
//
// 分片 map + TTL，惰性清理。误判代价高（会吞掉真实下单），所以不用概率结构。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
	now    func() time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper window<=0 返回 nil（nil 去重器不拦截任何请求）
func NewInFlightDeduper(window time.Duration, shardCount int) *InFlightDeduper {
	if window <= 0 {
		return nil
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: window, shards: shards, now: time.Now}
}

// OrderKey 去重 key
func OrderKey(req domain.OrderRequest) string {
	return fmt.Sprintf("%s|%s|%d|%s", req.Symbol, req.Side, req.Quantity, req.Kind)
}

// TryAcquire 成功返回 nil；窗口内已有同 key 返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return fmt.Errorf("%w: %s (retry after %v)", ErrDuplicateInFlight, key, exp.Sub(now).Round(time.Millisecond))
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放（订单根本没有发出去时调用）
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Window 去重窗口；nil 为 0
func (d *InFlightDeduper) Window() time.Duration {
	if d == nil {
		return 0
	}
	return d.ttl
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}
