package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// AddressSnapshot 某一时刻的充值地址集合，创建后不再修改
type AddressSnapshot struct {
	byAddr map[string]domain.UserAddress
	addrs  []common.Address // 按地址排序，分批查询时顺序稳定
}

var emptySnapshot = &AddressSnapshot{byAddr: map[string]domain.UserAddress{}}

func (s *AddressSnapshot) Len() int {
	return len(s.byAddr)
}

// Lookup 地址大小写不敏感
func (s *AddressSnapshot) Lookup(address string) (domain.UserAddress, bool) {
	ua, ok := s.byAddr[strings.ToLower(address)]
	return ua, ok
}

// Addresses 调用方不要修改返回的切片
func (s *AddressSnapshot) Addresses() []common.Address {
	return s.addrs
}

// Registry 正在监控的充值地址
// 读：无锁拿快照；写：加锁后 copy-on-write 换指针。只增不删，已有条目不覆盖
type Registry struct {
	store domain.UserStore
	mu    sync.Mutex
	snap  atomic.Pointer[AddressSnapshot]
}

func NewRegistry(store domain.UserStore) *Registry {
	r := &Registry{store: store}
	r.snap.Store(emptySnapshot)
	return r
}

// Refresh 从用户库重新加载地址，只合并新增的
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.store.ListDepositAddresses(ctx)
	if err != nil {
		return err
	}
	added := r.merge(list...)
	if added > 0 {
		logger.Info(ctx, "📇 registry refreshed", zap.Int("added", added), zap.Int("total", r.Len()))
	}
	return nil
}

// RegisterImmediately 新地址派生后马上加入，不等下一次刷新
func (r *Registry) RegisterImmediately(addr domain.UserAddress) {
	r.merge(addr)
}

func (r *Registry) Snapshot() *AddressSnapshot {
	return r.snap.Load()
}

func (r *Registry) Len() int {
	return r.Snapshot().Len()
}

func (r *Registry) merge(list ...domain.UserAddress) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	var next map[string]domain.UserAddress
	added := 0
	for _, ua := range list {
		key := strings.ToLower(ua.Address)
		if key == "" {
			continue
		}
		if _, exists := old.byAddr[key]; exists {
			continue
		}
		if _, exists := next[key]; exists {
			continue
		}
		if next == nil {
			next = make(map[string]domain.UserAddress, len(old.byAddr)+len(list))
			for k, v := range old.byAddr {
				next[k] = v
			}
		}
		ua.Address = key
		next[key] = ua
		added++
	}
	if added == 0 {
		return 0
	}

	addrs := make([]common.Address, 0, len(next))
	for k := range next {
		addrs = append(addrs, common.HexToAddress(k))
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	r.snap.Store(&AddressSnapshot{byAddr: next, addrs: addrs})
	metrics.WatchedAddresses.Set(float64(len(next)))
	return added
}
