package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数（MaxRequests=0 时库会当作 1）
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Rolling window 每个 bucket 周期（>0 则启用 rolling window；<=0 用 fixed window）
	BucketPeriod time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值（建议 10~50）
	TripFailureRate         float64 // 失败率阈值（0~1），比如 0.5
	TripMinRequests         uint32  // 失败率计算的最小样本数，比如 20
}

type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule

	// 业务上可预期的错误 (不代表依赖不健康)，不计入熔断失败
	ignore []error
	// 状态变化回调 (上报 metrics)
	onStateChange func(name string, from, to gobreaker.State)
}

type Option func(*Manager)

// WithIgnoredErrors errors.Is 命中的错误不计入熔断失败
func WithIgnoredErrors(errs ...error) Option {
	return func(m *Manager) { m.ignore = append(m.ignore, errs...) }
}

func WithStateChange(fn func(name string, from, to gobreaker.State)) Option {
	return func(m *Manager) { m.onStateChange = fn }
}

func NewManager(defaultRule Rule, perMethod map[string]Rule, opts ...Option) *Manager {

	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	m := &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 64),
		defaultRule: defaultRule,
		rules:       perMethod,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute 在 method 对应的熔断器里执行 fn，熔断打开时直接返回 gobreaker.ErrOpenState
func (m *Manager) Execute(method string, fn func() error) error {
	_, err := m.Get(method).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (m *Manager) Get(method string) *gobreaker.CircuitBreaker[struct{}] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[method]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[method]; cb != nil {
		return cb
	}

	rule, ok := m.rules[method]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         method,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			// 1) 连续失败阈值优先（最直观）
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			// 2) 失败率阈值（适合波动流量）
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},

		// IsSuccessful 决定“哪些错误计入熔断失败”
		IsSuccessful: func(err error) bool {
			return m.isSuccessfulForBreaker(err)
		},
	}
	if m.onStateChange != nil {
		st.OnStateChange = m.onStateChange
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[method] = cb
	return cb
}

func (m *Manager) isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	// 调用方自己取消：不代表下游不健康
	if errors.Is(err, context.Canceled) {
		return true
	}
	for _, e := range m.ignore {
		if errors.Is(err, e) {
			return true
		}
	}
	// 超时/网络/节点报错 -> 计入熔断失败
	return false
}
