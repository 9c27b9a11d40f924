package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"fluxt.com/apps/deposit/internal/app/orchestrator"
	"fluxt.com/apps/deposit/internal/app/scanner"
	"fluxt.com/apps/deposit/internal/core/service"
	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/safe"
	"fluxt.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	ScanInterval         time.Duration
	RefreshInterval      time.Duration
	RetryInterval        time.Duration
	ManualLookbackBlocks uint64 // 手动检查时往回补扫多少块
	Token                common.Address
}

// Status 运行状态快照
type Status struct {
	Monitoring       bool   `json:"monitoring"`
	AddressCount     int    `json:"address_count"`
	LastScannedBlock uint64 `json:"last_scanned_block"`
	CurrentBlock     uint64 `json:"current_block"`
	PendingDeposits  int64  `json:"pending_deposits"`
	FailedDeposits   int64  `json:"failed_deposits"`
}

// CheckResult 手动检查的结果
type CheckResult struct {
	OwnerID   string `json:"owner_id"`
	Address   string `json:"address"`
	Replayed  int    `json:"replayed"`
	Balance   string `json:"balance"`
	Rescanned bool   `json:"rescanned"`
	Detected  int    `json:"detected"`
}

// Monitor 持有全部监控状态：注册表刷新、扫块、重试三个定时循环
type Monitor struct {
	cfg      Config
	registry *service.Registry
	scanner  *scanner.Engine
	orch     *orchestrator.Orchestrator
	deposits domain.DepositRepo
	users    domain.UserStore
	chain    domain.ChainClient

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	checks  singleflight.Group
}

func New(cfg Config, registry *service.Registry, engine *scanner.Engine, orch *orchestrator.Orchestrator,
	deposits domain.DepositRepo, users domain.UserStore, chain domain.ChainClient) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 12 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	if cfg.ManualLookbackBlocks == 0 {
		cfg.ManualLookbackBlocks = 5000
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		scanner:  engine,
		orch:     orch,
		deposits: deposits,
		users:    users,
		chain:    chain,
	}
}

// Start 启动三个循环，已经在跑直接返回
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Load() {
		return nil
	}

	// 第一次加载失败不阻止启动，下一次刷新再试
	if err := m.registry.Refresh(ctx); err != nil {
		logger.Error(ctx, "initial registry refresh failed", zap.Error(err))
	}
	if m.registry.Len() == 0 {
		logger.Warn(ctx, "没有需要监控的充值地址，继续扫块等待新地址注册")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running.Store(true)

	m.every(loopCtx, "registry_refresh", m.cfg.RefreshInterval, func(ctx context.Context) error {
		return m.registry.Refresh(ctx)
	})
	m.every(loopCtx, "scan", m.cfg.ScanInterval, func(ctx context.Context) error {
		_, err := m.scanner.Tick(ctx)
		if errors.Is(err, scanner.ErrTickInProgress) {
			return nil
		}
		return err
	})
	m.every(loopCtx, "retry", m.cfg.RetryInterval, func(ctx context.Context) error {
		_, err := m.orch.RetryPending(ctx)
		return err
	})

	logger.Info(ctx, "🚀 deposit monitor started",
		zap.Int("addresses", m.registry.Len()),
		zap.Duration("scan_interval", m.cfg.ScanInterval),
		zap.Duration("refresh_interval", m.cfg.RefreshInterval),
		zap.Duration("retry_interval", m.cfg.RetryInterval))
	return nil
}

// Stop 不再触发新的循环，等正在跑的归集/入账做完
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running.Load() {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running.Store(false)
	logger.Info(context.Background(), "🛑 deposit monitor stopped")
}

func (m *Monitor) Running() bool {
	return m.running.Load()
}

// RegisterAddress 新地址立即加入监控，不等下一次刷新
func (m *Monitor) RegisterAddress(addr domain.UserAddress) {
	m.registry.RegisterImmediately(addr)
}

// Status 并发查链高度和各状态记录数
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	st := Status{
		Monitoring:       m.running.Load(),
		AddressCount:     m.registry.Len(),
		LastScannedBlock: m.scanner.LastScannedBlock(),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := m.chain.BlockNumber(gctx)
		st.CurrentBlock = h
		return err
	})
	g.Go(func() error {
		n, err := m.deposits.CountByStatus(gctx, domain.PendingStatuses...)
		st.PendingDeposits = n
		return err
	})
	g.Go(func() error {
		n, err := m.deposits.CountByStatus(gctx, domain.DepositStatusFailed)
		st.FailedDeposits = n
		return err
	})
	if err := g.Wait(); err != nil {
		return st, err
	}
	return st, nil
}

// CheckDeposit 用户点"我已充值"：重放失败记录，地址上还有余额就补扫最近的块
// 同一个用户并发触发只跑一次
func (m *Monitor) CheckDeposit(ctx context.Context, ownerID string) (*CheckResult, error) {
	v, err, shared := m.checks.Do(ownerID, func() (interface{}, error) {
		return m.checkDeposit(ctx, ownerID)
	})
	if shared {
		logger.Debug(ctx, "manual check coalesced", zap.String("owner", ownerID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*CheckResult), nil
}

func (m *Monitor) checkDeposit(ctx context.Context, ownerID string) (*CheckResult, error) {
	ua, err := m.users.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if ua == nil {
		return nil, xerr.New(xerr.RecordNotFound, "no deposit address for owner "+ownerID)
	}
	m.registry.RegisterImmediately(*ua)
	res := &CheckResult{OwnerID: ownerID, Address: ua.Address, Balance: "0"}

	res.Replayed, err = m.orch.ReplayOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(ua.Address)
	balance, err := m.chain.TokenBalance(ctx, m.cfg.Token, addr)
	if err != nil {
		return nil, err
	}
	res.Balance = balance.String()
	if balance.Cmp(big.NewInt(0)) <= 0 {
		return res, nil
	}

	// 还有余额说明有没处理到的转入，补扫最近的区块
	head, err := m.scanner.SafeHead(ctx)
	if err != nil {
		return nil, err
	}
	from := uint64(1)
	if head > m.cfg.ManualLookbackBlocks {
		from = head - m.cfg.ManualLookbackBlocks + 1
	}
	found, err := m.scanner.ScanAddress(ctx, addr, from, head)
	if err != nil {
		return nil, err
	}
	res.Rescanned = true
	res.Detected = len(found)
	for _, d := range found {
		if err := m.orch.HandleDetected(ctx, d); err != nil {
			logger.Warn(ctx, "manual check deposit failed", zap.String("key", d.Key()), zap.Error(err))
		}
	}
	logger.Info(ctx, "🔎 手动检查完成",
		zap.String("owner", ownerID),
		zap.String("address", ua.Address),
		zap.Int("replayed", res.Replayed),
		zap.Int("detected", res.Detected),
		zap.Uint64("from", from),
		zap.Uint64("to", head))
	return res, nil
}

// every 立即跑一次，之后按 interval 触发
// ctx 取消后不再触发，正在跑的 fn 用脱离取消的 ctx 跑完
func (m *Monitor) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.runOnce(ctx, name, fn)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// runOnce 单次 panic 不能把整个循环带走
func (m *Monitor) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "🚨 monitor loop panic recovered", zap.String("loop", name), zap.Any("panic", r))
		}
	}()
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		logger.Error(ctx, "monitor loop failed", zap.String("loop", name), zap.Error(err))
	}
}
