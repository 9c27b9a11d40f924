package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fluxt.com/apps/deposit/internal/core/service"
	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/metrics"
	"fluxt.com/pkg/safe"
	"fluxt.com/pkg/trace"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrTickInProgress 上一轮还没跑完，这一轮跳过
var ErrTickInProgress = errors.New("scan tick already in progress")

// 先定义数据结构
type Config struct {
	Chain                string         // 游标的 key，例如 "base"
	Token                common.Address // 监控的 token 合约
	MaxRange             uint64         // 单次 eth_getLogs 的最大区块跨度
	Confirmations        uint64         // 安全高度 = 链高度 - Confirmations
	MaxAddressesPerQuery int            // 单次查询的地址数上限，超过分批
	StartBlock           uint64         // 没有游标时从这里开始，0 表示从当前安全高度开始
	LeaderKey            string         // 多副本选主 key，为空不选主
	LeaderTTL            time.Duration
}

// Handler 消费扫到的充值
type Handler interface {
	HandleDetected(ctx context.Context, d domain.DetectedDeposit) error
}

// SnapshotSource 注册表快照
type SnapshotSource interface {
	Snapshot() *service.AddressSnapshot
}

// Leader 多副本时只有主节点扫块
type Leader interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TickResult 一轮扫描的结果
type TickResult struct {
	Skipped  bool // 重叠/非主节点/没有新块
	From, To uint64
	Detected int
}

type Engine struct {
	config   *Config
	chain    domain.ChainClient
	registry SnapshotSource
	handler  Handler
	cursors  domain.CursorRepo
	leader   Leader

	running     atomic.Bool
	initialized atomic.Bool
	lastScanned atomic.Uint64
	lastHead    atomic.Uint64
}

func New(cfg *Config, chain domain.ChainClient, registry SnapshotSource,
	handler Handler, cursors domain.CursorRepo, leader Leader) *Engine {
	// 对默认的配置进行兜底
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 1000
	}
	if cfg.MaxAddressesPerQuery <= 0 {
		cfg.MaxAddressesPerQuery = 500
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 30 * time.Second
	}
	return &Engine{
		config:   cfg,
		chain:    chain,
		registry: registry,
		handler:  handler,
		cursors:  cursors,
		leader:   leader,
	}
}

// LastScannedBlock 已经完整扫描过的最高块
func (e *Engine) LastScannedBlock() uint64 {
	return e.lastScanned.Load()
}

// LastHead 最近一次看到的链高度
func (e *Engine) LastHead() uint64 {
	return e.lastHead.Load()
}

// Tick 扫一轮：(lastScanned, min(H, lastScanned+MaxRange)]
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		logger.Debug(ctx, "scan tick skipped, previous tick still running")
		return TickResult{Skipped: true}, ErrTickInProgress
	}
	defer e.running.Store(false)

	ctx, span := trace.Tracer("deposit").Start(ctx, "scan_tick")
	defer span.End()

	if e.leader != nil && e.config.LeaderKey != "" {
		isMaster, err := e.leader.TryAcquireMaster(ctx, e.config.LeaderKey, e.config.LeaderTTL)
		if err != nil {
			return TickResult{Skipped: true}, fmt.Errorf("acquire scanner leader: %w", err)
		}
		if !isMaster {
			return TickResult{Skipped: true}, nil
		}
		// 一轮可能跨多次归集等待，期间持续续约
		stop := e.keepLeader(ctx)
		defer stop()
	}

	if err := e.init(ctx); err != nil {
		return TickResult{}, err
	}
	if e.leader != nil && e.config.LeaderKey != "" {
		// 失去主节点期间游标可能被别的副本推进，以库里为准
		if err := e.syncCursor(ctx); err != nil {
			return TickResult{}, err
		}
	}

	// 本轮开始时拿快照，查询过程中新注册的地址留给下一轮
	snap := e.registry.Snapshot()

	head, err := e.safeHead(ctx)
	if err != nil {
		return TickResult{}, err
	}
	last := e.lastScanned.Load()
	if head <= last {
		return TickResult{Skipped: true}, nil
	}
	from := last + 1
	to := head
	if to-last > e.config.MaxRange {
		to = last + e.config.MaxRange
	}
	span.SetAttributes(attribute.Int64("from", int64(from)), attribute.Int64("to", int64(to)))

	deposits, err := e.query(ctx, snap.Addresses(), from, to)
	if err != nil {
		return TickResult{}, err
	}

	detected := 0
	for _, d := range deposits {
		// 节点多返回的地址不处理
		if _, ok := snap.Lookup(d.ToAddress); !ok {
			continue
		}
		detected++
		metrics.DepositsDetected.WithLabelValues(d.Token).Inc()
		logger.Info(ctx, "🔍 发现充值",
			zap.String("tx", d.TxHash),
			zap.Uint("log_index", d.LogIndex),
			zap.String("to", d.ToAddress),
			zap.String("amount", d.Amount.String()),
			zap.Uint64("block", d.BlockNumber))
		// 下游失败不阻塞游标推进，靠幂等键和重试兜底
		if err := e.handler.HandleDetected(ctx, d); err != nil {
			logger.Error(ctx, "handle deposit failed", zap.String("tx", d.TxHash), zap.Error(err))
		}
	}

	if err := e.cursors.SaveCursor(ctx, e.config.Chain, to); err != nil {
		if errors.Is(err, domain.ErrCursorRegression) {
			if serr := e.syncCursor(ctx); serr != nil {
				logger.Error(ctx, "resync cursor failed", zap.Error(serr))
			}
		}
		return TickResult{}, fmt.Errorf("save cursor %d: %w", to, err)
	}
	e.lastScanned.Store(to)
	metrics.ScannedBlock.Set(float64(to))

	logger.Debug(ctx, "scan tick done",
		zap.Uint64("from", from), zap.Uint64("to", to),
		zap.Int("addresses", snap.Len()), zap.Int("detected", detected))
	return TickResult{From: from, To: to, Detected: detected}, nil
}

// ScanAddress 单个地址补扫 [from, to]，不动游标 (手动检查用)
func (e *Engine) ScanAddress(ctx context.Context, address common.Address, from, to uint64) ([]domain.DetectedDeposit, error) {
	var out []domain.DetectedDeposit
	for start := from; start <= to; start += e.config.MaxRange {
		end := start + e.config.MaxRange - 1
		if end > to {
			end = to
		}
		found, err := e.chain.FilterTransfers(ctx, e.config.Token, []common.Address{address}, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// SafeHead 链高度减去确认数
func (e *Engine) SafeHead(ctx context.Context) (uint64, error) {
	return e.safeHead(ctx)
}

func (e *Engine) safeHead(ctx context.Context) (uint64, error) {
	h, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	e.lastHead.Store(h)
	metrics.ChainHead.Set(float64(h))
	if h < e.config.Confirmations {
		return 0, nil
	}
	return h - e.config.Confirmations, nil
}

// init 进来先查询游标，没有游标就从 StartBlock 或当前安全高度开始
func (e *Engine) init(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	block, ok, err := e.cursors.GetCursor(ctx, e.config.Chain)
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}
	if !ok {
		if e.config.StartBlock > 0 {
			block = e.config.StartBlock - 1
		} else {
			block, err = e.safeHead(ctx)
			if err != nil {
				return err
			}
		}
		if err := e.cursors.SaveCursor(ctx, e.config.Chain, block); err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
	}
	e.lastScanned.Store(block)
	e.initialized.Store(true)
	metrics.ScannedBlock.Set(float64(block))
	logger.Info(ctx, "Scanner init cursor", zap.String("chain", e.config.Chain), zap.Uint64("block", block), zap.Bool("resumed", ok))
	return nil
}

// syncCursor 库里的游标比内存新时以库里为准
func (e *Engine) syncCursor(ctx context.Context) error {
	block, ok, err := e.cursors.GetCursor(ctx, e.config.Chain)
	if err != nil {
		return fmt.Errorf("sync cursor: %w", err)
	}
	if !ok || block <= e.lastScanned.Load() {
		return nil
	}
	logger.Info(ctx, "Scanner cursor moved by another replica",
		zap.String("chain", e.config.Chain),
		zap.Uint64("local", e.lastScanned.Load()),
		zap.Uint64("stored", block))
	e.lastScanned.Store(block)
	metrics.ScannedBlock.Set(float64(block))
	return nil
}

// keepLeader 本轮扫描期间按 TTL/3 续约，返回的函数停止续约
func (e *Engine) keepLeader(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(e.config.LeaderTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.leader.TryAcquireMaster(ctx, e.config.LeaderKey, e.config.LeaderTTL)
				if err != nil || !ok {
					logger.Warn(ctx, "⚠️ scanner leader renew failed", zap.Bool("master", ok), zap.Error(err))
				}
			}
		}
	})
	return func() {
		cancel()
		<-done
	}
}

// query 地址多时分批查，全部成功才返回
func (e *Engine) query(ctx context.Context, addrs []common.Address, from, to uint64) ([]domain.DetectedDeposit, error) {
	var out []domain.DetectedDeposit
	size := e.config.MaxAddressesPerQuery
	for start := 0; start < len(addrs); start += size {
		end := start + size
		if end > len(addrs) {
			end = len(addrs)
		}
		found, err := e.chain.FilterTransfers(ctx, e.config.Token, addrs[start:end], from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}
