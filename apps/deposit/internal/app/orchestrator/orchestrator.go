package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"unicode/utf8"

	"fluxt.com/apps/deposit/internal/core/service"
	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/metrics"
	"fluxt.com/pkg/trace"
	"fluxt.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrStaleRecord 状态 CAS 失败，记录被别的流程推进了
var ErrStaleRecord = errors.New("deposit record changed concurrently")

type Config struct {
	Custody       common.Address // 归集目标 (热钱包)
	Token         common.Address
	TokenSymbol   string // 账本里的币种，例如 USDC
	TokenDecimals int32
	MaxRetries    int // 单个阶段最多失败次数，超过进 failed
	RetryBatch    int // 每次重试扫描最多处理多少条
}

// Sweeper 归集
type Sweeper interface {
	Sweep(ctx context.Context, index int64, custody, token common.Address) (string, error)
}

// OwnerLookup 地址 -> 用户
type OwnerLookup interface {
	Snapshot() *service.AddressSnapshot
}

// Orchestrator 充值处理流程：detected -> sweeping -> swept -> crediting -> credited
// 每一步先落库再做副作用，崩溃后由 RetryPending 接着跑
type Orchestrator struct {
	cfg      Config
	owners   OwnerLookup
	deposits domain.DepositRepo
	sweeper  Sweeper
	ledger   domain.Ledger
	notifier domain.Notifier

	// 所有处理串行 (热钱包 nonce)
	mu sync.Mutex
}

func New(cfg Config, owners OwnerLookup, deposits domain.DepositRepo, sweeper Sweeper,
	ledger domain.Ledger, notifier domain.Notifier) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 100
	}
	return &Orchestrator{
		cfg:      cfg,
		owners:   owners,
		deposits: deposits,
		sweeper:  sweeper,
		ledger:   ledger,
		notifier: notifier,
	}
}

// HandleDetected 扫块发现的充值入口，重复检测幂等
func (o *Orchestrator) HandleDetected(ctx context.Context, d domain.DetectedDeposit) error {
	ua, ok := o.owners.Snapshot().Lookup(d.ToAddress)
	if !ok {
		logger.Warn(ctx, "充值地址没有对应用户，丢弃",
			zap.String("to", d.ToAddress), zap.String("tx", d.TxHash), zap.Uint("log_index", d.LogIndex))
		return fmt.Errorf("%w: %s", domain.ErrUnknownOwner, d.ToAddress)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rec := &domain.Deposit{
		TxHash:          d.TxHash,
		LogIndex:        d.LogIndex,
		ToAddress:       d.ToAddress,
		OwnerID:         ua.OwnerID,
		DerivationIndex: ua.DerivationIndex,
		Token:           d.Token,
		Amount:          decimal.NewFromBigInt(d.Amount, 0),
		BlockNumber:     d.BlockNumber,
		Status:          domain.DepositStatusDetected,
	}
	inserted, err := o.deposits.CreateIfAbsent(ctx, rec)
	if err != nil {
		return err
	}
	if inserted {
		metrics.DepositTransitions.WithLabelValues(string(domain.DepositStatusDetected)).Inc()
	} else {
		existing, err := o.deposits.GetByTxID(ctx, d.TxID)
		if err != nil {
			return err
		}
		if existing == nil {
			return xerr.New(xerr.RecordNotFound, "deposit vanished after conflict: "+d.Key())
		}
		if existing.Terminal() {
			logger.Debug(ctx, "重复检测，跳过", zap.String("key", d.Key()), zap.String("status", string(existing.Status)))
			return nil
		}
		// 没走完的交给当前流程继续推进
		rec = existing
	}
	return o.process(ctx, rec)
}

// RetryPending 重试所有没走完的记录 (包括崩溃时停在 sweeping/crediting 的)
func (o *Orchestrator) RetryPending(ctx context.Context) (int, error) {
	list, err := o.deposits.ListByStatus(ctx, domain.PendingStatuses, o.cfg.RetryBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, item := range list {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := o.resume(ctx, item.TxRef()); err != nil {
			logger.Warn(ctx, "重试充值失败", zap.String("key", item.TxRef().Key()), zap.Error(err))
			continue
		}
		done++
	}
	if len(list) > 0 {
		logger.Info(ctx, "🔁 重试扫描完成", zap.Int("pending", len(list)), zap.Int("done", done))
	}
	return done, nil
}

// Replay 人工重放：failed 的回到失败阶段重新计数，没走完的继续推进，已入账的什么都不做
func (o *Orchestrator) Replay(ctx context.Context, id domain.TxID) (*domain.Deposit, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.deposits.GetByTxID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, xerr.New(xerr.RecordNotFound, "deposit not found: "+id.Key())
	}
	if rec.Status == domain.DepositStatusCredited {
		return rec, nil
	}
	if rec.Status == domain.DepositStatusFailed {
		stage := rec.FailedStage
		if stage != domain.DepositStatusSwept {
			stage = domain.DepositStatusDetected
		}
		rec.RetryCount = 0
		rec.FailedStage = ""
		if err := o.transition(ctx, rec, stage); err != nil {
			return rec, err
		}
		logger.Info(ctx, "人工重放充值", zap.String("key", id.Key()), zap.String("stage", string(stage)))
	}
	return rec, o.process(ctx, rec)
}

// ReplayOwner 重放某个用户所有 failed / 没走完的记录
func (o *Orchestrator) ReplayOwner(ctx context.Context, ownerID string) (int, error) {
	statuses := append([]domain.DepositStatus{domain.DepositStatusFailed}, domain.PendingStatuses...)
	list, err := o.deposits.ListByOwner(ctx, ownerID, statuses, 0)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, item := range list {
		rec, err := o.Replay(ctx, item.TxRef())
		if err != nil {
			logger.Warn(ctx, "重放失败", zap.String("owner", ownerID), zap.String("key", item.TxRef().Key()), zap.Error(err))
			continue
		}
		if rec.Status == domain.DepositStatusCredited {
			done++
		}
	}
	return done, nil
}

func (o *Orchestrator) resume(ctx context.Context, id domain.TxID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	// 拿锁之后重新读，列表里的状态可能已经过期
	rec, err := o.deposits.GetByTxID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Terminal() {
		return nil
	}
	return o.process(ctx, rec)
}

// process 推进状态机直到 credited / failed / 本轮失败，调用方持有 o.mu
func (o *Orchestrator) process(ctx context.Context, rec *domain.Deposit) (err error) {
	ctx, span := trace.Tracer("deposit").Start(ctx, "process_deposit")
	span.SetAttributes(attribute.String("key", rec.TxRef().Key()))
	defer span.End()

	stage := rec.Status
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "🔥 处理充值 panic",
				zap.Any("panic", r),
				zap.String("key", rec.TxRef().Key()),
				zap.String("stack", string(debug.Stack())))
			err = o.fail(ctx, rec, stage, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	for {
		stage = rec.Status
		switch rec.Status {
		case domain.DepositStatusDetected:
			if err := o.transition(ctx, rec, domain.DepositStatusSweeping); err != nil {
				return err
			}
		case domain.DepositStatusSweeping:
			// 崩溃时停在 sweeping 也走这里，余额为 0 会返回 ""
			txHash, err := o.sweeper.Sweep(ctx, rec.DerivationIndex, o.cfg.Custody, o.cfg.Token)
			if err != nil {
				return o.fail(ctx, rec, domain.DepositStatusSweeping, err)
			}
			if txHash != "" {
				rec.SweepTxHash = txHash
			}
			rec.LastError = ""
			if err := o.transition(ctx, rec, domain.DepositStatusSwept); err != nil {
				return err
			}
		case domain.DepositStatusSwept:
			if err := o.transition(ctx, rec, domain.DepositStatusCrediting); err != nil {
				return err
			}
		case domain.DepositStatusCrediting:
			amount := rec.Amount.Shift(-o.cfg.TokenDecimals)
			res, err := o.ledger.Credit(ctx, rec.OwnerID, o.cfg.TokenSymbol, amount, rec.TxRef().Key())
			if err != nil {
				return o.fail(ctx, rec, domain.DepositStatusCrediting, err)
			}
			rec.LastError = ""
			if err := o.transition(ctx, rec, domain.DepositStatusCredited); err != nil {
				return err
			}
			if !res.AlreadyCredited {
				o.publish(ctx, rec, amount)
			}
			logger.Info(ctx, "✅ 充值处理完成",
				zap.String("owner", rec.OwnerID),
				zap.String("amount", amount.String()),
				zap.String("token", o.cfg.TokenSymbol),
				zap.String("key", rec.TxRef().Key()),
				zap.String("sweep_tx", rec.SweepTxHash),
				zap.Bool("already_credited", res.AlreadyCredited))
			return nil
		default:
			// credited / failed
			return nil
		}
	}
}

// fail 记一次失败：没超过上限回到上一个稳定状态等重试，否则进 failed
func (o *Orchestrator) fail(ctx context.Context, rec *domain.Deposit, stage domain.DepositStatus, cause error) error {
	prior := domain.DepositStatusDetected
	if stage == domain.DepositStatusSwept || stage == domain.DepositStatusCrediting {
		prior = domain.DepositStatusSwept
	}
	rec.RetryCount++
	rec.LastError = truncate(cause.Error(), 1024)

	next := prior
	if rec.RetryCount >= o.cfg.MaxRetries {
		next = domain.DepositStatusFailed
		rec.FailedStage = prior
	}
	if err := o.transition(ctx, rec, next); err != nil {
		logger.Error(ctx, "记录失败状态出错", zap.String("key", rec.TxRef().Key()), zap.Error(err))
		return errors.Join(cause, err)
	}

	if next == domain.DepositStatusFailed {
		logger.Error(ctx, "❌ 充值处理失败，等待人工重放",
			zap.String("key", rec.TxRef().Key()),
			zap.String("owner", rec.OwnerID),
			zap.String("failed_stage", string(prior)),
			zap.Int("retry_count", rec.RetryCount),
			zap.Error(cause))
	} else {
		logger.Warn(ctx, "充值处理失败，稍后重试",
			zap.String("key", rec.TxRef().Key()),
			zap.String("stage", string(stage)),
			zap.Int("retry_count", rec.RetryCount),
			zap.Error(cause))
	}
	return cause
}

// transition 先落库再改内存，CAS 失败说明被并发推进了
func (o *Orchestrator) transition(ctx context.Context, rec *domain.Deposit, to domain.DepositStatus) error {
	from := rec.Status
	rec.Status = to
	ok, err := o.deposits.Transition(ctx, rec, from)
	if err != nil {
		rec.Status = from
		return err
	}
	if !ok {
		rec.Status = from
		return fmt.Errorf("%w: %s %s -> %s", ErrStaleRecord, rec.TxRef().Key(), from, to)
	}
	metrics.DepositTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, rec *domain.Deposit, amount decimal.Decimal) {
	if o.notifier == nil {
		return
	}
	ev := domain.CreditedEvent{
		OwnerID:     rec.OwnerID,
		Token:       o.cfg.TokenSymbol,
		Amount:      amount.String(),
		TxHash:      rec.TxHash,
		LogIndex:    rec.LogIndex,
		SweepTxHash: rec.SweepTxHash,
	}
	// 通知失败不影响入账结果
	if err := o.notifier.PublishCredited(ctx, ev); err != nil {
		logger.Warn(ctx, "发布入账事件失败", zap.String("key", rec.TxRef().Key()), zap.Error(err))
	}
}

// truncate 按字节截断，不切断多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
