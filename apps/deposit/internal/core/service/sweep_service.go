package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/hdwallet"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/metrics"
	"fluxt.com/pkg/trace"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FallbackGasPrice 节点报 0 时用 0.1 gwei
var FallbackGasPrice = big.NewInt(100_000_000)

// gas 预留 20%
const (
	gasBufferNumerator   = 120
	gasBufferDenominator = 100
)

// KeyDeriver 按 index 重建充值地址的签名能力
type KeyDeriver interface {
	Derive(index int64) (string, *hdwallet.Signer, error)
}

// SweepService 归集：充值地址 -> 热钱包
type SweepService struct {
	chain   domain.ChainClient
	deriver KeyDeriver
	hot     domain.Signer // 热钱包，负责打 gas
	locker  domain.Locker // 热钱包发交易串行
}

func NewSweepService(chain domain.ChainClient, deriver KeyDeriver, hot domain.Signer, locker domain.Locker) *SweepService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &SweepService{
		chain:   chain,
		deriver: deriver,
		hot:     hot,
		locker:  locker,
	}
}

// HotAddress 热钱包地址
func (s *SweepService) HotAddress() common.Address {
	return s.hot.Address()
}

// Sweep 把 index 对应地址上的全部 token 转到 custody
// 余额为 0 返回 ""，表示已经归集过 (不是错误)，所以可以无条件重试
func (s *SweepService) Sweep(ctx context.Context, index int64, custody, token common.Address) (txHash string, err error) {
	ctx, span := trace.Tracer("deposit").Start(ctx, "sweep")
	defer span.End()
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		} else if txHash == "" {
			status = "noop"
		}
		metrics.SweepDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	// 1. 重建签名能力
	_, signer, err := s.deriver.Derive(index)
	if err != nil {
		return "", err
	}
	from := signer.Address()
	span.SetAttributes(attribute.Int64("index", index), attribute.String("from", from.Hex()))

	// 2. token 余额为 0，已经归集过或者误触发
	balance, err := s.chain.TokenBalance(ctx, token, from)
	if err != nil {
		return "", err
	}
	if balance.Sign() <= 0 {
		logger.Info(ctx, "sweep skipped, token balance is zero", zap.String("address", from.Hex()))
		return "", nil
	}

	gasPrice, err := s.gasPrice(ctx)
	if err != nil {
		return "", err
	}
	gasLimit, err := s.chain.EstimateTokenTransferGas(ctx, token, from, custody, balance)
	if err != nil {
		return "", err
	}

	// 3. 原生币不够付 gas 先从热钱包打过去
	native, err := s.chain.NativeBalance(ctx, from)
	if err != nil {
		return "", err
	}
	required := GasFunding(gasLimit, gasPrice)
	if native.Cmp(required) < 0 {
		topUp := new(big.Int).Sub(required, native)
		if err := s.fundGas(ctx, from, topUp, gasPrice); err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrGasFundingFailed, err)
		}
	}

	// 4. 全部余额转到 custody，复用报价和 gas 估算
	hash, err := s.chain.SendTokenTransfer(ctx, signer, token, custody, balance, gasLimit, gasPrice)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSweepTransferFailed, err)
	}
	if err := s.waitSuccess(ctx, hash); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSweepTransferFailed, err)
	}

	logger.Info(ctx, "🧹 sweep done",
		zap.Int64("index", index),
		zap.String("from", from.Hex()),
		zap.String("to", custody.Hex()),
		zap.String("amount", balance.String()),
		zap.String("tx", hash.Hex()))
	return hash.Hex(), nil
}

// GasFunding estimatedGas × gasPrice × 1.2，整数运算
func GasFunding(gasLimit uint64, gasPrice *big.Int) *big.Int {
	v := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	v.Mul(v, big.NewInt(gasBufferNumerator))
	return v.Div(v, big.NewInt(gasBufferDenominator))
}

func (s *SweepService) gasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return new(big.Int).Set(FallbackGasPrice), nil
	}
	return price, nil
}

// fundGas 热钱包 -> 充值地址，拿锁保证热钱包 nonce 串行，等上链后才返回
func (s *SweepService) fundGas(ctx context.Context, to common.Address, amount, gasPrice *big.Int) error {
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("lock hot wallet: %w", err)
	}
	defer unlock()

	logger.Info(ctx, "⛽ funding gas",
		zap.String("from", s.hot.Address().Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))

	hash, err := s.chain.SendNative(ctx, s.hot, to, amount, gasPrice)
	if err != nil {
		return err
	}
	return s.waitSuccess(ctx, hash)
}

var errTxReverted = errors.New("transaction reverted")

func (s *SweepService) waitSuccess(ctx context.Context, hash common.Hash) error {
	receipt, err := s.chain.WaitMined(ctx, hash)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", errTxReverted, hash.Hex())
	}
	return nil
}
