package service

import (
	"context"
	"fmt"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerService 入账服务，流水和余额在同一个事务里
type LedgerService struct {
	repo domain.LedgerRepo
}

var _ domain.Ledger = (*LedgerService)(nil)

func NewLedgerService(repo domain.LedgerRepo) *LedgerService {
	return &LedgerService{repo: repo}
}

// Credit 幂等入账：idempotencyKey 已经入过账直接返回 AlreadyCredited
func (s *LedgerService) Credit(ctx context.Context, ownerID, token string, amount decimal.Decimal, idempotencyKey string) (domain.CreditResult, error) {
	if ownerID == "" || idempotencyKey == "" || !amount.IsPositive() {
		return domain.CreditResult{}, xerr.New(xerr.RequestParamsError,
			fmt.Sprintf("invalid credit owner=%q key=%q amount=%s", ownerID, idempotencyKey, amount))
	}

	var result domain.CreditResult
	err := s.repo.Transaction(ctx, func(txCtx context.Context) error {
		// A. 先写流水，唯一键挡住重复入账
		inserted, err := s.repo.InsertCredit(txCtx, &domain.LedgerCredit{
			IdempotencyKey: idempotencyKey,
			OwnerID:        ownerID,
			Token:          token,
			Amount:         amount,
		})
		if err != nil {
			return err
		}
		if !inserted {
			result.AlreadyCredited = true
			return nil
		}
		// B. 给用户加钱，失败整个事务回滚 (流水也不留)
		return s.repo.AddBalance(txCtx, ownerID, token, amount)
	})
	if err != nil {
		logger.Error(ctx, "❌ 入账事务失败", zap.String("key", idempotencyKey), zap.Error(err))
		return domain.CreditResult{}, err
	}

	if result.AlreadyCredited {
		logger.Info(ctx, "入账幂等命中，跳过", zap.String("key", idempotencyKey), zap.String("owner", ownerID))
	} else {
		logger.Info(ctx, "✅ 入账成功",
			zap.String("owner", ownerID),
			zap.String("token", token),
			zap.String("amount", amount.String()),
			zap.String("key", idempotencyKey))
	}
	return result, nil
}
