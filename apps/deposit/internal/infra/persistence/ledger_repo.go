package persistence

import (
	"context"
	"errors"
	"fmt"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ========== LedgerRepo 接口实现 ==========

// InsertCredit 写入账流水，幂等键已存在返回 false
func (r *Repo) InsertCredit(ctx context.Context, c *domain.LedgerCredit) (bool, error) {
	res := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(c)
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("insert credit failed: %v", res.Error))
	}
	return res.RowsAffected == 1, nil
}

// AddBalance 实现原子加钱
func (r *Repo) AddBalance(ctx context.Context, ownerID, token string, amount decimal.Decimal) error {
	balance := domain.LedgerBalance{
		OwnerID:   ownerID,
		Token:     token,
		Available: amount,
	}

	// 执行 Upsert (存在则更新，不存在则插入)
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "token"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"available": gorm.Expr("available + ?", amount), // 🔥 核心：余额累加
			"version":   gorm.Expr("version + 1"),           // 版本号自增
		}),
	}).Create(&balance).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("add balance failed: %v", err))
	}
	return nil
}

// GetBalance 没有记录时返回零余额
func (r *Repo) GetBalance(ctx context.Context, ownerID, token string) (*domain.LedgerBalance, error) {
	var balance domain.LedgerBalance
	err := r.conn(ctx).
		Where("owner_id = ? AND token = ?", ownerID, token).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &domain.LedgerBalance{
				OwnerID:   ownerID,
				Token:     token,
				Available: decimal.Zero,
			}, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get balance failed: %v", err))
	}
	return &balance, nil
}
