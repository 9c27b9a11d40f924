package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/orm"
	"fluxt.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateIfAbsent 保存充值记录 (幂等核心)
// 依赖唯一索引 uniq_tx (tx_hash, log_index)，重复检测直接忽略
func (r *Repo) CreateIfAbsent(ctx context.Context, d *domain.Deposit) (bool, error) {
	res := r.conn(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(d)
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("insert deposit failed: %v", res.Error))
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) GetByTxID(ctx context.Context, id domain.TxID) (*domain.Deposit, error) {
	var d domain.Deposit
	err := r.conn(ctx).
		Where("tx_hash = ? AND log_index = ?", id.TxHash, id.LogIndex).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query deposit failed: %v", err))
	}
	return &d, nil
}

// Transition 状态变更，带状态乐观锁：确保之前是 from
// 返回 false 说明记录已经被别的流程推进了
func (r *Repo) Transition(ctx context.Context, d *domain.Deposit, from domain.DepositStatus) (bool, error) {
	now := time.Now()
	res := r.conn(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status = ?", d.ID, from).
		Updates(map[string]interface{}{
			"status":        d.Status,
			"retry_count":   d.RetryCount,
			"last_error":    d.LastError,
			"failed_stage":  d.FailedStage,
			"sweep_tx_hash": d.SweepTxHash,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("update deposit status failed: %v", res.Error))
	}
	if res.RowsAffected == 1 {
		d.UpdatedAt = now
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListByStatus(ctx context.Context, statuses []domain.DepositStatus, limit int) ([]*domain.Deposit, error) {
	deposits := make([]*domain.Deposit, 0)
	q := r.conn(ctx).Where("status IN ?", statuses).Order("id")
	if err := orm.ApplyPagination(q, 1, limit).Find(&deposits).Error; err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list deposits failed: %v", err))
	}
	return deposits, nil
}

// ListByOwner limit <= 0 不分页
func (r *Repo) ListByOwner(ctx context.Context, ownerID string, statuses []domain.DepositStatus, limit int) ([]*domain.Deposit, error) {
	deposits := make([]*domain.Deposit, 0)
	q := r.conn(ctx).Where("owner_id = ?", ownerID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := orm.ApplyPagination(q.Order("id"), 1, limit).Find(&deposits).Error; err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list owner deposits failed: %v", err))
	}
	return deposits, nil
}

func (r *Repo) CountByStatus(ctx context.Context, statuses ...domain.DepositStatus) (int64, error) {
	var n int64
	if err := r.conn(ctx).Model(&domain.Deposit{}).Where("status IN ?", statuses).Count(&n).Error; err != nil {
		return 0, xerr.New(xerr.DbError, fmt.Sprintf("count deposits failed: %v", err))
	}
	return n, nil
}
