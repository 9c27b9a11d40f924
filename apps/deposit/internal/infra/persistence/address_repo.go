package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/xerr"
	"gorm.io/gorm"
)

// 并发分配 index 撞唯一索引时的重试次数
const allocateAttempts = 3

// CreateNext 为用户分配下一个 derivation index 并保存
// 用户已有地址时直接返回已有的 (重复点击)
func (r *Repo) CreateNext(ctx context.Context, ownerID string, derive func(index int64) (string, error)) (*domain.UserAddress, error) {
	var lastErr error
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		var result *domain.UserAddress
		err := r.Transaction(ctx, func(txCtx context.Context) error {
			existing, err := r.GetByOwner(txCtx, ownerID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}

			// index 单调递增：当前最大值 + 1
			var maxIdx sql.NullInt64
			if err := r.conn(txCtx).Model(&domain.UserAddress{}).
				Select("MAX(derivation_index)").Row().Scan(&maxIdx); err != nil {
				return xerr.New(xerr.DbError, fmt.Sprintf("query max index failed: %v", err))
			}
			next := int64(0)
			if maxIdx.Valid {
				next = maxIdx.Int64 + 1
			}

			address, err := derive(next)
			if err != nil {
				return err
			}
			ua := &domain.UserAddress{
				OwnerID:         ownerID,
				Address:         strings.ToLower(address),
				DerivationIndex: next,
			}
			if err := r.conn(txCtx).Create(ua).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return err
				}
				return xerr.New(xerr.DbError, fmt.Sprintf("save address failed: %v", err))
			}
			result = ua
			return nil
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		// 别的请求抢先用了这个 index，重新分配
		lastErr = err
	}
	return nil, xerr.New(xerr.DbError, fmt.Sprintf("allocate derivation index failed: %v", lastErr))
}

// ListDepositAddresses 所有充值地址
func (r *Repo) ListDepositAddresses(ctx context.Context) ([]domain.UserAddress, error) {
	var list []domain.UserAddress
	if err := r.conn(ctx).Order("derivation_index").Find(&list).Error; err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list addresses failed: %v", err))
	}
	return list, nil
}

// GetByAddress 根据地址查用户
func (r *Repo) GetByAddress(ctx context.Context, address string) (*domain.UserAddress, error) {
	return r.getOne(ctx, "address = ?", strings.ToLower(address))
}

// GetByOwner 根据用户ID获取地址
func (r *Repo) GetByOwner(ctx context.Context, ownerID string) (*domain.UserAddress, error) {
	return r.getOne(ctx, "owner_id = ?", ownerID)
}

func (r *Repo) getOne(ctx context.Context, query string, arg interface{}) (*domain.UserAddress, error) {
	var userAddr domain.UserAddress
	err := r.conn(ctx).Where(query, arg).First(&userAddr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query address failed: %v", err))
	}
	return &userAddr, nil
}
