package persistence

import (
	"context"
	"errors"
	"fmt"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// 确保 Repo 实现了所有接口
var (
	_ domain.AddressRepo = (*Repo)(nil)
	_ domain.DepositRepo = (*Repo)(nil)
	_ domain.CursorRepo  = (*Repo)(nil)
	_ domain.LedgerRepo  = (*Repo)(nil)
)

type txKey struct{}

// AutoMigrate 建表 (启动时调用)
func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(
		&domain.UserAddress{},
		&domain.ScanCursor{},
		&domain.Deposit{},
		&domain.LedgerCredit{},
		&domain.LedgerBalance{},
	)
}

// Transaction 实现事务
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// 已经在事务里就直接复用
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 把 tx 注入到 context 中
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn 如果 ctx 里有事务，就用事务
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// GetCursor 获取指定链的最后扫描高度
func (r *Repo) GetCursor(ctx context.Context, chain string) (uint64, bool, error) {
	var cursor domain.ScanCursor
	err := r.conn(ctx).Where("chain = ?", chain).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 如果没找到，说明是第一次运行
			return 0, false, nil
		}
		return 0, false, xerr.New(xerr.DbError, fmt.Sprintf("query cursor failed: %v", err))
	}
	return cursor.LastScannedBlock, true, nil
}

// SaveCursor 更新扫描游标 (Upsert: 不存在则插入，存在则更新)，不允许回退
func (r *Repo) SaveCursor(ctx context.Context, chain string, block uint64) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		current, ok, err := r.GetCursor(txCtx, chain)
		if err != nil {
			return err
		}
		if ok && block < current {
			return fmt.Errorf("%w: %d -> %d", domain.ErrCursorRegression, current, block)
		}

		cursor := domain.ScanCursor{Chain: chain, LastScannedBlock: block}
		err = r.conn(txCtx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain"}}, // 唯一索引列
			DoUpdates: clause.AssignmentColumns([]string{"last_scanned_block", "updated_at"}),
		}).Create(&cursor).Error
		if err != nil {
			return xerr.New(xerr.DbError, fmt.Sprintf("update cursor failed: %v", err))
		}
		return nil
	})
}
