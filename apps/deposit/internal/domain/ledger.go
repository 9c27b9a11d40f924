package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerCredit 入账流水，idempotency_key 唯一，保证同一笔充值只入账一次
type LedgerCredit struct {
	ID             int64
	IdempotencyKey string          `gorm:"size:128;uniqueIndex"`
	OwnerID        string          `gorm:"size:64;index"`
	Token          string          `gorm:"size:20"`
	Amount         decimal.Decimal `gorm:"type:decimal(65,18)"`
	CreatedAt      time.Time
}

func (LedgerCredit) TableName() string {
	return "ledger_credits"
}

type LedgerBalance struct {
	ID        int64
	OwnerID   string          `gorm:"size:64;uniqueIndex:idx_owner_token"`
	Token     string          `gorm:"size:20;uniqueIndex:idx_owner_token"`
	Available decimal.Decimal `gorm:"type:decimal(65,18);default:0"`
	Version   int64           `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (LedgerBalance) TableName() string {
	return "ledger_balances"
}

// CreditResult AlreadyCredited=true 表示幂等命中，没有改余额
type CreditResult struct {
	AlreadyCredited bool
}

// Ledger 入账接口
type Ledger interface {
	Credit(ctx context.Context, ownerID, token string, amount decimal.Decimal, idempotencyKey string) (CreditResult, error)
}

// LedgerRepo 账本仓储
type LedgerRepo interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	// 插入流水，幂等键冲突返回 false
	InsertCredit(ctx context.Context, c *LedgerCredit) (bool, error)
	// AddBalance 加钱 (支持不存在则创建)
	AddBalance(ctx context.Context, ownerID, token string, amount decimal.Decimal) error
	GetBalance(ctx context.Context, ownerID, token string) (*LedgerBalance, error)
}
