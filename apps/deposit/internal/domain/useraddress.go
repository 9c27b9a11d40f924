package domain

import (
	"context"
	"time"
)

// 用户充值地址，创建后不可变，derivation_index 永不复用
type UserAddress struct {
	ID              int64
	OwnerID         string `gorm:"size:64;uniqueIndex"`
	Address         string `gorm:"size:42;uniqueIndex"` // 小写 0x 地址
	DerivationIndex int64  `gorm:"uniqueIndex"`         // m/44'/60'/0'/0/{index}
	CreatedAt       time.Time
}

func (UserAddress) TableName() string {
	return "user_addresses"
}

// UserStore 用户地址只读视图 (注册表刷新、按地址反查用户)
type UserStore interface {
	// 所有已分配充值地址的用户
	ListDepositAddresses(ctx context.Context) ([]UserAddress, error)
	// 根据地址获取，没找到返回 nil, nil
	GetByAddress(ctx context.Context, address string) (*UserAddress, error)
	// 根据用户获取，没找到返回 nil, nil
	GetByOwner(ctx context.Context, ownerID string) (*UserAddress, error)
}

// 用户地址接口
type AddressRepo interface {
	UserStore
	// 分配下一个 derivation index 并保存，derive 负责 index -> 地址
	CreateNext(ctx context.Context, ownerID string, derive func(index int64) (string, error)) (*UserAddress, error)
}
