package domain

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus string

// 充值状态：detected -> sweeping -> swept -> crediting -> credited，失败进 failed
const (
	DepositStatusDetected  DepositStatus = "detected"
	DepositStatusSweeping  DepositStatus = "sweeping"
	DepositStatusSwept     DepositStatus = "swept"
	DepositStatusCrediting DepositStatus = "crediting"
	DepositStatusCredited  DepositStatus = "credited"
	DepositStatusFailed    DepositStatus = "failed"
)

// PendingStatuses 还没走完的状态 (重试扫描用)
var PendingStatuses = []DepositStatus{
	DepositStatusDetected,
	DepositStatusSweeping,
	DepositStatusSwept,
	DepositStatusCrediting,
}

// TxID 链上一笔转账的唯一标识 (tx hash + log index)，也是入账幂等键
type TxID struct {
	TxHash   string
	LogIndex uint
}

func (t TxID) Key() string {
	return strings.ToLower(t.TxHash) + ":" + strconv.FormatUint(uint64(t.LogIndex), 10)
}

// DetectedDeposit 扫块发现的一笔转入
type DetectedDeposit struct {
	TxID
	ToAddress   string   // 小写
	Token       string   // 合约地址，小写
	Amount      *big.Int // 最小单位
	BlockNumber uint64
}

type Deposit struct {
	ID int64 // 主键
	// 核心唯一标识: TxHash + LogIndex
	TxHash          string          `gorm:"size:66;uniqueIndex:uniq_tx"`
	LogIndex        uint            `gorm:"uniqueIndex:uniq_tx"`
	ToAddress       string          `gorm:"size:42;index"`
	OwnerID         string          `gorm:"size:64;index"`
	DerivationIndex int64           // 归集时重新派生签名
	Token           string          `gorm:"size:42"`
	Amount          decimal.Decimal `gorm:"type:decimal(65,0)"` // 最小单位
	BlockNumber     uint64
	Status          DepositStatus `gorm:"size:16;index"`
	RetryCount      int
	LastError       string        `gorm:"size:1024"`
	FailedStage     DepositStatus `gorm:"size:16"` // 进入 failed 前所在的阶段
	SweepTxHash     string        `gorm:"size:66"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Deposit) TableName() string {
	return "deposits"
}

func (d *Deposit) TxRef() TxID {
	return TxID{TxHash: d.TxHash, LogIndex: d.LogIndex}
}

// Terminal credited / failed 不会再被自动处理
func (d *Deposit) Terminal() bool {
	return d.Status == DepositStatusCredited || d.Status == DepositStatusFailed
}

// DepositRepo 充值记录仓储
type DepositRepo interface {
	// 不存在则插入 (唯一键冲突忽略)，返回是否新插入
	CreateIfAbsent(ctx context.Context, d *Deposit) (bool, error)
	// 没找到返回 nil, nil
	GetByTxID(ctx context.Context, id TxID) (*Deposit, error)
	// 状态 CAS：只有当前状态是 from 才更新，返回是否更新成功
	Transition(ctx context.Context, d *Deposit, from DepositStatus) (bool, error)
	ListByStatus(ctx context.Context, statuses []DepositStatus, limit int) ([]*Deposit, error)
	ListByOwner(ctx context.Context, ownerID string, statuses []DepositStatus, limit int) ([]*Deposit, error)
	CountByStatus(ctx context.Context, statuses ...DepositStatus) (int64, error)
}

// CursorRepo 扫块游标，只有 scanner 写
type CursorRepo interface {
	// ok=false 表示第一次运行
	GetCursor(ctx context.Context, chain string) (block uint64, ok bool, err error)
	// 游标只进不退
	SaveCursor(ctx context.Context, chain string, block uint64) error
}

type ScanCursor struct {
	ID               int64
	Chain            string `gorm:"size:32;uniqueIndex"`
	LastScannedBlock uint64
	UpdatedAt        time.Time
}

func (ScanCursor) TableName() string {
	return "scan_cursors"
}
