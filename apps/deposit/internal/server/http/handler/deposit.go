package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/apps/deposit/internal/monitor"
	"fluxt.com/pkg/common"
	"fluxt.com/pkg/xerr"
	"github.com/gin-gonic/gin"
)

const defaultRecordLimit = 100

// Monitor 监控生命周期和状态
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Status(ctx context.Context) (monitor.Status, error)
	CheckDeposit(ctx context.Context, ownerID string) (*monitor.CheckResult, error)
}

type Replayer interface {
	Replay(ctx context.Context, id domain.TxID) (*domain.Deposit, error)
}

type Records interface {
	ListByStatus(ctx context.Context, statuses []domain.DepositStatus, limit int) ([]*domain.Deposit, error)
	ListByOwner(ctx context.Context, ownerID string, statuses []domain.DepositStatus, limit int) ([]*domain.Deposit, error)
}

type Provisioner interface {
	GenerateAddress(ctx context.Context, ownerID string) (*domain.UserAddress, error)
}

// Deposit 运维接口
type Deposit struct {
	monitor   Monitor
	replayer  Replayer
	records   Records
	addresses Provisioner
}

func NewDeposit(m Monitor, replayer Replayer, records Records, addresses Provisioner) *Deposit {
	return &Deposit{monitor: m, replayer: replayer, records: records, addresses: addresses}
}

// RecordView 充值记录对外格式
type RecordView struct {
	TxHash          string    `json:"tx_hash"`
	LogIndex        uint      `json:"log_index"`
	OwnerID         string    `json:"owner_id"`
	ToAddress       string    `json:"to_address"`
	DerivationIndex int64     `json:"derivation_index"`
	Amount          string    `json:"amount"`
	BlockNumber     uint64    `json:"block_number"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error,omitempty"`
	FailedStage     string    `json:"failed_stage,omitempty"`
	SweepTxHash     string    `json:"sweep_tx_hash,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toView(d *domain.Deposit) RecordView {
	return RecordView{
		TxHash:          d.TxHash,
		LogIndex:        d.LogIndex,
		OwnerID:         d.OwnerID,
		ToAddress:       d.ToAddress,
		DerivationIndex: d.DerivationIndex,
		Amount:          d.Amount.String(),
		BlockNumber:     d.BlockNumber,
		Status:          string(d.Status),
		RetryCount:      d.RetryCount,
		LastError:       d.LastError,
		FailedStage:     string(d.FailedStage),
		SweepTxHash:     d.SweepTxHash,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (h *Deposit) Status(c *gin.Context) {
	st, err := h.monitor.Status(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	common.Success(c, st)
}

func (h *Deposit) Start(c *gin.Context) {
	if err := h.monitor.Start(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	common.Success(c, gin.H{"monitoring": h.monitor.Running()})
}

func (h *Deposit) Stop(c *gin.Context) {
	h.monitor.Stop()
	common.Success(c, gin.H{"monitoring": h.monitor.Running()})
}

// Check 手动检查某个用户的充值
func (h *Deposit) Check(c *gin.Context) {
	res, err := h.monitor.CheckDeposit(c.Request.Context(), c.Param("owner"))
	if err != nil {
		fail(c, err)
		return
	}
	common.Success(c, res)
}

// Records ?status=failed,detected&owner=xx&limit=50
func (h *Deposit) Records(c *gin.Context) {
	var statuses []domain.DepositStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.DepositStatus(strings.TrimSpace(s))
			if !validStatus(st) {
				common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "unknown status: "+string(st)))
				return
			}
			statuses = append(statuses, st)
		}
	}
	limit := defaultRecordLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	var (
		list []*domain.Deposit
		err  error
	)
	if owner := c.Query("owner"); owner != "" {
		list, err = h.records.ListByOwner(c.Request.Context(), owner, statuses, limit)
	} else {
		if len(statuses) == 0 {
			statuses = []domain.DepositStatus{domain.DepositStatusFailed}
		}
		list, err = h.records.ListByStatus(c.Request.Context(), statuses, limit)
	}
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]RecordView, 0, len(list))
	for _, d := range list {
		views = append(views, toView(d))
	}
	common.Success(c, views)
}

// Replay 人工重放一条记录
func (h *Deposit) Replay(c *gin.Context) {
	logIndex, err := strconv.ParseUint(c.Param("log"), 10, 32)
	if err != nil {
		common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "log index must be a non-negative integer"))
		return
	}
	txHash := c.Param("tx")
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 66 {
		common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "tx hash must be 0x-prefixed 32 bytes"))
		return
	}
	rec, err := h.replayer.Replay(c.Request.Context(), domain.TxID{TxHash: strings.ToLower(txHash), LogIndex: uint(logIndex)})
	if err != nil && rec == nil {
		fail(c, err)
		return
	}
	// 重放本身失败时记录已经更新，仍然返回给运维看
	common.Success(c, gin.H{"record": toView(rec), "error": errString(err)})
}

type createAddressReq struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

// CreateAddress 给用户分配充值地址
func (h *Deposit) CreateAddress(c *gin.Context) {
	var req createAddressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailFromErr(c, xerr.New(xerr.RequestParamsError, "owner_id is required"))
		return
	}
	ua, err := h.addresses.GenerateAddress(c.Request.Context(), req.OwnerID)
	if err != nil {
		fail(c, err)
		return
	}
	common.Success(c, gin.H{
		"owner_id":         ua.OwnerID,
		"address":          ua.Address,
		"derivation_index": ua.DerivationIndex,
	})
}

// fail 链上错误统一映射成 ChainRpcError
func fail(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrChainRPC) && !xerr.IsCode(err, xerr.ChainRpcError) {
		err = errors.Join(xerr.NewErrCode(xerr.ChainRpcError), err)
	}
	common.FailFromErr(c, err)
}

func validStatus(s domain.DepositStatus) bool {
	switch s {
	case domain.DepositStatusDetected, domain.DepositStatusSweeping, domain.DepositStatusSwept,
		domain.DepositStatusCrediting, domain.DepositStatusCredited, domain.DepositStatusFailed:
		return true
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
