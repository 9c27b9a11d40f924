package persistence

import (
	"context"
	"fmt"
	"testing"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/orm"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	// 单连接：内存库每个连接是独立的库
	db, err := orm.Open(sqlite.Open("file::memory:"), &orm.Config{MaxOpen: 1})
	require.NoError(t, err)
	repo := New(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func TestCursor_FirstRunAndMonotonic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.GetCursor(ctx, "base")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveCursor(ctx, "base", 110))
	require.NoError(t, repo.SaveCursor(ctx, "base", 110)) // 原地保存允许
	block, ok, err := repo.GetCursor(ctx, "base")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(110), block)

	err = repo.SaveCursor(ctx, "base", 100)
	assert.ErrorIs(t, err, domain.ErrCursorRegression)

	block, _, err = repo.GetCursor(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, uint64(110), block)
}

func TestCreateNext_MonotonicIndex(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	derive := func(i int64) (string, error) {
		return fmt.Sprintf("0xABCDEF%034d", i), nil
	}

	a, err := repo.CreateNext(ctx, "alice", derive)
	require.NoError(t, err)
	b, err := repo.CreateNext(ctx, "bob", derive)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.DerivationIndex)
	assert.Equal(t, int64(1), b.DerivationIndex)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", b.Address, "地址统一小写")

	// 重复申请返回原地址，不消耗 index
	again, err := repo.CreateNext(ctx, "alice", derive)
	require.NoError(t, err)
	assert.Equal(t, a.Address, again.Address)

	c, err := repo.CreateNext(ctx, "carol", derive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.DerivationIndex)

	list, err := repo.ListDepositAddresses(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	got, err := repo.GetByAddress(ctx, "0xABCDEF0000000000000000000000000000000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bob", got.OwnerID)

	missing, err := repo.GetByOwner(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateNext_DeriveErrorRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	boom := fmt.Errorf("derive failed")

	_, err := repo.CreateNext(ctx, "alice", func(int64) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	list, err := repo.ListDepositAddresses(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func newDeposit(hash string, logIndex uint) *domain.Deposit {
	return &domain.Deposit{
		TxHash:    hash,
		LogIndex:  logIndex,
		ToAddress: "0xabc",
		OwnerID:   "alice",
		Token:     "0xtoken",
		Amount:    decimal.NewFromInt(100_000_000),
		Status:    domain.DepositStatusDetected,
	}
}

func TestDeposit_CreateIfAbsentIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateIfAbsent(ctx, newDeposit("0xt", 0))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, newDeposit("0xt", 0))
	require.NoError(t, err)
	assert.False(t, created)

	// 同一笔交易的另一个 log 是另一笔充值
	created, err = repo.CreateIfAbsent(ctx, newDeposit("0xt", 1))
	require.NoError(t, err)
	assert.True(t, created)

	n, err := repo.CountByStatus(ctx, domain.DepositStatusDetected)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	owned, err := repo.ListByOwner(ctx, "alice", nil, 1)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, uint(0), owned[0].LogIndex)

	owned, err = repo.ListByOwner(ctx, "alice", nil, 0)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestDeposit_TransitionCAS(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateIfAbsent(ctx, newDeposit("0xt", 0))
	require.NoError(t, err)
	d, err := repo.GetByTxID(ctx, domain.TxID{TxHash: "0xt", LogIndex: 0})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.Amount.Equal(decimal.NewFromInt(100_000_000)))

	d.Status = domain.DepositStatusSweeping
	ok, err := repo.Transition(ctx, d, domain.DepositStatusDetected)
	require.NoError(t, err)
	assert.True(t, ok)

	// 旧状态已经不是 detected，CAS 失败
	stale := *d
	stale.Status = domain.DepositStatusFailed
	ok, err = repo.Transition(ctx, &stale, domain.DepositStatusDetected)
	require.NoError(t, err)
	assert.False(t, ok)

	d.Status = domain.DepositStatusSwept
	d.SweepTxHash = "0xsweep"
	ok, err = repo.Transition(ctx, d, domain.DepositStatusSweeping)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByTxID(ctx, d.TxRef())
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusSwept, got.Status)
	assert.Equal(t, "0xsweep", got.SweepTxHash)

	pending, err := repo.ListByStatus(ctx, domain.PendingStatuses, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	owned, err := repo.ListByOwner(ctx, "alice", []domain.DepositStatus{domain.DepositStatusFailed}, 0)
	require.NoError(t, err)
	assert.Empty(t, owned)

	none, err := repo.GetByTxID(ctx, domain.TxID{TxHash: "0xother"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLedger_CreditAndBalanceInOneTx(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	credit := func() bool {
		var inserted bool
		err := repo.Transaction(ctx, func(txCtx context.Context) error {
			var err error
			inserted, err = repo.InsertCredit(txCtx, &domain.LedgerCredit{
				IdempotencyKey: "0xt:0", OwnerID: "alice", Token: "USDC", Amount: amount,
			})
			if err != nil || !inserted {
				return err
			}
			return repo.AddBalance(txCtx, "alice", "USDC", amount)
		})
		require.NoError(t, err)
		return inserted
	}

	assert.True(t, credit())
	assert.False(t, credit())

	bal, err := repo.GetBalance(ctx, "alice", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(amount), "got %s", bal.Available)

	empty, err := repo.GetBalance(ctx, "bob", "USDC")
	require.NoError(t, err)
	assert.True(t, empty.Available.IsZero())
}

func TestLedger_RollbackKeepsKeyUnused(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	boom := fmt.Errorf("crash before balance")

	err := repo.Transaction(ctx, func(txCtx context.Context) error {
		_, err := repo.InsertCredit(txCtx, &domain.LedgerCredit{
			IdempotencyKey: "0xt:0", OwnerID: "alice", Token: "USDC", Amount: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// 流水跟着回滚，之后还能正常入账
	inserted, err := repo.InsertCredit(ctx, &domain.LedgerCredit{
		IdempotencyKey: "0xt:0", OwnerID: "alice", Token: "USDC", Amount: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}
