package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"fluxt.com/apps/deposit/internal/app/orchestrator"
	"fluxt.com/apps/deposit/internal/app/scanner"
	"fluxt.com/apps/deposit/internal/core/service"
	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/apps/deposit/internal/infra/persistence"
	"fluxt.com/apps/deposit/internal/mock"
	"fluxt.com/pkg/hdwallet"
	"fluxt.com/pkg/orm"
	"fluxt.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMnemonic = "test test test test test test test test test test test junk"
	testHotKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testTxHash   = "0xabababababababababababababababababababababababababababababababab"
)

var testToken = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

type fixture struct {
	monitor   *Monitor
	repo      *persistence.Repo
	chain     *mock.Chain
	addresses *service.AddressService
	orch      *orchestrator.Orchestrator
}

func newFixture(t *testing.T, startBlock uint64) *fixture {
	t.Helper()
	db, err := orm.Open(sqlite.Open("file::memory:"), &orm.Config{MaxOpen: 1})
	require.NoError(t, err)
	repo := persistence.New(db)
	require.NoError(t, repo.AutoMigrate())

	wallet, err := hdwallet.New(testMnemonic)
	require.NoError(t, err)
	hot, err := hdwallet.SignerFromHex(testHotKey)
	require.NoError(t, err)

	chain := mock.NewChain()
	registry := service.NewRegistry(repo)
	sweeper := service.NewSweepService(chain, wallet, hot, service.NewLocalLocker())
	orch := orchestrator.New(orchestrator.Config{
		Custody:       hot.Address(),
		Token:         testToken,
		TokenSymbol:   "USDC",
		TokenDecimals: 6,
	}, registry, repo, sweeper, service.NewLedgerService(repo), &mock.Notifier{})
	engine := scanner.New(&scanner.Config{Chain: "base", Token: testToken, StartBlock: startBlock},
		chain, registry, orch, repo, nil)

	// 间隔很长，测试里只跑 Start 时的第一轮
	m := New(Config{
		ScanInterval:         time.Hour,
		RefreshInterval:      time.Hour,
		RetryInterval:        time.Hour,
		ManualLookbackBlocks: 100,
		Token:                testToken,
	}, registry, engine, orch, repo, repo, chain)
	t.Cleanup(m.Stop)

	return &fixture{
		monitor:   m,
		repo:      repo,
		chain:     chain,
		addresses: service.NewAddressService(repo, wallet, registry),
		orch:      orch,
	}
}

func (f *fixture) provision(t *testing.T, n int) []*domain.UserAddress {
	t.Helper()
	out := make([]*domain.UserAddress, 0, n)
	for i := 0; i < n; i++ {
		ua, err := f.addresses.GenerateAddress(context.Background(), fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		out = append(out, ua)
	}
	return out
}

func (f *fixture) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	bal, err := f.repo.GetBalance(context.Background(), owner, "USDC")
	require.NoError(t, err)
	return bal.Available
}

func transfer(to string, block uint64, amount int64) domain.DetectedDeposit {
	return domain.DetectedDeposit{
		TxID:        domain.TxID{TxHash: testTxHash, LogIndex: 0},
		ToAddress:   to,
		Token:       strings.ToLower(testToken.Hex()),
		Amount:      big.NewInt(amount),
		BlockNumber: block,
	}
}

func TestMonitor_EndToEnd(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	users := f.provision(t, 6)
	target := users[5]
	require.Equal(t, int64(5), target.DerivationIndex)

	d := transfer(target.Address, 104, 100_000_000)
	f.chain.AddTransfer(d)
	f.chain.SetHead(110)

	require.NoError(t, f.monitor.Start(ctx))
	require.Eventually(t, func() bool {
		return f.balance(t, "user-5").Equal(decimal.NewFromInt(100))
	}, 5*time.Second, 20*time.Millisecond)
	f.monitor.Stop()

	rec, err := f.repo.GetByTxID(ctx, d.TxID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusCredited, rec.Status)
	assert.Equal(t, int64(0), f.chain.TokenBalanceOf(common.HexToAddress(target.Address)).Int64())

	st, err := f.monitor.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Monitoring)
	assert.Equal(t, 6, st.AddressCount)
	assert.Equal(t, uint64(110), st.LastScannedBlock)
	assert.Equal(t, uint64(110), st.CurrentBlock)
	assert.Equal(t, int64(0), st.PendingDeposits)
	assert.Equal(t, int64(0), st.FailedDeposits)

	// 再观察到同一个 (T,0) 不会重复入账
	require.NoError(t, f.orch.HandleDetected(ctx, d))
	assert.True(t, f.balance(t, "user-5").Equal(decimal.NewFromInt(100)))
}

func TestMonitor_StartStop(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.chain.SetHead(10)

	require.NoError(t, f.monitor.Start(ctx))
	require.NoError(t, f.monitor.Start(ctx), "重复启动无副作用")
	assert.True(t, f.monitor.Running())

	f.monitor.Stop()
	f.monitor.Stop()
	assert.False(t, f.monitor.Running())

	// 停了之后可以再启动
	require.NoError(t, f.monitor.Start(ctx))
	assert.True(t, f.monitor.Running())
}

func TestMonitor_CheckDepositRescansMissedTransfer(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	users := f.provision(t, 2)
	target := users[1]

	// 游标已经越过这笔转入 (例如地址在扫块中途才注册)
	require.NoError(t, f.repo.SaveCursor(ctx, "base", 200))
	f.chain.SetHead(200)
	f.chain.AddTransfer(transfer(target.Address, 150, 2_000_000))

	res, err := f.monitor.CheckDeposit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Rescanned)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, "2000000", res.Balance)
	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(2)))

	// 余额已经归集，再检查不补扫
	res, err = f.monitor.CheckDeposit(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Rescanned)
	assert.Equal(t, "0", res.Balance)
	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(2)))

	_, err = f.monitor.CheckDeposit(ctx, "nobody")
	assert.True(t, xerr.IsCode(err, xerr.RecordNotFound))
}

func TestMonitor_RegisterAddress(t *testing.T) {
	f := newFixture(t, 0)
	f.monitor.RegisterAddress(domain.UserAddress{OwnerID: "u", Address: "0x00000000000000000000000000000000000000aa", DerivationIndex: 99})
	st, err := f.monitor.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.AddressCount)
}
