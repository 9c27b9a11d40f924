package service

import (
	"context"
	"math/big"
	"testing"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/apps/deposit/internal/mock"
	"fluxt.com/pkg/hdwallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "test test test test test test test test test test test junk"

var (
	testToken = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	// hardhat 账户 #0 做热钱包
	testHotKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func newSweepFixture(t *testing.T) (*SweepService, *mock.Chain, *hdwallet.HDWallet, *hdwallet.Signer) {
	t.Helper()
	wallet, err := hdwallet.New(testMnemonic)
	require.NoError(t, err)
	hot, err := hdwallet.SignerFromHex(testHotKey)
	require.NoError(t, err)
	chain := mock.NewChain()
	return NewSweepService(chain, wallet, hot, NewLocalLocker()), chain, wallet, hot
}

func TestGasFunding(t *testing.T) {
	// 65000 * 1 gwei * 1.2
	assert.Equal(t, "78000000000000", GasFunding(65000, big.NewInt(1_000_000_000)).String())
	// 整数除法向下取整
	assert.Equal(t, "25", GasFunding(7, big.NewInt(3)).String())
}

func TestSweep_ZeroBalanceIsNoop(t *testing.T) {
	svc, chain, _, hot := newSweepFixture(t)

	hash, err := svc.Sweep(context.Background(), 5, hot.Address(), testToken)
	require.NoError(t, err)
	assert.Equal(t, "", hash)
	assert.Empty(t, chain.SentTxs(), "余额为 0 不能发任何交易")
}

func TestSweep_FundsGasOnceThenTransfers(t *testing.T) {
	svc, chain, wallet, hot := newSweepFixture(t)
	addr, signer, err := wallet.Derive(5)
	require.NoError(t, err)
	chain.SetTokenBalance(signer.Address(), big.NewInt(100_000_000))

	hash, err := svc.Sweep(context.Background(), 5, hot.Address(), testToken)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	sent := chain.SentTxs()
	require.Len(t, sent, 2)

	// 先打 gas：热钱包 -> 充值地址，金额 est × price × 1.2
	assert.Equal(t, "native", sent[0].Kind)
	assert.Equal(t, hot.Address(), sent[0].From)
	assert.Equal(t, common.HexToAddress(addr), sent[0].To)
	assert.Equal(t, GasFunding(chain.Gas, chain.GasPrice).String(), sent[0].Value.String())

	// 再转 token：全部余额转 custody，复用 gas 估算和报价
	assert.Equal(t, "token", sent[1].Kind)
	assert.Equal(t, signer.Address(), sent[1].From)
	assert.Equal(t, hot.Address(), sent[1].To)
	assert.Equal(t, int64(100_000_000), sent[1].Value.Int64())
	assert.Equal(t, chain.Gas, sent[1].GasLimit)
	assert.Equal(t, chain.GasPrice.String(), sent[1].GasPrice.String())
	assert.Equal(t, sent[1].Hash.Hex(), hash)

	assert.Equal(t, int64(0), chain.TokenBalanceOf(signer.Address()).Int64())
	assert.Equal(t, int64(100_000_000), chain.TokenBalanceOf(hot.Address()).Int64())

	// 再次归集：余额为 0，直接返回
	again, err := svc.Sweep(context.Background(), 5, hot.Address(), testToken)
	require.NoError(t, err)
	assert.Equal(t, "", again)
	assert.Len(t, chain.SentTxs(), 2)
}

func TestSweep_EnoughNativeSkipsFunding(t *testing.T) {
	svc, chain, wallet, hot := newSweepFixture(t)
	_, signer, err := wallet.Derive(1)
	require.NoError(t, err)
	chain.SetTokenBalance(signer.Address(), big.NewInt(7))
	chain.NativeBalances[signer.Address()] = big.NewInt(1e18)

	_, err = svc.Sweep(context.Background(), 1, hot.Address(), testToken)
	require.NoError(t, err)
	sent := chain.SentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, "token", sent[0].Kind)
}

func TestSweep_ZeroGasPriceFallsBack(t *testing.T) {
	svc, chain, wallet, hot := newSweepFixture(t)
	_, signer, err := wallet.Derive(2)
	require.NoError(t, err)
	chain.SetTokenBalance(signer.Address(), big.NewInt(7))
	chain.GasPrice = big.NewInt(0)

	_, err = svc.Sweep(context.Background(), 2, hot.Address(), testToken)
	require.NoError(t, err)
	sent := chain.SentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, FallbackGasPrice.String(), sent[0].GasPrice.String())
	assert.Equal(t, GasFunding(chain.Gas, FallbackGasPrice).String(), sent[0].Value.String())
}

func TestSweep_Errors(t *testing.T) {
	t.Run("打 gas 失败", func(t *testing.T) {
		svc, chain, wallet, hot := newSweepFixture(t)
		_, signer, _ := wallet.Derive(3)
		chain.SetTokenBalance(signer.Address(), big.NewInt(7))
		chain.SendNatErr = assert.AnError

		_, err := svc.Sweep(context.Background(), 3, hot.Address(), testToken)
		assert.ErrorIs(t, err, domain.ErrGasFundingFailed)
		assert.Empty(t, chain.SentTxs(), "打 gas 失败不能继续转 token")
	})

	t.Run("token 转账回执失败", func(t *testing.T) {
		svc, chain, wallet, hot := newSweepFixture(t)
		_, signer, _ := wallet.Derive(3)
		chain.SetTokenBalance(signer.Address(), big.NewInt(7))
		chain.RevertTokens = true

		_, err := svc.Sweep(context.Background(), 3, hot.Address(), testToken)
		assert.ErrorIs(t, err, domain.ErrSweepTransferFailed)
	})

	t.Run("读余额失败", func(t *testing.T) {
		svc, chain, _, hot := newSweepFixture(t)
		chain.BalanceErr = assert.AnError

		_, err := svc.Sweep(context.Background(), 3, hot.Address(), testToken)
		assert.ErrorIs(t, err, domain.ErrChainRPC)
	})

	t.Run("非法 index", func(t *testing.T) {
		svc, _, _, hot := newSweepFixture(t)
		_, err := svc.Sweep(context.Background(), -1, hot.Address(), testToken)
		assert.ErrorIs(t, err, hdwallet.ErrInvalidIndex)
	})
}
