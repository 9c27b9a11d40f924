package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer 能对交易签名的账户 (充值地址或热钱包)，私钥不出这个接口
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ChainClient 链上 RPC 适配器，屏蔽 ethclient 细节
// 读接口失败返回的错误都包了 ErrChainRPC
type ChainClient interface {
	// 当前区块高度
	BlockNumber(ctx context.Context) (uint64, error)
	// 查询 [from, to] 闭区间内 token 转入 recipients 的 Transfer 事件
	FilterTransfers(ctx context.Context, token common.Address, recipients []common.Address, from, to uint64) ([]DetectedDeposit, error)
	// ERC20 balanceOf
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	// 原生币余额 (付 gas 用)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	// 估算 token.transfer(to, amount) 的 gas
	EstimateTokenTransferGas(ctx context.Context, token, from, to common.Address, amount *big.Int) (uint64, error)
	// 当前 gas price
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// 发送原生币，只发送不等待
	SendNative(ctx context.Context, from Signer, to common.Address, value, gasPrice *big.Int) (common.Hash, error)
	// 发送 token.transfer，只发送不等待
	SendTokenTransfer(ctx context.Context, from Signer, token, to common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int) (common.Hash, error)
	// 等待交易上链，返回回执
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Locker 热钱包串行发交易用的锁
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}
