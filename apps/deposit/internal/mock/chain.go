// Package mock 内存版链和依赖，给各层测试用
package mock

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"fluxt.com/apps/deposit/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type FilterCall struct {
	From, To   uint64
	Recipients []common.Address
}

type SentTx struct {
	Kind     string // native / token
	From     common.Address
	To       common.Address
	Token    common.Address
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Hash     common.Hash
}

// Chain 内存链：发出去的交易立即"上链"并修改余额
type Chain struct {
	mu sync.Mutex

	Head      uint64
	HeadErr   error
	Transfers []domain.DetectedDeposit
	FilterErr error
	// 每次 FilterTransfers 查询前回调 (模拟查询进行中发生的事)
	OnFilter    func()
	FilterCalls []FilterCall

	TokenBalances  map[common.Address]*big.Int
	NativeBalances map[common.Address]*big.Int
	BalanceErr     error
	Gas            uint64
	GasPrice       *big.Int

	Sent         []SentTx
	SendTokenErr error
	SendNatErr   error
	RevertTokens bool // token 转账回执 status=0

	nonce    uint64
	receipts map[common.Hash]*types.Receipt
}

var _ domain.ChainClient = (*Chain)(nil)

func NewChain() *Chain {
	return &Chain{
		TokenBalances:  make(map[common.Address]*big.Int),
		NativeBalances: make(map[common.Address]*big.Int),
		Gas:            65000,
		GasPrice:       big.NewInt(1_000_000_000),
		receipts:       make(map[common.Hash]*types.Receipt),
	}
}

func (c *Chain) SetHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Head = h
}

// AddTransfer 在链上"发生"一笔 token 转入
func (c *Chain) AddTransfer(d domain.DetectedDeposit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transfers = append(c.Transfers, d)
	to := common.HexToAddress(d.ToAddress)
	c.addLocked(c.TokenBalances, to, d.Amount)
}

func (c *Chain) SetTokenBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TokenBalances[addr] = new(big.Int).Set(v)
}

func (c *Chain) TokenBalanceOf(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(c.TokenBalances, addr)
}

func (c *Chain) SentTxs() []SentTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentTx(nil), c.Sent...)
}

func (c *Chain) Filters() []FilterCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FilterCall(nil), c.FilterCalls...)
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrChainRPC, c.HeadErr)
	}
	return c.Head, nil
}

func (c *Chain) FilterTransfers(_ context.Context, token common.Address, recipients []common.Address, from, to uint64) ([]domain.DetectedDeposit, error) {
	c.mu.Lock()
	hook := c.OnFilter
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.FilterCalls = append(c.FilterCalls, FilterCall{From: from, To: to, Recipients: append([]common.Address(nil), recipients...)})
	if c.FilterErr != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrChainRPC, c.FilterErr)
	}
	want := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		want[strings.ToLower(r.Hex())] = true
	}
	var out []domain.DetectedDeposit
	for _, d := range c.Transfers {
		if d.BlockNumber < from || d.BlockNumber > to {
			continue
		}
		if !strings.EqualFold(d.Token, token.Hex()) || !want[strings.ToLower(d.ToAddress)] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Chain) TokenBalance(_ context.Context, _, holder common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BalanceErr != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrChainRPC, c.BalanceErr)
	}
	return c.balanceLocked(c.TokenBalances, holder), nil
}

func (c *Chain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(c.NativeBalances, addr), nil
}

func (c *Chain) EstimateTokenTransferGas(context.Context, common.Address, common.Address, common.Address, *big.Int) (uint64, error) {
	return c.Gas, nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Chain) SendNative(_ context.Context, from domain.Signer, to common.Address, value, gasPrice *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendNatErr != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", domain.ErrChainRPC, c.SendNatErr)
	}
	hash := c.nextHashLocked()
	c.Sent = append(c.Sent, SentTx{Kind: "native", From: from.Address(), To: to, Value: new(big.Int).Set(value), GasLimit: 21000, GasPrice: gasPrice, Hash: hash})
	c.addLocked(c.NativeBalances, to, value)
	c.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	return hash, nil
}

func (c *Chain) SendTokenTransfer(_ context.Context, from domain.Signer, token, to common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendTokenErr != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", domain.ErrChainRPC, c.SendTokenErr)
	}
	hash := c.nextHashLocked()
	c.Sent = append(c.Sent, SentTx{Kind: "token", From: from.Address(), To: to, Token: token, Value: new(big.Int).Set(amount), GasLimit: gasLimit, GasPrice: gasPrice, Hash: hash})
	status := types.ReceiptStatusSuccessful
	if c.RevertTokens {
		status = types.ReceiptStatusFailed
	} else {
		c.addLocked(c.TokenBalances, from.Address(), new(big.Int).Neg(amount))
		c.addLocked(c.TokenBalances, to, amount)
	}
	c.receipts[hash] = &types.Receipt{Status: status, TxHash: hash}
	return hash, nil
}

func (c *Chain) WaitMined(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tx %s", domain.ErrChainRPC, hash.Hex())
	}
	return r, nil
}

func (c *Chain) nextHashLocked() common.Hash {
	c.nonce++
	return crypto.Keccak256Hash(new(big.Int).SetUint64(c.nonce).Bytes())
}

func (c *Chain) balanceLocked(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if v, ok := m[addr]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (c *Chain) addLocked(m map[common.Address]*big.Int, addr common.Address, delta *big.Int) {
	cur := c.balanceLocked(m, addr)
	m[addr] = cur.Add(cur, delta)
}
