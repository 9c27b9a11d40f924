package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/metrics"
	"fluxt.com/pkg/ratelimit"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ERC-20 Transfer 事件哈希: Keccak256("Transfer(address,address,uint256)")
const TransferEventHash = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"nonpayable","type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}
]`

// 原生币转账固定 gas
const nativeTransferGas = uint64(21000)

const breakerService = "deposit-chain"

var transferTopic = common.HexToHash(TransferEventHash)

// backend ethclient 用到的子集，测试里可以替换
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	RPCURL         string
	CallTimeout    time.Duration // 单次 RPC 超时
	MaxRetries     int           // 读接口失败重试次数 (发交易不重试)
	RetryBackoff   time.Duration
	RateLimit      float64 // 每秒请求数，0 不限
	RateBurst      int
	ReceiptPoll    time.Duration // 等回执的轮询间隔
	ReceiptTimeout time.Duration // 等回执的总超时
}

func (c *Config) withDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 3 * time.Minute
	}
}

type Adapter struct {
	client   backend
	chainID  *big.Int
	erc20    abi.ABI
	cfg      Config
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
}

// 确保实现接口
var _ domain.ChainClient = (*Adapter)(nil)

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", domain.ErrChainRPC, err)
	}
	return NewWithBackend(ctx, client, cfg)
}

// NewWithBackend 获取 ChainID (防止重放攻击) 并组装限流/熔断
func NewWithBackend(ctx context.Context, client backend, cfg Config) (*Adapter, error) {
	cfg.withDefaults()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	a := &Adapter{
		client:  client,
		erc20:   parsed,
		cfg:     cfg,
		limiter: ratelimit.NewStore(limit, cfg.RateBurst, 0),
		breakers: ratelimit.NewManager(ratelimit.Rule{
			TripConsecutiveFailures: 10,
			Timeout:                 30 * time.Second,
		}, nil,
			// 回执还没出来不代表节点不健康
			ratelimit.WithIgnoredErrors(ethereum.NotFound),
			ratelimit.WithStateChange(func(name string, from, to gobreaker.State) {
				metrics.SetBreakerState(breakerService, name, to.String())
				logger.Warn(context.Background(), "⚡ rpc circuit breaker state changed",
					zap.String("method", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}),
		),
	}

	err = a.read(ctx, "eth_chainId", func(ctx context.Context) error {
		id, err := client.ChainID(ctx)
		a.chainID = id
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// call 一次 RPC：限流 + 超时 + 熔断 + 耗时统计
func (a *Adapter) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := a.limiter.Wait(ctx, "rpc"); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := a.breakers.Execute(method, func() error { return fn(cctx) })
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "rejected"
		metrics.CBRejectTotal.WithLabelValues(breakerService, method, err.Error()).Inc()
	default:
		status = "error"
	}
	metrics.RPCDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
	return err
}

// read 读接口：失败按退避重试 MaxRetries 次，最终错误包 ErrChainRPC
func (a *Adapter) read(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %w", domain.ErrChainRPC, method, ctx.Err())
			case <-time.After(backoff):
			}
		}
		err = a.call(ctx, method, fn)
		if err == nil {
			return nil
		}
		// 熔断打开或者调用方取消，不再重试
		if ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
		logger.Debug(ctx, "rpc read failed, retrying",
			zap.String("method", method), zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrChainRPC, method, err)
}

// send 发交易：只发一次，绝不自动重试 (避免重复转账)
func (a *Adapter) send(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := a.call(ctx, method, fn); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrChainRPC, method, err)
	}
	return nil
}

func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := a.read(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		height, err = a.client.BlockNumber(ctx)
		return err
	})
	return height, err
}

// FilterTransfers 用 eth_getLogs 按 Transfer(_, to) 过滤，to 放在 topic[2]
func (a *Adapter) FilterTransfers(ctx context.Context, token common.Address, recipients []common.Address, from, to uint64) ([]domain.DetectedDeposit, error) {
	if len(recipients) == 0 || from > to {
		return nil, nil
	}
	toTopics := make([]common.Hash, 0, len(recipients))
	for _, r := range recipients {
		toTopics = append(toTopics, common.BytesToHash(r.Bytes()))
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{transferTopic}, nil, toTopics},
	}

	var logs []types.Log
	err := a.read(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = a.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	deposits := make([]domain.DetectedDeposit, 0, len(logs))
	for _, lg := range logs {
		d, ok := parseTransfer(lg)
		if !ok {
			continue
		}
		deposits = append(deposits, d)
	}
	return deposits, nil
}

// parseTransfer 解析: Topic[2] 是接收方，Data 是金额
func parseTransfer(lg types.Log) (domain.DetectedDeposit, bool) {
	if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic || len(lg.Data) != 32 {
		return domain.DetectedDeposit{}, false
	}
	return domain.DetectedDeposit{
		TxID: domain.TxID{
			TxHash:   lg.TxHash.Hex(),
			LogIndex: lg.Index, // 使用 Log 的全局索引
		},
		ToAddress:   strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Token:       strings.ToLower(lg.Address.Hex()),
		Amount:      new(big.Int).SetBytes(lg.Data),
		BlockNumber: lg.BlockNumber,
	}, true
}

func (a *Adapter) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := a.erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = a.read(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	values, err := a.erc20.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: decode balanceOf: %v", domain.ErrChainRPC, err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: decode balanceOf: unexpected type %T", domain.ErrChainRPC, values[0])
	}
	return balance, nil
}

func (a *Adapter) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := a.read(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		balance, err = a.client.BalanceAt(ctx, addr, nil)
		return err
	})
	return balance, err
}

func (a *Adapter) EstimateTokenTransferGas(ctx context.Context, token, from, to common.Address, amount *big.Int) (uint64, error) {
	data, err := a.erc20.Pack("transfer", to, amount)
	if err != nil {
		return 0, err
	}
	var gas uint64
	err = a.read(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = a.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
		return err
	})
	return gas, err
}

func (a *Adapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := a.read(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var err error
		price, err = a.client.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (a *Adapter) SendNative(ctx context.Context, from domain.Signer, to common.Address, value, gasPrice *big.Int) (common.Hash, error) {
	return a.signAndSend(ctx, from, func(nonce uint64) *types.Transaction {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      nativeTransferGas,
			GasPrice: gasPrice,
		})
	})
}

func (a *Adapter) SendTokenTransfer(ctx context.Context, from domain.Signer, token, to common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int) (common.Hash, error) {
	// 真正的转账金额和接收方放在 Data 里，Value 必须为 0
	data, err := a.erc20.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack data failed: %w", err)
	}
	return a.signAndSend(ctx, from, func(nonce uint64) *types.Transaction {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &token,
			Value:    big.NewInt(0),
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	})
}

// signAndSend 同一个地址的并发由调用方保证 (热钱包锁)
func (a *Adapter) signAndSend(ctx context.Context, from domain.Signer, build func(nonce uint64) *types.Transaction) (common.Hash, error) {
	var nonce uint64
	err := a.read(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		nonce, err = a.client.PendingNonceAt(ctx, from.Address())
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := from.SignTx(build(nonce), a.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	err = a.send(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return a.client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return common.Hash{}, err
	}

	logger.Info(ctx, "📤 tx sent",
		zap.String("from", from.Address().Hex()),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))
	return signed.Hash(), nil
}

// WaitMined 轮询回执直到上链或超时
func (a *Adapter) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		var receipt *types.Receipt
		err := a.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
			var err error
			receipt, err = a.client.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.Warn(ctx, "query receipt failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: wait receipt %s: %w", domain.ErrChainRPC, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
