// 钱包功能：助记词 -> BIP44 派生充值地址 + 归集签名能力
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"fluxt.com/pkg/xerr"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// CoinTypeETH BIP44 以太坊 coin type
const CoinTypeETH = 60

// MaxIndex 非 hardened 子节点上限 (2^31 - 1)
const MaxIndex = int64(hdkeychain.HardenedKeyStart - 1)

// ErrInvalidIndex 派生序号非法 (负数或越界)，属于调用方编程错误
var ErrInvalidIndex = errors.New("hdwallet: invalid derivation index")

type HDWallet struct {
	// m/44'/60'/0'/0 节点，派生时只需要再走一层
	externalKey *hdkeychain.ExtendedKey
}

// New 根据助记词构造钱包，助记词缺失或非法直接返回配置错误
func New(mnemonic string) (*HDWallet, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, xerr.NewConfigError("master_mnemonic", "missing")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, xerr.NewConfigError("master_mnemonic", "not a valid bip39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	// netParams 只影响 xprv 序列化前缀，地址推导与它无关
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, xerr.NewConfigError("master_mnemonic", err.Error())
	}

	// BIP44 路径: m / 44' / 60' / 0' / 0
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		CoinTypeETH + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
	}
	key := master
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, xerr.NewConfigError("master_mnemonic", err.Error())
		}
	}
	return &HDWallet{externalKey: key}, nil
}

// Derive 派生 m/44'/60'/0'/0/{index} 的地址和签名器
func (w *HDWallet) Derive(index int64) (string, *Signer, error) {
	if index < 0 || index > MaxIndex {
		return "", nil, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	child, err := w.externalKey.Derive(uint32(index))
	if err != nil {
		return "", nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	privKey, err := child.ECPrivKey()
	if err != nil {
		return "", nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	signer := newSigner(privKey)
	return signer.Address().Hex(), signer, nil
}

// Address 只要地址的快捷方法
func (w *HDWallet) Address(index int64) (string, error) {
	addr, _, err := w.Derive(index)
	return addr, err
}

// Signer 持有私钥的签名器。私钥不导出，只能用来签交易
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newSigner(privKey *btcec.PrivateKey) *Signer {
	key := privKey.ToECDSA()
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// SignerFromHex 从十六进制私钥构造签名器 (热钱包)
func SignerFromHex(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerr.NewConfigError("hot_private_key", "missing")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerr.NewConfigError("hot_private_key", "malformed")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx 用 EIP-155 签名
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// String 只输出地址，防止 %v 把私钥打进日志
func (s *Signer) String() string {
	return s.address.Hex()
}
