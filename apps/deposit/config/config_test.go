package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fluxt.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMnemonic = "test test test test test test test test test test test junk"
	testHotKey   = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testHotAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deposit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
mysql:
  data_source: "root:root@tcp(127.0.0.1:3306)/fluxt?parseTime=true"
chain:
  rpc_url: "http://127.0.0.1:8545"
custody:
  hot_address: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
  token_address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
monitor:
  scan_interval: 5s
`

func setSecrets(t *testing.T) {
	t.Setenv("DEPOSIT_CUSTODY_MASTER_MNEMONIC", testMnemonic)
	t.Setenv("DEPOSIT_CUSTODY_HOT_PRIVATE_KEY", testHotKey)
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setSecrets(t)
	t.Setenv("DEPOSIT_MONITOR_CONFIRMATIONS", "3")

	c, v, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, testMnemonic, c.Custody.MasterMnemonic.Reveal())
	assert.Equal(t, uint64(3), c.Monitor.Confirmations)
	assert.Equal(t, 5*time.Second, c.Monitor.ScanInterval)
	assert.Equal(t, 30*time.Second, c.Monitor.RefreshInterval)
	assert.Equal(t, 15*time.Second, c.Chain.CallTimeout)
	assert.Equal(t, uint64(1000), c.Monitor.MaxRange)
	assert.Equal(t, int32(6), c.Custody.TokenDecimals)
	assert.Equal(t, "USDC", c.Custody.TokenSymbol)
	assert.Equal(t, "info", c.Log.Level)
	assert.True(t, c.Monitor.AutoStart)
}

func TestLoad_RejectsMissingOrInvalid(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"缺助记词", map[string]string{"DEPOSIT_CUSTODY_MASTER_MNEMONIC": ""}, "custody.master_mnemonic"},
		{"缺热钱包私钥", map[string]string{"DEPOSIT_CUSTODY_HOT_PRIVATE_KEY": ""}, "hot_private_key"},
		{"私钥和地址不匹配", map[string]string{"DEPOSIT_CUSTODY_HOT_PRIVATE_KEY": "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"}, "custody.hot_private_key"},
		{"缺 RPC", map[string]string{"DEPOSIT_CHAIN_RPC_URL": " "}, "chain.rpc_url"},
		{"token 地址非法", map[string]string{"DEPOSIT_CUSTODY_TOKEN_ADDRESS": "usdc"}, "custody.token_address"},
		{"DSN 非法", map[string]string{"DEPOSIT_MYSQL_DATA_SOURCE": "not a dsn"}, "mysql.data_source"},
		{"选主需要 redis", map[string]string{"DEPOSIT_MONITOR_LEADER_KEY": "k"}, "monitor.leader_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setSecrets(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, _, err := Load(writeConfig(t, validYAML))
			require.Error(t, err)
			assert.True(t, xerr.IsCode(err, xerr.ConfigError), err.Error())
			assert.Contains(t, err.Error(), tt.field)
			assert.NotContains(t, err.Error(), "junk", "错误信息不能带助记词")
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, xerr.IsCode(err, xerr.ConfigError))
}
