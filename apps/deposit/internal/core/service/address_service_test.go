package service

import (
	"context"
	"testing"

	"fluxt.com/apps/deposit/internal/mock"
	"fluxt.com/pkg/hdwallet"
	"fluxt.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAddress(t *testing.T) {
	wallet, err := hdwallet.New(testMnemonic)
	require.NoError(t, err)
	repo := newTestRepo(t)
	reg := NewRegistry(&mock.UserStore{})
	svc := NewAddressService(repo, wallet, reg)
	ctx := context.Background()

	tests := []struct {
		name      string
		owner     string
		wantIndex int64
		wantAddr  string
	}{
		{"第一个用户拿 index 0", "user-0", 0, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"},
		{"第二个用户拿 index 1", "user-1", 1, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"},
		{"重复申请返回原地址", "user-0", 0, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ua, err := svc.GenerateAddress(ctx, tt.owner)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndex, ua.DerivationIndex)
			assert.Equal(t, tt.wantAddr, ua.Address)

			// 马上进入监控
			got, ok := reg.Snapshot().Lookup(tt.wantAddr)
			require.True(t, ok)
			assert.Equal(t, tt.owner, got.OwnerID)
		})
	}

	_, err = svc.GenerateAddress(ctx, "")
	assert.True(t, xerr.IsCode(err, xerr.RequestParamsError))
}
