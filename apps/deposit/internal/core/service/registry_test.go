package service

import (
	"context"
	"errors"
	"testing"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/apps/deposit/internal/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RefreshAddsOnly(t *testing.T) {
	store := &mock.UserStore{}
	store.Add(domain.UserAddress{OwnerID: "u1", Address: "0xAAAA000000000000000000000000000000000001", DerivationIndex: 1})
	reg := NewRegistry(store)
	ctx := context.Background()

	require.NoError(t, reg.Refresh(ctx))
	assert.Equal(t, 1, reg.Len())

	ua, ok := reg.Snapshot().Lookup("0xaaaa000000000000000000000000000000000001")
	require.True(t, ok)
	assert.Equal(t, "u1", ua.OwnerID)

	// 用户库里同一个地址换了 owner，不覆盖已有条目
	store.Users[0].OwnerID = "hijack"
	store.Add(domain.UserAddress{OwnerID: "u2", Address: "0xaaaa000000000000000000000000000000000002", DerivationIndex: 2})
	require.NoError(t, reg.Refresh(ctx))
	assert.Equal(t, 2, reg.Len())
	ua, _ = reg.Snapshot().Lookup("0xAAAA000000000000000000000000000000000001")
	assert.Equal(t, "u1", ua.OwnerID)

	// 用户库里删掉也不移除
	store.Users = nil
	require.NoError(t, reg.Refresh(ctx))
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_RefreshError(t *testing.T) {
	store := &mock.UserStore{Err: errors.New("db down")}
	reg := NewRegistry(store)
	assert.Error(t, reg.Refresh(context.Background()))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	reg := NewRegistry(&mock.UserStore{})
	reg.RegisterImmediately(domain.UserAddress{OwnerID: "u1", Address: "0x0000000000000000000000000000000000000001"})

	before := reg.Snapshot()
	reg.RegisterImmediately(domain.UserAddress{OwnerID: "u2", Address: "0x0000000000000000000000000000000000000002"})

	// 旧快照不受后续注册影响
	assert.Equal(t, 1, before.Len())
	assert.Len(t, before.Addresses(), 1)
	_, ok := before.Lookup("0x0000000000000000000000000000000000000002")
	assert.False(t, ok)

	after := reg.Snapshot()
	assert.Equal(t, 2, after.Len())
	assert.Len(t, after.Addresses(), 2)
}

func TestRegistry_DuplicateRegisterKeepsSnapshot(t *testing.T) {
	reg := NewRegistry(&mock.UserStore{})
	ua := domain.UserAddress{OwnerID: "u1", Address: "0x0000000000000000000000000000000000000001"}
	reg.RegisterImmediately(ua)
	snap := reg.Snapshot()
	reg.RegisterImmediately(ua)
	assert.Same(t, snap, reg.Snapshot(), "没有新增时不换快照")
}
