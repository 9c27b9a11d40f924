package service

import (
	"context"
	"fmt"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/xerr"
	"go.uber.org/zap"
)

// AddressDeriver index -> 地址
type AddressDeriver interface {
	Address(index int64) (string, error)
}

// AddressRegistrar 新地址马上进入监控
type AddressRegistrar interface {
	RegisterImmediately(addr domain.UserAddress)
}

type AddressService struct {
	repo      domain.AddressRepo
	deriver   AddressDeriver
	registrar AddressRegistrar
}

func NewAddressService(repo domain.AddressRepo, deriver AddressDeriver, registrar AddressRegistrar) *AddressService {
	return &AddressService{
		repo:      repo,
		deriver:   deriver,
		registrar: registrar,
	}
}

// GenerateAddress 为用户分配充值地址，已有则直接返回
func (s *AddressService) GenerateAddress(ctx context.Context, ownerID string) (*domain.UserAddress, error) {
	if ownerID == "" {
		return nil, xerr.New(xerr.RequestParamsError, "owner_id is required")
	}

	ua, err := s.repo.CreateNext(ctx, ownerID, s.deriver.Address)
	if err != nil {
		logger.Error(ctx, "Save addresses failed", zap.String("owner", ownerID), zap.Error(err))
		return nil, fmt.Errorf("generate address for %s: %w", ownerID, err)
	}
	// 不等下一次刷新，避免刷新前到账的充值漏掉
	s.registrar.RegisterImmediately(*ua)

	logger.Info(ctx, "✅ 地址生成成功",
		zap.String("owner", ownerID),
		zap.Int64("index", ua.DerivationIndex),
		zap.String("address", ua.Address))
	return ua, nil
}
