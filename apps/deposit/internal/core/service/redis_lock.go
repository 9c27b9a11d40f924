package service

import (
	"context"
	"errors"
	"time"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockBusy 热钱包锁被其他进程占用
var ErrLockBusy = errors.New("hot wallet lock busy")

// LocalLocker 单进程内的热钱包锁，支持 ctx 取消
type LocalLocker struct {
	ch chan struct{}
}

var _ domain.Locker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{ch: make(chan struct{}, 1)}
}

func (l *LocalLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisLocker 多副本部署时热钱包的分布式锁 (key 按热钱包地址)
type RedisLocker struct {
	local         *LocalLocker
	rdb           *redis.Client
	key           string
	ttl           time.Duration
	retryTimes    int
	retryInterval time.Duration
}

var _ domain.Locker = (*RedisLocker)(nil)

func NewRedisLocker(rdb *redis.Client, hotAddress string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		// 覆盖一次打 gas + 等回执
		ttl = 5 * time.Minute
	}
	return &RedisLocker{
		local:         NewLocalLocker(),
		rdb:           rdb,
		key:           "deposit:hotwallet:" + hotAddress,
		ttl:           ttl,
		retryTimes:    600,
		retryInterval: 100 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx)
	if err != nil {
		return nil, err
	}
	mutex := xredis.NewDistLock(l.rdb, l.key, l.ttl)
	locked, err := mutex.Lock(ctx, l.retryTimes, l.retryInterval)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	if !locked {
		unlockLocal()
		return nil, ErrLockBusy
	}
	return func() {
		// 业务 ctx 可能已经取消，解锁用独立 ctx
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if ok, err := mutex.Unlock(ctx); err != nil || !ok {
			logger.Warn(ctx, "hot wallet unlock failed, wait for ttl", zap.String("key", l.key), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
