package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 续期脚本：锁是自己的才续期，原子操作
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// RedisLockMaster 多副本选主：只有持有锁的节点执行扫块
type RedisLockMaster struct {
	rdb *redis.Client
	id  string // 当前节点的唯一ID
}

func NewRedisLockMaster(rdb *redis.Client) *RedisLockMaster {
	id := fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixNano())
	return &RedisLockMaster{
		rdb: rdb,
		id:  id,
	}
}

// ID 当前节点标识
func (r *RedisLockMaster) ID() string {
	return r.id
}

// TryAcquireMaster 抢主或续期，返回当前节点是否是主
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context, masterLockKey string, ttl time.Duration) (bool, error) {
	// SETNX + 过期时间，主挂了锁会自动释放
	ok, err := r.rdb.SetNX(ctx, masterLockKey, r.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// 抢锁失败，看看锁是不是自己的 (续期)
	res, err := r.rdb.Eval(ctx, renewScript, []string{masterLockKey}, r.id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Resign 主动让出 (只删自己的锁)
func (r *RedisLockMaster) Resign(ctx context.Context, masterLockKey string) error {
	return r.rdb.Eval(ctx, unlockScript, []string{masterLockKey}, r.id).Err()
}
