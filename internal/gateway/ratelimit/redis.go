package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript はINCRと初回のPEXPIREを1回の呼び出しで行う。
// 期限が失われたキー（PTTLが-1）には期限を付け直す。
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore はRedisでカウンタを保持するStore。
// 複数のゲートウェイインスタンスでカウンタを共有する。
type RedisStore struct {
	rdb redis.Scripter
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Incr はStoreを実装する。
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s.rdb == nil {
		return 0, 0, errors.New("redisクライアントがnilです")
	}

	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res, err := incrScript.Run(ctx, s.rdb, []string{key}, ms).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("カウンタの更新に失敗: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("スクリプトの戻り値が不正です: %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
