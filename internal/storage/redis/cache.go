package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// generationTTL 代数键的保留时间，远大于缓存值的 TTL
const generationTTL = 24 * time.Hour

// setIfGenerationScript 代数未变时才写入缓存值
var setIfGenerationScript = goredis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// UnreadCache 缓存账户级未读数
//
// 缓存值只是统计结果的快照，任何已读状态或新邮件变化都会删除对应键并递增代数，
// 下次读取时重新统计。
type UnreadCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewUnreadCache 创建未读数缓存
func NewUnreadCache(client *Client, ttl time.Duration) *UnreadCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UnreadCache{rdb: client.Client(), ttl: ttl}
}

func unreadKey(accountID string) string {
	return fmt.Sprintf("crmmail:unread:%s", accountID)
}

func generationKey(accountID string) string {
	return fmt.Sprintf("crmmail:unread-gen:%s", accountID)
}

// Get 读取缓存的未读数，未命中时 ok 为 false
func (c *UnreadCache) Get(ctx context.Context, accountID string) (count int, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, unreadKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	count, err = strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return count, true, nil
}

// Generation 读取账户当前的缓存代数，不存在时为 0
func (c *UnreadCache) Generation(ctx context.Context, accountID string) (int64, error) {
	gen, err := c.rdb.Get(ctx, generationKey(accountID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetIfGeneration 代数仍为 generation 时写入未读数，返回是否写入
func (c *UnreadCache) SetIfGeneration(ctx context.Context, accountID string, count int, generation int64) (bool, error) {
	keys := []string{unreadKey(accountID), generationKey(accountID)}
	stored, err := setIfGenerationScript.Run(ctx, c.rdb, keys,
		strconv.FormatInt(generation, 10), count, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Invalidate 删除账户的未读数缓存并递增代数
func (c *UnreadCache) Invalidate(ctx context.Context, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range accountIDs {
			pipe.Del(ctx, unreadKey(id))
			pipe.Incr(ctx, generationKey(id))
			pipe.Expire(ctx, generationKey(id), generationTTL)
		}
		return nil
	})
	return err
}
