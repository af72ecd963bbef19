package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"roomsync/backend/internal/channel"
)

// PresenceCache 中继侧的在线名单缓存。中继可以水平扩展，
// 名单落在 redis 里所有实例共享；逻辑 TTL 由心跳刷新。
type PresenceCache interface {
	// Touch 宣告/刷新成员状态，顺带续 TTL（心跳和 presence_track 都走这里）
	Touch(ctx context.Context, roomID, participantID string, st channel.MemberState, ttl time.Duration) error
	// Alive 当前未过期的成员状态表，顺带清掉已过期的
	Alive(ctx context.Context, roomID string) (map[string]channel.MemberState, error)
	Remove(ctx context.Context, roomID, participantID string) error
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Touch(ctx context.Context, roomID, participantID string, st channel.MemberState, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	// ZSET score 用 expireAt（Unix 秒）表达逻辑 TTL，刷新就是重写 score
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: participantID})
	tx.HSet(ctx, statesKey(roomID), participantID, raw)
	_, err = tx.Exec(ctx)
	return err
}

// 清理过期成员并返回清掉的数量；原子执行避免两步之间名单漂移
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) Alive(ctx context.Context, roomID string) (map[string]channel.MemberState, error) {
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(roomID), statesKey(roomID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string]channel.MemberState{}, nil
	}

	raws, err := p.rdb.HMGet(ctx, statesKey(roomID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make(map[string]channel.MemberState, len(ids))
	for i, v := range raws {
		var st channel.MemberState
		if s, ok := v.(string); ok && s != "" {
			if err := json.Unmarshal([]byte(s), &st); err != nil {
				continue // 状态损坏的成员直接跳过
			}
		} else {
			st = channel.MemberState{UserID: ids[i]}
		}
		members[ids[i]] = st
	}
	return members, nil
}

func (p *redisPresence) Remove(ctx context.Context, roomID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), participantID)
	tx.HDel(ctx, statesKey(roomID), participantID)
	_, err := tx.Exec(ctx)
	return err
}
