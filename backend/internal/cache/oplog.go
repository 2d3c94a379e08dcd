package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"textcollab/backend/internal/collab"
)

// 具体实现：基于 redis List 的操作日志。
// 列表里的版本是连续的，第一条的版本号决定了后面每条的下标。
type RedisOpLog struct {
	rdb redis.UniversalClient
}

var _ collab.OpLog = (*RedisOpLog)(nil)

// 单机 redis.Client 和 redis.ClusterClient 都满足 UniversalClient
func NewRedisOpLog(rdb redis.UniversalClient) *RedisOpLog {
	return &RedisOpLog{rdb: rdb}
}

func (l *RedisOpLog) Append(ctx context.Context, docID string, op collab.AppliedOp) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return l.rdb.RPush(ctx, opLogKey(docID), b).Err()
}

// Range 返回 Revision > fromRevision 的操作
func (l *RedisOpLog) Range(ctx context.Context, docID string, fromRevision uint64) ([]collab.AppliedOp, error) {
	key := opLogKey(docID)
	head, err := l.rdb.LIndex(ctx, key, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var first collab.AppliedOp
	if err := json.Unmarshal(head, &first); err != nil {
		return nil, fmt.Errorf("decode oplog head %s: %w", key, err)
	}

	// 起点早于日志里最老的版本时，从头返回，由调用方判断是否连续
	start := int64(0)
	if fromRevision >= first.Revision {
		start = int64(fromRevision - first.Revision + 1)
	}
	raw, err := l.rdb.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, err
	}
	ops := make([]collab.AppliedOp, 0, len(raw))
	for _, s := range raw {
		var op collab.AppliedOp
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			return nil, fmt.Errorf("decode oplog %s: %w", key, err)
		}
		if op.Revision <= fromRevision {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Trim 只保留最近 keep 条
func (l *RedisOpLog) Trim(ctx context.Context, docID string, keep int64) error {
	if keep <= 0 {
		return l.rdb.Del(ctx, opLogKey(docID)).Err()
	}
	return l.rdb.LTrim(ctx, opLogKey(docID), -keep, -1).Err()
}
