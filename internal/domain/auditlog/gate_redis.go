package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisViewGate admits the first view per (record, actor) in each window across
// every instance sharing the Redis server.
type RedisViewGate struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisViewGate(rdb *redis.Client) *RedisViewGate {
	return &RedisViewGate{rdb: rdb, prefix: "emr:view"}
}

func (g *RedisViewGate) key(recordID uuid.UUID, actorID string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, recordID, actorID)
}

func (g *RedisViewGate) Admit(ctx context.Context, recordID uuid.UUID, actorID string, window time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.key(recordID, actorID), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("view gate: %w", err)
	}
	return ok, nil
}
