// Package learning delivers clinical patterns from signed records to an
// external learner without blocking the signing request.
package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Pattern is what a signed record teaches: the signer's treatment for a
// diagnosis code.
type Pattern struct {
	ActorID       string    `json:"actor_id"`
	Code          string    `json:"code"`
	TreatmentText string    `json:"treatment_text"`
	RecordID      uuid.UUID `json:"record_id"`
}

type Learner interface {
	Learn(ctx context.Context, p Pattern) error
}

// RedisPublisher publishes each pattern as JSON on a pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Learn(ctx context.Context, pattern Pattern) error {
	b, err := json.Marshal(pattern)
	if err != nil {
		return fmt.Errorf("encode pattern: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish pattern to %s: %w", p.channel, err)
	}
	return nil
}

// LogLearner only logs patterns. Used when no Redis is configured.
type LogLearner struct {
	logger zerolog.Logger
}

func NewLogLearner(logger zerolog.Logger) *LogLearner {
	return &LogLearner{logger: logger}
}

func (l *LogLearner) Learn(_ context.Context, p Pattern) error {
	l.logger.Info().
		Str("actor_id", p.ActorID).
		Str("code", p.Code).
		Str("record_id", p.RecordID.String()).
		Int("treatment_len", len(p.TreatmentText)).
		Msg("clinical pattern")
	return nil
}
