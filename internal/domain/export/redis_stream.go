package export

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-call-server-golang/internal/data/model"
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream 以 XADD 追加到 Redis Stream, 下游用消费组读取
type RedisStream struct {
	client streamAdder
	stream string
	maxLen int64
}

func NewRedisStream(client streamAdder, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Export(ctx context.Context, rec *model.CallRecord) error {
	payload, err := Marshal(rec, time.Now())
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"session_id":  rec.SessionID,
			"campaign_id": rec.CampaignID,
			"outcome":     string(rec.Outcome),
			"payload":     payload,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Close 客户端由 internal/db/redis 统一关闭
func (r *RedisStream) Close() error { return nil }
