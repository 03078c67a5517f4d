package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/dagflow/internal/pool"
	"github.com/BaSui01/dagflow/workflow"
)

// RedisEventSink 将引擎事件发布到 Redis 频道 keyPrefix+"events:"+channel，
// 供其他实例或外部系统订阅。
type RedisEventSink struct {
	client    redis.UniversalClient
	keyPrefix string
	timeout   time.Duration
}

// DefaultPublishTimeout 单次发布的上限；引擎在执行循环里同步调用 Publish
const DefaultPublishTimeout = 500 * time.Millisecond

// SinkOption 事件发布器选项
type SinkOption func(*RedisEventSink)

// WithPublishTimeout 设置单次发布超时，非正值忽略
func WithPublishTimeout(d time.Duration) SinkOption {
	return func(s *RedisEventSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRedisEventSink 创建事件发布器
func NewRedisEventSink(client redis.UniversalClient, keyPrefix string, opts ...SinkOption) *RedisEventSink {
	if keyPrefix == "" {
		keyPrefix = "dagflow:"
	}
	s := &RedisEventSink{client: client, keyPrefix: keyPrefix, timeout: DefaultPublishTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel 返回引擎频道对应的 Redis 频道名
func (s *RedisEventSink) Channel(channel string) string {
	return s.keyPrefix + "events:" + channel
}

// Publish implements workflow.EventSink.
func (s *RedisEventSink) Publish(ctx context.Context, channel string, event workflow.Event) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	// Encode 追加的换行不属于消息体
	payload := buf.Bytes()[:buf.Len()-1]

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.Channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", channel, err)
	}
	return nil
}

// Subscribe 订阅引擎频道，返回的 PubSub 由调用方关闭
func (s *RedisEventSink) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = s.Channel(ch)
	}
	return s.client.Subscribe(ctx, names...)
}

// DecodeEvent 解析 Subscribe 收到的消息
func DecodeEvent(msg *redis.Message) (workflow.Event, error) {
	var ev workflow.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return workflow.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

var _ workflow.EventSink = (*RedisEventSink)(nil)
