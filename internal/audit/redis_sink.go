package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// RedisSinkConfig 描述 Redis 审计通道的连接参数。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// RedisSink 把审计事件追加到 Redis list，供外部消费端拉取。
type RedisSink struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink 创建 Redis 审计通道。
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "secagent:audit"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisSink{client: client, key: key, timeout: timeout}, nil
}

// Emit 通过 RPUSH 保持事件的时间顺序。
func (s *RedisSink) Emit(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeQueueFailure, err, "序列化审计事件失败")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.RPush(ctx, s.key, encoded).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeQueueFailure, err, "Redis 写入审计事件失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
