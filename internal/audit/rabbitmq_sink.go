package audit

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// RabbitMQSinkConfig 描述 RabbitMQ 审计通道的连接参数。
type RabbitMQSinkConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQSink 把审计事件发布到 RabbitMQ 队列。
type RabbitMQSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

var _ Sink = (*RabbitMQSink)(nil)

// NewRabbitMQSink 创建 RabbitMQ 审计通道。
func NewRabbitMQSink(cfg RabbitMQSinkConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "secagent.audit"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, apperrors.Wrap(apperrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

func (s *RabbitMQSink) Emit(ctx context.Context, event Event) error {
	if s == nil || s.ch == nil {
		return apperrors.New(apperrors.CodeQueueFailure, "RabbitMQ 通道未初始化")
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeQueueFailure, err, "序列化审计事件失败")
	}
	err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        encoded,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeQueueFailure, err, "RabbitMQ 发布审计事件失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
