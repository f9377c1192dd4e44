package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/segmentio/kafka-go"
)

// Producer 审计事件和验证码投递共用的生产者
type Producer struct {
	writer     *kafka.Writer
	auditTopic string
	otpTopic   string
}

func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	// 主题由消息指定，按选民编号Hash分区，同一选民的事件保持顺序
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:     writer,
		auditTopic: cfg.AuditTopic,
		otpTopic:   cfg.OTPTopic,
	}, nil
}

// PublishAuditEvent 发送审计事件
func (p *Producer) PublishAuditEvent(ctx context.Context, event *model.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}

	msg := kafka.Message{
		Topic: p.auditTopic,
		Key:   []byte(event.VoterID),
		Value: data,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送审计事件失败: %w", err)
	}
	return nil
}

// SendOTP 把验证码交给短信网关消费的主题
func (p *Producer) SendOTP(ctx context.Context, d *model.OtpDelivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("序列化验证码消息失败: %w", err)
	}

	msg := kafka.Message{
		Topic: p.otpTopic,
		Key:   []byte(d.VoterID),
		Value: data,
		Time:  time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送验证码消息失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
