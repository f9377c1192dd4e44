package service

import (
	"context"
	"fmt"
	"log"

	"github.com/lvdashuaibi/securevote/internal/model"
)

// AuditPublisher 审计事件消息队列
type AuditPublisher interface {
	PublishAuditEvent(ctx context.Context, event *model.AuditEvent) error
}

// AuditLogStore 审计日志持久化
type AuditLogStore interface {
	SaveAuditLog(ctx context.Context, event *model.AuditEvent) error
}

// EventRelay 优先发往Kafka，发送失败时直接写数据库
type EventRelay struct {
	publisher AuditPublisher
	store     AuditLogStore
}

// NewEventRelay 两个参数都可以为nil
func NewEventRelay(publisher AuditPublisher, store AuditLogStore) *EventRelay {
	return &EventRelay{publisher: publisher, store: store}
}

func (r *EventRelay) Record(ctx context.Context, event *model.AuditEvent) {
	if r.publisher != nil {
		err := r.publisher.PublishAuditEvent(ctx, event)
		if err == nil {
			return
		}
		log.Printf("发送审计事件到Kafka失败: %v", err)
	}

	if r.store != nil {
		if err := r.store.SaveAuditLog(ctx, event); err != nil {
			log.Printf("写入审计日志失败: %v", err)
		} else {
			return
		}
	}

	log.Printf("[AUDIT] %s voter=%s %s", event.EventType, event.VoterID, event.Description)
}

// ProcessAuditEvent 处理审计事件（消费者使用）
func (r *EventRelay) ProcessAuditEvent(ctx context.Context, event *model.AuditEvent) error {
	if r.store == nil {
		log.Printf("[AUDIT] %s voter=%s %s", event.EventType, event.VoterID, event.Description)
		return nil
	}
	if err := r.store.SaveAuditLog(ctx, event); err != nil {
		return fmt.Errorf("处理审计事件写入数据库失败: %w", err)
	}
	return nil
}
