package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/segmentio/kafka-go"
)

// MessageHandler 审计事件处理函数
type MessageHandler func(ctx context.Context, event *model.AuditEvent) error

// Consumer 以消费者组方式读取审计主题，多个worker并发处理
type Consumer struct {
	reader     *kafka.Reader
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	wg         sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.AuditTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	log.Printf("创建审计事件消费者，主题: %s, GroupID: %s", cfg.AuditTopic, cfg.GroupID)

	return &Consumer{
		reader:     reader,
		ctx:        ctx,
		cancel:     cancel,
		numWorkers: numWorkers,
	}
}

// StartConsuming 启动读取循环和处理worker
func (c *Consumer) StartConsuming(handler MessageHandler) {
	// 同一选民的消息进同一个worker，保持顺序
	queues := make([]chan kafka.Message, c.numWorkers)
	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		c.wg.Add(1)
		go func(workerID int, q <-chan kafka.Message) {
			defer c.wg.Done()
			c.work(workerID, q, handler)
		}(i, queues[i])
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		c.fetch(queues)
	}()

	log.Printf("已启动 %d 个审计事件处理线程", c.numWorkers)
}

func (c *Consumer) fetch(queues []chan kafka.Message) {
	for {
		m, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("读取审计事件失败: %v", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		q := queues[workerIndex(m.Key, len(queues))]
		select {
		case q <- m:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work(workerID int, q <-chan kafka.Message, handler MessageHandler) {
	for m := range q {
		var event model.AuditEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Printf("审计处理线程 #%d 解析消息失败: %v", workerID, err)
		} else if err := handler(c.ctx, &event); err != nil {
			log.Printf("审计处理线程 #%d 处理消息失败: %v", workerID, err)
		}

		if err := c.reader.CommitMessages(c.ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("审计处理线程 #%d 提交偏移量失败: %v", workerID, err)
		}
	}
}

func workerIndex(key []byte, n int) int {
	var h uint32 = 2166136261
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return int(h % uint32(n))
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	log.Println("正在停止审计事件消费者...")
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		log.Printf("关闭审计事件消费者失败: %v", err)
		return err
	}
	log.Println("审计事件消费者已停止")
	return nil
}
