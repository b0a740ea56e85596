// Package kafka 提供了与 Kafka 消息队列交互的功能。
// 本服务只做生产者：对象就绪事件由下游的转码/处理管道消费。
package kafka

import (
	"context"
	"encoding/json"

	"klipz-media-go/internal/config"
	"klipz-media-go/pkg/log"
	"klipz-media-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// Close 关闭生产者连接，优雅停机时调用。
func Close() {
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("关闭 Kafka 生产者失败", err)
		}
	}
}

// ProduceObjectReady 发送一个对象就绪事件到 Kafka。
// 以 session token 作为消息 key，保证同一会话的事件落在同一分区。
func ProduceObjectReady(ctx context.Context, task tasks.ObjectReadyTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.SessionToken),
		Value: taskBytes,
	})
}
