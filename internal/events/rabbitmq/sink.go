package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/pkg/logger"
)

const defaultQueue = "openmcp.dispatch.events"

// Config 描述 RabbitMQ 的连接参数。
type Config struct {
	URL      string        `yaml:"url"`
	Exchange string        `yaml:"exchange"`
	Queue    string        `yaml:"queue"`
	Durable  bool          `yaml:"durable"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Publisher 是 *amqp.Channel 中 Sink 使用的部分。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sink 将事件以 JSON 消息投递到 RabbitMQ 队列。
type Sink struct {
	conn     *amqp.Connection
	ch       Publisher
	exchange string
	queue    string
	timeout  time.Duration
	log      *slog.Logger
	failed   atomic.Int64
}

// New 连接 RabbitMQ、声明队列并创建 Sink。
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
		}
		if err := ch.QueueBind(queue, queue, cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	sink := NewWithPublisher(ch, cfg)
	sink.conn = conn
	return sink, nil
}

// NewWithPublisher 基于已有 channel 创建 Sink，不负责声明队列。
func NewWithPublisher(ch Publisher, cfg Config) *Sink {
	queue := cfg.Queue
	if queue == "" {
		queue = defaultQueue
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Sink{
		ch:       ch,
		exchange: cfg.Exchange,
		queue:    queue,
		timeout:  timeout,
		log:      logger.Named("events.rabbitmq"),
	}
}

// OnEvent implements events.Listener. 投递失败只记录日志。
func (s *Sink) OnEvent(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Publish(ctx, e); err != nil {
		if n := s.failed.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("投递 RabbitMQ 事件失败", slog.String("queue", s.queue), slog.Int64("failures", n), slog.Any("error", err))
		}
	}
}

// Publish 投递单个事件。
func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 投递器未初始化")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.ch.PublishWithContext(ctx, s.exchange, s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		AppId:        "dispatchd",
		Timestamp:    ts,
		Body:         body,
	})
}

// Failures 返回投递失败的累计次数。
func (s *Sink) Failures() int64 { return s.failed.Load() }

// Close 关闭 channel 与连接。
func (s *Sink) Close() error {
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
