package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Dispatch/internal/events"
	"OpenMCP-Dispatch/pkg/logger"
)

const (
	defaultStream  = "openmcp:dispatch:events"
	defaultMaxLen  = 10000
	defaultTimeout = 2 * time.Second
)

// Config 描述 Redis Stream 的连接参数。
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	MaxLen   int64         `yaml:"max_len"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Sink 将事件以 XADD 写入一个定长 Redis Stream。
type Sink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *slog.Logger
	failed  atomic.Int64
}

// New 连接 Redis 并创建 Sink。
func New(cfg Config) (*Sink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), withDefault(cfg.Timeout))
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient 使用已有客户端创建 Sink，Close 时一并关闭该客户端。
func NewWithClient(client *redis.Client, cfg Config) *Sink {
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Sink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: withDefault(cfg.Timeout),
		log:     logger.Named("events.redis"),
	}
}

// OnEvent implements events.Listener. 写入失败只记录日志。
func (s *Sink) OnEvent(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Publish(ctx, e); err != nil {
		if n := s.failed.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("写入 Redis Stream 失败", slog.String("stream", s.stream), slog.Int64("failures", n), slog.Any("error", err))
		}
	}
}

// Publish 写入单个事件。
func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    string(e.Type),
			"source":  e.Source,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("Redis XADD 失败: %w", err)
	}
	return nil
}

// Recent 按时间倒序返回最近 n 条事件。
func (s *Sink) Recent(ctx context.Context, n int64) ([]events.Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis Stream 失败: %w", err)
	}
	out := make([]events.Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Failures 返回写入失败的累计次数。
func (s *Sink) Failures() int64 { return s.failed.Load() }

// Close 关闭 Redis 连接。
func (s *Sink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func withDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
