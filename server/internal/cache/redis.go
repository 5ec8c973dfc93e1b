package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/emergency"
	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// streamMaxLen 紧急事件流保留的最大条数
const streamMaxLen = 1000

// Connect 创建 Redis 客户端并 PING 确认连接。
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Store 缓存最新快照，并把紧急事件写入 Redis Stream 供其他服务消费。
type Store struct {
	client      *redis.Client
	snapshotKey string
	snapshotTTL time.Duration
	stream      string
	logger      *zap.Logger
}

func New(client *redis.Client, cfg config.RedisConfig, log *zap.Logger) *Store {
	return &Store{
		client:      client,
		snapshotKey: cfg.SnapshotKey,
		snapshotTTL: cfg.SnapshotTTL,
		stream:      cfg.Stream,
		logger:      logger.OrNop(log).Named("cache"),
	}
}

// SaveSnapshot 以 JSON 写入最新快照，TTL 过期后视为无数据。
func (s *Store) SaveSnapshot(ctx context.Context, snap model.DriverSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey, data, s.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot 读取缓存的快照，不存在时 ok 为 false。
func (s *Store) LatestSnapshot(ctx context.Context) (model.DriverSnapshot, bool, error) {
	var snap model.DriverSnapshot

	data, err := s.client.Get(ctx, s.snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// PublishEmergency 把紧急事件追加到 Stream（XADD）。
func (s *Store) PublishEmergency(ctx context.Context, ev emergency.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal emergency event: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Values: map[string]interface{}{
			"kind":          string(ev.Kind),
			"activation_id": ev.Activation.ID,
			"data":          string(data),
			"timestamp":     ev.At.Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}

	s.logger.Debug("Emergency event published to stream",
		zap.String("stream", s.stream),
		zap.String("message_id", id),
		zap.String("kind", string(ev.Kind)),
	)
	return nil
}

// Recent 按时间倒序返回 Stream 中最近的紧急事件。
func (s *Store) Recent(ctx context.Context, limit int) ([]emergency.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}

	events := make([]emergency.Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			s.logger.Warn("Stream message without data field", zap.String("message_id", msg.ID))
			continue
		}
		var ev emergency.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn("Failed to decode stream message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SnapshotSource 快照订阅源（模拟器）。
type SnapshotSource interface {
	Subscribe() (<-chan model.DriverSnapshot, func())
}

// Mirror 把每个新快照写入缓存，直到 ctx 取消或订阅关闭。写入失败只记日志。
func (s *Store) Mirror(ctx context.Context, source SnapshotSource) error {
	ch, cancel := source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.SaveSnapshot(ctx, snap); err != nil {
				s.logger.Warn("Failed to cache snapshot", zap.Int64("tick", snap.Tick), zap.Error(err))
			}
		}
	}
}
