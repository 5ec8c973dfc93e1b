package timeline

import (
	"context"
	"sync"

	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/state"
)

// InMemoryStore 是一个基于内存的对话记录实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	messages []model.VoiceMessage
	seq      int64
	ids      map[string]int64

	// version 广播最新的 seq，订阅者据此拉取增量
	version *state.Value[int64]
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		ids:     make(map[string]int64),
		version: state.NewValue[int64](0),
	}
}

// Append 追加消息，并分配单调递增 seq。
// 副作用：会修改内存状态；相同 ID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, msg *model.VoiceMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if seq, exists := s.ids[msg.ID]; exists {
			return seq, nil
		}
	}

	s.seq++
	seq := s.seq

	msgCopy := *msg
	msgCopy.Seq = seq
	s.messages = append(s.messages, msgCopy)

	if msg.ID != "" {
		s.ids[msg.ID] = seq
	}
	msg.Seq = seq

	s.version.Set(seq)
	return seq, nil
}

// List 返回全部消息（按 seq 顺序）。
// 兼容性：返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context) ([]model.VoiceMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.VoiceMessage, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

// Since 返回 seq 大于 after 的消息，用于推送增量。
func (s *InMemoryStore) Since(_ context.Context, after int64) ([]model.VoiceMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.VoiceMessage
	for _, m := range s.messages {
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out, nil
}

// Clear 清空对话记录。seq 继续递增，避免订阅者把新消息误判为旧消息。
func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.ids = make(map[string]int64)
	s.version.Set(s.seq)
	return nil
}

// Subscribe 订阅最新 seq 的变化。
func (s *InMemoryStore) Subscribe() (<-chan int64, func()) {
	return s.version.Subscribe()
}
