package timeline

import (
	"context"

	"vigilance-ai/server/internal/model"
)

// Store 是对话记录（transcript）的存储契约。
type Store interface {
	// Append 以 append-only 的契约写入一条消息，返回本次写入的 seq。
	// 约定：seq 单调递增；相同 ID 的消息应幂等返回同一 seq。
	Append(ctx context.Context, msg *model.VoiceMessage) (int64, error)
	// List 返回全部消息（按 seq 顺序）。
	List(ctx context.Context) ([]model.VoiceMessage, error)
	// Clear 清空对话记录，seq 不回退。
	Clear(ctx context.Context) error
}
