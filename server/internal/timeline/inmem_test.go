package timeline

import (
	"context"
	"testing"

	"vigilance-ai/server/internal/model"
)

// TestInMemoryStoreAppendAssignsSeq 验证 Append 方法为消息分配正确的 seq。
// 场景：连续追加两条消息，验证 seq 递增，且调用方传入的消息也被回填 seq。
func TestInMemoryStoreAppendAssignsSeq(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	first := &model.VoiceMessage{Text: "hello"}
	seq1, err := store.Append(ctx, first)
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if seq1 != 1 || first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d (msg.Seq=%d)", seq1, first.Seq)
	}

	seq2, err := store.Append(ctx, &model.VoiceMessage{Text: "again"})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("expected seq 2, got %d", seq2)
	}
}

// TestInMemoryStoreAppendIdempotentByID 验证 Append 方法对相同 ID 的幂等性。
// 场景：追加两条具有相同 ID 的消息，验证返回的 seq 相同且只存储一条。
func TestInMemoryStoreAppendIdempotentByID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, &model.VoiceMessage{ID: "msg-1", Text: "a"})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	seq2, err := store.Append(ctx, &model.VoiceMessage{ID: "msg-1", Text: "a"})
	if err != nil {
		t.Fatalf("append duplicate message: %v", err)
	}
	if seq2 != seq1 {
		t.Fatalf("expected same seq for duplicate id, got %d vs %d", seq1, seq2)
	}

	msgs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message stored, got %d", len(msgs))
	}
}

// TestInMemoryStoreListReturnsCopy 验证 List 返回副本，外部修改不影响内部状态。
func TestInMemoryStoreListReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, &model.VoiceMessage{Text: "hi"}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	msgs, _ := store.List(ctx)
	msgs[0].Text = "mutated"

	again, _ := store.List(ctx)
	if again[0].Text != "hi" {
		t.Fatalf("expected internal data unchanged, got %q", again[0].Text)
	}
}

// TestInMemoryStoreClearKeepsSeqMonotonic 验证清空后 seq 不回退，Since 只返回新消息。
func TestInMemoryStoreClearKeepsSeqMonotonic(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, _ = store.Append(ctx, &model.VoiceMessage{ID: "a", Text: "one"})
	_, _ = store.Append(ctx, &model.VoiceMessage{ID: "b", Text: "two"})
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	msgs, _ := store.List(ctx)
	if len(msgs) != 0 {
		t.Fatalf("expected empty transcript after clear, got %d", len(msgs))
	}

	seq, _ := store.Append(ctx, &model.VoiceMessage{ID: "a", Text: "three"})
	if seq != 3 {
		t.Fatalf("expected seq 3 after clear, got %d", seq)
	}

	delta, _ := store.Since(ctx, 2)
	if len(delta) != 1 || delta[0].Text != "three" {
		t.Fatalf("expected only the new message in delta, got %+v", delta)
	}
}

// TestInMemoryStoreSubscribeSeesLatestSeq 验证订阅者拿到最新的 seq。
func TestInMemoryStoreSubscribeSeesLatestSeq(t *testing.T) {
	store := NewInMemoryStore()
	ch, cancel := store.Subscribe()
	defer cancel()

	if got := <-ch; got != 0 {
		t.Fatalf("expected initial seq 0, got %d", got)
	}
	_, _ = store.Append(context.Background(), &model.VoiceMessage{Text: "x"})
	_, _ = store.Append(context.Background(), &model.VoiceMessage{Text: "y"})
	if got := <-ch; got != 2 {
		t.Fatalf("expected latest seq 2, got %d", got)
	}
}
