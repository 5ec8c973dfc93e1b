package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emergencyCall struct {
	kind    model.TriggerReason
	details string
}

type fakeAssistant struct {
	mu          sync.Mutex
	activated   bool
	listening   int
	stopped     int
	deactivated int
	emergencies []emergencyCall
}

func (f *fakeAssistant) StartListening() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening++
	f.activated = true
}

func (f *fakeAssistant) StopListening() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.activated = false
}

func (f *fakeAssistant) Deactivate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	f.activated = false
}

func (f *fakeAssistant) TriggerEmergencyResponse(kind model.TriggerReason, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies = append(f.emergencies, emergencyCall{kind: kind, details: details})
	f.activated = true
}

func (f *fakeAssistant) IsActivated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activated
}

func TestTrigger_UsesCannedMessageByReason(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	require.NoError(t, h.Trigger(model.ReasonDrowsiness, ""))

	cur := h.Current()
	assert.True(t, cur.IsActive)
	assert.Equal(t, model.ReasonDrowsiness, cur.TriggerReason)
	assert.Equal(t, "I've detected signs of drowsiness. Your safety is important. How are you feeling?", cur.CurrentMessage)
	require.Len(t, a.emergencies, 1)
	assert.Equal(t, model.ReasonDrowsiness, a.emergencies[0].kind)
}

func TestTrigger_ExplicitMessageAndDetails(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	err := h.TryTrigger(model.Trigger{
		Reason:  model.ReasonStress,
		Message: "Take a breath.",
		Details: "Elevated heart rate detected: 110 BPM",
	})
	require.NoError(t, err)

	assert.Equal(t, "Take a breath.", h.Current().CurrentMessage)
	require.Len(t, a.emergencies, 1)
	assert.Equal(t, "Elevated heart rate detected: 110 BPM", a.emergencies[0].details)
}

func TestTrigger_UnknownReasonFallsBack(t *testing.T) {
	h := New(&fakeAssistant{}, nil, nil)
	require.NoError(t, h.Trigger("SOMETHING", ""))
	assert.Equal(t, "I'm here to help. How can I assist you?", h.Current().CurrentMessage)
}

func TestTrigger_RefusedWhileActive(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	require.NoError(t, h.Trigger(model.ReasonFatigue, ""))
	err := h.Trigger(model.ReasonDrowsiness, "override")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyActive))
	assert.True(t, errors.Is(err, model.ErrConversationActive))
	assert.Equal(t, model.ReasonFatigue, h.Current().TriggerReason)
	assert.Len(t, a.emergencies, 1)
}

func TestTrigger_ConcurrentCallersOnlyOneWins(t *testing.T) {
	h := New(&fakeAssistant{}, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Trigger(model.ReasonStress, "") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDismiss_ResetsAllFlags(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	require.NoError(t, h.Trigger(model.ReasonDrowsiness, ""))
	h.ApplyAssistantState(model.AIStateSpeaking)
	h.Dismiss()

	cur := h.Current()
	assert.False(t, cur.IsActive)
	assert.False(t, cur.IsListening)
	assert.False(t, cur.IsProcessing)
	assert.False(t, cur.IsSpeaking)
	assert.Empty(t, cur.TriggerReason)
	assert.Empty(t, cur.CurrentMessage)
	assert.Equal(t, 1, a.deactivated)

	// 解除后闸门重新打开
	require.NoError(t, h.Trigger(model.ReasonFatigue, ""))
}

func TestDismiss_KeepsTranscript(t *testing.T) {
	ctx := context.Background()
	store := timeline.NewInMemoryStore()
	h := New(&fakeAssistant{}, store, nil)

	_, err := store.Append(ctx, &model.VoiceMessage{ID: "m1", Text: "hello"})
	require.NoError(t, err)
	h.Dismiss()

	msgs, err := h.Transcript(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	require.NoError(t, h.ClearTranscript(ctx))
	msgs, err = h.Transcript(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestApplyAssistantState_MapsFlags(t *testing.T) {
	h := New(&fakeAssistant{}, nil, nil)

	h.ApplyAssistantState(model.AIStateListening)
	assert.True(t, h.Current().IsListening)

	h.ApplyAssistantState(model.AIStateProcessing)
	cur := h.Current()
	assert.False(t, cur.IsListening)
	assert.True(t, cur.IsProcessing)

	h.ApplyAssistantState(model.AIStateError)
	cur = h.Current()
	assert.False(t, cur.IsListening || cur.IsProcessing || cur.IsSpeaking)
}

func TestApplyActivation_DrivesGate(t *testing.T) {
	h := New(&fakeAssistant{}, nil, nil)

	// 唤醒词激活也算活跃会话
	h.ApplyActivation(true)
	assert.ErrorIs(t, h.Trigger(model.ReasonFatigue, ""), ErrAlreadyActive)

	h.ApplyActivation(false)
	assert.NoError(t, h.Trigger(model.ReasonFatigue, ""))
}

func TestActivate_StartsListeningWhenIdle(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	h.Activate()
	assert.Equal(t, 1, a.listening)
	assert.True(t, h.Current().IsActive)
	assert.Equal(t, "How can I assist you today?", h.Current().CurrentMessage)

	// 已激活时只打开会话，不重复启动监听
	h.Activate()
	assert.Equal(t, 1, a.listening)
}

func TestStartStopListening_Delegates(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	h.StartListening()
	h.StopListening()
	assert.Equal(t, 1, a.listening)
	assert.Equal(t, 1, a.stopped)
}

func TestSubscribe_SeesLatestState(t *testing.T) {
	h := New(&fakeAssistant{}, nil, nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	<-ch
	require.NoError(t, h.Trigger(model.ReasonStress, ""))
	got := <-ch
	assert.True(t, got.IsActive)
	assert.Equal(t, model.ReasonStress, got.TriggerReason)
}

// TestApplyActivation_LateDeactivationKeepsNewTrigger 验证 Dismiss 后立即重新触发时，
// 迟到的退出激活不会清掉新会话的原因和开场白
func TestApplyActivation_LateDeactivationKeepsNewTrigger(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	require.NoError(t, h.Trigger(model.ReasonDrowsiness, ""))
	h.ApplyActivation(true)

	h.Dismiss()
	require.NoError(t, h.Trigger(model.ReasonFatigue, ""))

	// Dismiss 那次 false 在新触发之后才镜像回来
	h.ApplyActivation(false)
	cur := h.Current()
	assert.True(t, cur.IsActive)
	assert.Equal(t, model.ReasonFatigue, cur.TriggerReason)
	assert.Equal(t, CannedMessage(model.ReasonFatigue), cur.CurrentMessage)

	h.ApplyActivation(true)
	// 之后真正的退出激活照常清空
	h.ApplyActivation(false)
	cur = h.Current()
	assert.False(t, cur.IsActive)
	assert.Empty(t, cur.TriggerReason)
	assert.Empty(t, cur.CurrentMessage)
}

// TestApplyActivation_DeactivationWithoutRetrigger 验证没有新触发时，Dismiss 的 false 正常生效
func TestApplyActivation_DeactivationWithoutRetrigger(t *testing.T) {
	a := &fakeAssistant{}
	h := New(a, nil, nil)

	require.NoError(t, h.Trigger(model.ReasonStress, ""))
	h.ApplyActivation(true)
	h.Dismiss()
	h.ApplyActivation(false)

	assert.Equal(t, model.ConversationState{}, h.Current())
	require.NoError(t, h.Trigger(model.ReasonFatigue, ""))
	assert.Equal(t, model.ReasonFatigue, h.Current().TriggerReason)
}
