package conversation

import (
	"context"
	"fmt"
	"sync"

	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/state"
	"vigilance-ai/server/internal/timeline"

	"go.uber.org/zap"
)

// ErrAlreadyActive 已有活跃会话时，Trigger/TryTrigger 拒绝覆盖。
var ErrAlreadyActive = fmt.Errorf("trigger refused: %w", model.ErrConversationActive)

// Assistant 是对话持有者依赖的语音助手能力，构造时注入。
type Assistant interface {
	StartListening()
	StopListening()
	Deactivate()
	TriggerEmergencyResponse(kind model.TriggerReason, details string)
	IsActivated() bool
}

const manualActivationMessage = "How can I assist you today?"

// CannedMessage 按触发原因返回默认的开场白。
func CannedMessage(reason model.TriggerReason) string {
	switch reason {
	case model.ReasonFatigue:
		return "I've noticed you might need a break. Let's talk about how you're feeling."
	case model.ReasonDrowsiness:
		return "I've detected signs of drowsiness. Your safety is important. How are you feeling?"
	case model.ReasonStress:
		return "I sense you might be stressed. Would you like to talk about it?"
	default:
		return "I'm here to help. How can I assist you?"
	}
}

// Holder 持有当前语音助手会话状态。
//
// 触发闸门属于 Holder 自己：会话活跃期间任何调用方都无法覆盖它，
// 只能先 Dismiss。所有修改都经过 mu 串行化后再发布。
type Holder struct {
	assistant  Assistant
	transcript *timeline.InMemoryStore
	logger     *zap.Logger

	mu    sync.Mutex
	state *state.Value[model.ConversationState]

	// Dismiss 发出的退出激活还没被镜像回来；期间若又有新的触发，
	// 那次迟到的 false 不能清掉新会话。
	pendingDeactivation    bool
	supersededDeactivation bool
}

func New(assistant Assistant, transcript *timeline.InMemoryStore, log *zap.Logger) *Holder {
	if transcript == nil {
		transcript = timeline.NewInMemoryStore()
	}
	return &Holder{
		assistant:  assistant,
		transcript: transcript,
		logger:     logger.OrNop(log).Named("conversation"),
		state:      state.NewValue(model.ConversationState{}),
	}
}

// Trigger 以原因和可选开场白开启会话。
func (h *Holder) Trigger(reason model.TriggerReason, message string) error {
	return h.TryTrigger(model.Trigger{Reason: reason, Message: message})
}

// TryTrigger 实现评估器的触发闸门。
// 已有活跃会话时返回 ErrAlreadyActive，状态不变，也不会通知语音助手。
func (h *Holder) TryTrigger(t model.Trigger) error {
	h.mu.Lock()
	cur := h.state.Get()
	if cur.IsActive {
		h.mu.Unlock()
		return ErrAlreadyActive
	}
	message := t.Message
	if message == "" {
		message = CannedMessage(t.Reason)
	}
	cur.IsActive = true
	cur.TriggerReason = t.Reason
	cur.CurrentMessage = message
	h.state.Set(cur)
	h.supersedePendingLocked()
	h.mu.Unlock()

	details := t.Details
	if details == "" {
		details = t.Message
	}
	h.logger.Info("Conversation started",
		zap.String("reason", string(t.Reason)),
		zap.String("message", message),
	)
	if h.assistant != nil {
		h.assistant.TriggerEmergencyResponse(t.Reason, details)
	}
	return nil
}

// Activate 用户主动唤起助手。助手已激活时只打开会话，否则开始持续监听。
func (h *Holder) Activate() {
	alreadyActivated := h.assistant != nil && h.assistant.IsActivated()
	if !alreadyActivated && h.assistant != nil {
		h.assistant.StartListening()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.supersedePendingLocked()
	h.state.Update(func(s model.ConversationState) model.ConversationState {
		s.IsActive = true
		if !alreadyActivated {
			s.CurrentMessage = manualActivationMessage
		}
		return s
	})
}

func (h *Holder) StartListening() {
	if h.assistant != nil {
		h.assistant.StartListening()
	}
}

func (h *Holder) StopListening() {
	if h.assistant != nil {
		h.assistant.StopListening()
	}
}

// Dismiss 重置到空闲默认值并让助手退出激活。对话记录保留。
func (h *Holder) Dismiss() {
	h.mu.Lock()
	prev := h.state.Get()
	h.state.Set(model.ConversationState{})
	// 只有助手当前处于激活态，Deactivate 才会产生一次 false
	h.pendingDeactivation = h.assistant != nil && h.assistant.IsActivated()
	h.supersededDeactivation = false
	h.mu.Unlock()

	if prev.IsActive {
		h.logger.Info("Conversation dismissed", zap.String("reason", string(prev.TriggerReason)))
	}
	if h.assistant != nil {
		h.assistant.Deactivate()
	}
}

// ApplyAssistantState 把语音助手状态机映射为 listening/processing/speaking 标志。
func (h *Holder) ApplyAssistantState(s model.AIState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Update(func(c model.ConversationState) model.ConversationState {
		c.IsListening = s == model.AIStateListening
		c.IsProcessing = s == model.AIStateProcessing
		c.IsSpeaking = s == model.AIStateSpeaking
		return c
	})
}

// ApplyActivation 会话的 isActive 跟随助手的激活状态；助手退出激活时清空触发原因。
// Dismiss 之后又被重新触发时，Dismiss 自己那次迟到的 false 被忽略。
func (h *Holder) ApplyActivation(activated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if activated {
		// 助手重新激活，之前的退出激活一定已经处理完
		h.pendingDeactivation = false
		h.supersededDeactivation = false
	} else if h.pendingDeactivation {
		superseded := h.supersededDeactivation
		h.pendingDeactivation = false
		h.supersededDeactivation = false
		if superseded {
			h.logger.Debug("Stale deactivation ignored",
				zap.String("reason", string(h.state.Get().TriggerReason)),
			)
			return
		}
	}

	h.state.Update(func(c model.ConversationState) model.ConversationState {
		c.IsActive = activated
		if !activated {
			c.TriggerReason = ""
			c.CurrentMessage = ""
		}
		return c
	})
}

func (h *Holder) supersedePendingLocked() {
	if h.pendingDeactivation {
		h.supersededDeactivation = true
	}
}

// Transcript 返回完整对话记录（按 seq 顺序）。
func (h *Holder) Transcript(ctx context.Context) ([]model.VoiceMessage, error) {
	return h.transcript.List(ctx)
}

func (h *Holder) ClearTranscript(ctx context.Context) error {
	if err := h.transcript.Clear(ctx); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

// TranscriptStore 暴露底层存储，供推送增量使用。
func (h *Holder) TranscriptStore() *timeline.InMemoryStore {
	return h.transcript
}

func (h *Holder) Current() model.ConversationState {
	return h.state.Get()
}

func (h *Holder) Subscribe() (<-chan model.ConversationState, func()) {
	return h.state.Subscribe()
}

func (h *Holder) Close() {
	h.state.Close()
}
