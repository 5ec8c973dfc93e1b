package emergency

import (
	"context"
	"errors"
	"sync"
	"time"

	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/state"
	"vigilance-ai/server/internal/voice"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotTriggered 当前没有进行中的紧急事件。
var ErrNotTriggered = errors.New("no emergency in progress")

const (
	DefaultContactDelay = 2 * time.Second
	DefaultLocation     = "Unknown"
	EstimatingResponse  = "Estimating..."
	FastResponse        = "5-7 minutes"
	StandardResponse    = "8-12 minutes"

	cancelMessage = "Emergency cancelled. Glad you're okay. Let me know if you need anything."
	sinkTimeout   = 5 * time.Second
)

// ETAFor 返回某类紧急事件的预计到达时间（固定文案，不做计算）。
func ETAFor(kind model.TriggerReason) string {
	switch kind {
	case model.ReasonCollision, model.ReasonMedical, model.ReasonManual:
		return FastResponse
	default:
		return StandardResponse
	}
}

// Speaker 是紧急状态持有者依赖的语音助手能力。
type Speaker interface {
	Speak(text string)
	TriggerEmergencyResponse(kind model.TriggerReason, details string)
}

// Log 持久化紧急事件的状态流转（Postgres）。
type Log interface {
	Record(ctx context.Context, ev Event) error
}

// Publisher 向外广播紧急事件（MQTT、Redis Stream）。
type Publisher interface {
	PublishEmergency(ctx context.Context, ev Event) error
}

type Option func(*Holder)

func WithLog(l Log) Option {
	return func(h *Holder) { h.log = l }
}

// WithPublisher 可重复使用，每个 publisher 都会收到全部事件。
func WithPublisher(p Publisher) Option {
	return func(h *Holder) {
		if p != nil {
			h.publishers = append(h.publishers, p)
		}
	}
}

func WithContactDelay(d time.Duration) Option {
	return func(h *Holder) {
		if d > 0 {
			h.contactDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Holder) { h.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Holder) { h.logger = logger.OrNop(l).Named("emergency") }
}

func WithVehicleID(id string) Option {
	return func(h *Holder) { h.vehicleID = id }
}

// Holder 持有当前紧急事件。
//
// emergencyContacted 对同一个 activation 单调：延迟定时器按 ID 匹配，
// 过期的定时器不会修改新的 activation。
type Holder struct {
	speaker      Speaker
	log          Log
	publishers   []Publisher
	contactDelay time.Duration
	now          func() time.Time
	vehicleID    string
	logger       *zap.Logger

	state  *state.Value[model.EmergencyActivation]
	status model.EmergencyStatus

	// sinks 按发生顺序串行写出事件，Trigger/Cancel/Confirm 不等待 I/O
	sinks *voice.EventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(speaker Speaker, opts ...Option) *Holder {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Holder{
		speaker:      speaker,
		contactDelay: DefaultContactDelay,
		now:          time.Now,
		logger:       zap.NewNop(),
		state:        state.NewValue(model.EmergencyActivation{}),
		status:       model.DefaultEmergencyStatus(),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log != nil || len(h.publishers) > 0 {
		h.sinks = voice.NewEventQueue("emergency_sinks", h.logger)
	}
	return h
}

// Trigger 创建新的紧急事件，并在固定延迟后标记为已联系救援。
func (h *Holder) Trigger(kind model.TriggerReason, location string) model.EmergencyActivation {
	if location == "" {
		location = DefaultLocation
	}
	act := model.EmergencyActivation{
		ID:           uuid.NewString(),
		IsTriggered:  true,
		TriggerType:  kind,
		Location:     location,
		Timestamp:    h.now().Format("15:04:05"),
		ResponseTime: EstimatingResponse,
	}
	h.state.Set(act)

	h.logger.Info("Emergency triggered",
		zap.String("id", act.ID),
		zap.String("type", string(kind)),
		zap.String("location", location),
	)
	if h.speaker != nil {
		h.speaker.TriggerEmergencyResponse(kind, "Emergency detected at "+location)
	}
	h.record(EventTriggered, act)

	h.wg.Add(1)
	go h.contactAfterDelay(act.ID)
	return act
}

func (h *Holder) contactAfterDelay(id string) {
	defer h.wg.Done()

	timer := time.NewTimer(h.contactDelay)
	defer timer.Stop()
	select {
	case <-h.ctx.Done():
		return
	case <-timer.C:
	}

	var contacted model.EmergencyActivation
	updated := false
	h.state.Update(func(cur model.EmergencyActivation) model.EmergencyActivation {
		if cur.ID != id || !cur.IsTriggered || cur.EmergencyContacted {
			return cur
		}
		cur.EmergencyContacted = true
		cur.ResponseTime = ETAFor(cur.TriggerType)
		contacted = cur
		updated = true
		return cur
	})
	if !updated {
		h.logger.Debug("Stale contact timer ignored", zap.String("id", id))
		return
	}
	h.logger.Info("Emergency services contacted",
		zap.String("id", id),
		zap.String("response_time", contacted.ResponseTime),
	)
	h.record(EventContacted, contacted)
}

// Cancel 重置为默认值并播报取消提示。
func (h *Holder) Cancel() {
	var prev model.EmergencyActivation
	h.state.Update(func(cur model.EmergencyActivation) model.EmergencyActivation {
		prev = cur
		return model.EmergencyActivation{}
	})

	if h.speaker != nil {
		h.speaker.Speak(cancelMessage)
	}
	if prev.IsTriggered {
		h.logger.Info("Emergency cancelled", zap.String("id", prev.ID))
		h.record(EventCancelled, prev)
	}
}

// Confirm 把当前事件交给调用方提供的回调，自身不改变状态。
func (h *Holder) Confirm(fn func(model.EmergencyActivation)) error {
	cur := h.state.Get()
	if !cur.IsTriggered {
		return ErrNotTriggered
	}
	if fn != nil {
		fn(cur)
	}
	h.logger.Info("Emergency confirmed", zap.String("id", cur.ID))
	h.record(EventConfirmed, cur)
	return nil
}

func (h *Holder) Current() model.EmergencyActivation {
	return h.state.Get()
}

func (h *Holder) Subscribe() (<-chan model.EmergencyActivation, func()) {
	return h.state.Subscribe()
}

// Status 返回检测子系统状态（只读）。
func (h *Holder) Status() model.EmergencyStatus {
	return h.status
}

// Flush 等待已记录的事件全部写出到 sink。
func (h *Holder) Flush() error {
	if h.sinks == nil {
		return nil
	}
	return h.sinks.EnqueueSync("flush", func(context.Context) error { return nil }, sinkTimeout)
}

// Close 取消所有未触发的定时器，写完排队中的事件并关闭订阅。
func (h *Holder) Close() {
	h.cancel()
	h.wg.Wait()
	if h.sinks != nil {
		if err := h.Flush(); err != nil && !errors.Is(err, voice.ErrQueueClosed) {
			h.logger.Warn("Emergency events not fully written", zap.Error(err))
		}
		_ = h.sinks.Close()
	}
	h.state.Close()
}

// record 把事件交给 sink 队列，失败只记日志。
func (h *Holder) record(kind EventKind, act model.EmergencyActivation) {
	if h.sinks == nil {
		return
	}
	ev := Event{
		Kind:       kind,
		VehicleID:  h.vehicleID,
		Activation: act,
		At:         h.now(),
	}
	err := h.sinks.Enqueue(string(kind), func(ctx context.Context) error {
		h.writeSinks(ctx, ev)
		return nil
	})
	if err != nil {
		h.logger.Warn("Emergency event dropped",
			zap.String("kind", string(kind)),
			zap.String("id", act.ID),
			zap.Error(err),
		)
	}
}

func (h *Holder) writeSinks(parent context.Context, ev Event) {
	kind := ev.Kind
	ctx, cancel := context.WithTimeout(parent, sinkTimeout)
	defer cancel()

	if h.log != nil {
		if err := h.log.Record(ctx, ev); err != nil {
			h.logger.Error("Failed to record emergency event",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
	for _, p := range h.publishers {
		if err := p.PublishEmergency(ctx, ev); err != nil {
			h.logger.Warn("Failed to publish emergency event",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
}
