package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/conversation"
	"vigilance-ai/server/internal/emergency"
	"vigilance-ai/server/internal/evaluator"
	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/simulator"
	"vigilance-ai/server/internal/state"
	"vigilance-ai/server/internal/timeline"
	"vigilance-ai/server/internal/voice"

	"go.uber.org/zap"
)

// ErrNoTextInput 当前识别器不接受文本输入（非 TextRecognizer）。
var ErrNoTextInput = errors.New("recognizer does not accept text input")

const (
	// maxHistory 交互历史最多保留的条数
	maxHistory = 50

	emergencyConfirmedMessage = "Emergency confirmed. Contacting emergency services now."
	simulatedAccidentLocation = "Simulated location"
	carAction                 = "Find Rest Stop"
)

// DefaultSuggestion 没有触发时展示的副驾驶建议。
func DefaultSuggestion() model.CoPilotSuggestion {
	return model.CoPilotSuggestion{
		Title:           "Take a Break",
		Description:     "Short rest can improve alertness",
		Icon:            "coffee",
		PrimaryAction:   "Navigate",
		SecondaryAction: "Remind me",
	}
}

// SuggestionFor 按触发原因给出建议，未知原因回落到默认建议。
func SuggestionFor(reason model.TriggerReason) model.CoPilotSuggestion {
	switch reason {
	case model.ReasonDrowsiness:
		return model.CoPilotSuggestion{
			Title:           "Pull Over Safely",
			Description:     "Signs of drowsiness detected. Stop at the next safe place",
			Icon:            "warning",
			PrimaryAction:   "Find Rest Stop",
			SecondaryAction: "Call Contact",
		}
	case model.ReasonStress:
		return model.CoPilotSuggestion{
			Title:           "Breathe and Relax",
			Description:     "A calm playlist and slower pace can lower stress",
			Icon:            "spa",
			PrimaryAction:   "Play Calm Music",
			SecondaryAction: "Dismiss",
		}
	default:
		return DefaultSuggestion()
	}
}

type options struct {
	recognizer voice.Recognizer
	synth      voice.Synthesizer
	emergency  []emergency.Option
	simulator  []simulator.Option
	now        func() time.Time
}

// Option 监控器可选项
type Option func(*options)

// WithRecognizer 替换默认的 TextRecognizer
func WithRecognizer(r voice.Recognizer) Option {
	return func(o *options) { o.recognizer = r }
}

// WithSynthesizer 替换默认的 LogSynthesizer
func WithSynthesizer(s voice.Synthesizer) Option {
	return func(o *options) { o.synth = s }
}

// WithEmergencyOptions 追加紧急持有者的选项（日志、发布器等）
func WithEmergencyOptions(opts ...emergency.Option) Option {
	return func(o *options) { o.emergency = append(o.emergency, opts...) }
}

// WithSimulatorOptions 追加模拟器选项
func WithSimulatorOptions(opts ...simulator.Option) Option {
	return func(o *options) { o.simulator = append(o.simulator, opts...) }
}

// WithClock 替换时钟（交互历史时间戳）
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Monitor 组装模拟器、评估器、两个状态持有者与语音适配器，并负责它们之间的状态同步。
//
// 同步关系：
//   - 语音状态机 -> 会话的 listening/processing/speaking 标志
//   - 语音激活状态变化 -> 会话 isActive
//   - 会话触发、紧急状态变化 -> 副驾驶建议与交互历史
type Monitor struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	transcript *timeline.InMemoryStore
	text       *voice.TextRecognizer
	voice      *voice.Adapter
	conv       *conversation.Holder
	emerg      *emergency.Holder
	sim        *simulator.Simulator
	runner     *evaluator.Runner

	suggestion *state.Value[model.CoPilotSuggestion]

	histMu  sync.Mutex
	history []model.InteractionRecord

	closeOnce sync.Once
}

func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Monitor {
	if cfg == nil {
		cfg = config.Default()
	}
	l := logger.OrNop(log)

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Monitor{
		cfg:        cfg,
		logger:     l.Named("monitor"),
		now:        o.now,
		transcript: timeline.NewInMemoryStore(),
		suggestion: state.NewValue(DefaultSuggestion()),
	}

	rec := o.recognizer
	if rec == nil {
		rec = voice.NewTextRecognizer()
	}
	if tr, ok := rec.(*voice.TextRecognizer); ok {
		m.text = tr
	}
	synth := o.synth
	if synth == nil {
		synth = voice.NewLogSynthesizer(cfg.Voice.WordDuration, l)
	}

	m.voice = voice.NewAdapter(cfg.Voice, rec, synth, m.transcript, l)
	m.conv = conversation.New(m.voice, m.transcript, l)

	emergencyOpts := []emergency.Option{
		emergency.WithContactDelay(cfg.Emergency.ContactDelay),
		emergency.WithVehicleID(cfg.Emergency.VehicleID),
		emergency.WithLogger(l),
	}
	m.emerg = emergency.New(m.voice, append(emergencyOpts, o.emergency...)...)

	m.sim = simulator.New(cfg.Simulator, l, o.simulator...)
	m.runner = evaluator.NewRunner(m.sim, m.conv, l)
	return m
}

// Run 启动模拟、评估与状态同步，并开始持续监听唤醒词。阻塞直到 ctx 取消。
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"simulator", m.sim.Run},
		{"evaluator", m.runner.Run},
		{"voice_state", m.mirrorVoiceState},
		{"voice_activation", m.mirrorActivation},
		{"conversation", m.watchConversation},
		{"emergency", m.watchEmergency},
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(tasks))
	for _, t := range tasks {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("Monitor task failed", zap.String("task", name), zap.Error(err))
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}(t.name, t.fn)
	}

	m.voice.StartListening()
	m.logger.Info("Monitor started",
		zap.Duration("interval", m.cfg.Simulator.Interval),
		zap.Strings("wake_words", m.cfg.Voice.WakeWords),
	)

	<-ctx.Done()
	wg.Wait()
	m.logger.Info("Monitor stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (m *Monitor) mirrorVoiceState(ctx context.Context) error {
	ch, unsubscribe := m.voice.SubscribeState()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			m.conv.ApplyAssistantState(s)
		}
	}
}

// mirrorActivation 只在激活状态真正变化时同步，避免启动时的 false 覆盖已触发的会话。
func (m *Monitor) mirrorActivation(ctx context.Context) error {
	ch, unsubscribe := m.voice.SubscribeActivation()
	defer unsubscribe()

	prev := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case activated, ok := <-ch:
			if !ok {
				return nil
			}
			if activated == prev {
				continue
			}
			prev = activated
			m.conv.ApplyActivation(activated)
		}
	}
}

func (m *Monitor) watchConversation(ctx context.Context) error {
	ch, unsubscribe := m.conv.Subscribe()
	defer unsubscribe()

	var prev model.ConversationState
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cur, ok := <-ch:
			if !ok {
				return nil
			}
			if cur.IsActive && cur.TriggerReason != "" && (!prev.IsActive || cur.TriggerReason != prev.TriggerReason) {
				m.suggestion.Set(SuggestionFor(cur.TriggerReason))
				m.addHistory(fmt.Sprintf("Conversation started: %s", cur.TriggerReason))
			}
			prev = cur
		}
	}
}

func (m *Monitor) watchEmergency(ctx context.Context) error {
	ch, unsubscribe := m.emerg.Subscribe()
	defer unsubscribe()

	var prev model.EmergencyActivation
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cur, ok := <-ch:
			if !ok {
				return nil
			}
			switch {
			case cur.IsTriggered && cur.ID != prev.ID:
				m.addHistory(fmt.Sprintf("Emergency triggered: %s at %s", cur.TriggerType, cur.Location))
				if cur.EmergencyContacted {
					m.addHistory("Emergency services contacted. ETA " + cur.ResponseTime)
				}
			case cur.IsTriggered && cur.EmergencyContacted && !prev.EmergencyContacted:
				m.addHistory("Emergency services contacted. ETA " + cur.ResponseTime)
			case !cur.IsTriggered && prev.IsTriggered:
				m.addHistory("Emergency cancelled")
			}
			prev = cur
		}
	}
}

func (m *Monitor) addHistory(message string) {
	m.histMu.Lock()
	defer m.histMu.Unlock()

	rec := model.InteractionRecord{Time: m.now().Format("15:04"), Message: message}
	m.history = append([]model.InteractionRecord{rec}, m.history...)
	if len(m.history) > maxHistory {
		m.history = m.history[:maxHistory]
	}
}

// History 返回交互历史，最新的在前。
func (m *Monitor) History() []model.InteractionRecord {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make([]model.InteractionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) Suggestion() model.CoPilotSuggestion {
	return m.suggestion.Get()
}

func (m *Monitor) SubscribeSuggestion() (<-chan model.CoPilotSuggestion, func()) {
	return m.suggestion.Subscribe()
}

// Snapshot 返回最新的驾驶员快照。
func (m *Monitor) Snapshot() model.DriverSnapshot {
	return m.sim.Current()
}

// InjectSnapshot 用外部读数替换当前快照（夹紧后发布），评估器会像普通 tick 一样处理它。
func (m *Monitor) InjectSnapshot(snap model.DriverSnapshot) model.DriverSnapshot {
	return m.sim.Inject(snap)
}

// TriggerConversation 手动触发会话，受同一个闸门约束。
func (m *Monitor) TriggerConversation(t model.Trigger) error {
	return m.conv.TryTrigger(t)
}

func (m *Monitor) Activate() {
	m.conv.Activate()
}

// Dismiss 关闭会话并恢复默认建议。
func (m *Monitor) Dismiss() {
	prev := m.conv.Current()
	m.conv.Dismiss()
	m.suggestion.Set(DefaultSuggestion())
	if prev.IsActive {
		m.addHistory("Conversation dismissed")
	}
}

func (m *Monitor) StartListening() {
	m.conv.StartListening()
}

func (m *Monitor) StopListening() {
	m.conv.StopListening()
}

// Utterance 把一句识别文本送入文本识别器。
func (m *Monitor) Utterance(text string) error {
	if m.text == nil {
		return ErrNoTextInput
	}
	return m.text.Feed(text)
}

func (m *Monitor) Speak(text string) {
	m.voice.Speak(text)
}

// TriggerEmergency 触发紧急事件，location 为空时使用 "Unknown"。
func (m *Monitor) TriggerEmergency(kind model.TriggerReason, location string) model.EmergencyActivation {
	return m.emerg.Trigger(kind, location)
}

func (m *Monitor) CancelEmergency() {
	m.emerg.Cancel()
}

// ConfirmEmergency 驾驶员确认紧急事件，没有活跃事件时返回 emergency.ErrNotTriggered。
func (m *Monitor) ConfirmEmergency() error {
	return m.emerg.Confirm(func(act model.EmergencyActivation) {
		m.voice.Speak(emergencyConfirmedMessage)
		m.addHistory(fmt.Sprintf("Emergency confirmed: %s", act.TriggerType))
	})
}

// SimulateAccident 模拟一次碰撞。
func (m *Monitor) SimulateAccident() model.EmergencyActivation {
	return m.emerg.Trigger(model.ReasonCollision, simulatedAccidentLocation)
}

// CarSummary 生成车机屏幕摘要。
func (m *Monitor) CarSummary() model.CarSummary {
	return SummaryFor(m.sim.Current())
}

// SummaryFor 由快照生成车机摘要行。
func SummaryFor(s model.DriverSnapshot) model.CarSummary {
	return model.CarSummary{
		Rows: []model.CarRow{
			{Title: "Wellness Score", Text: fmt.Sprintf("%d - %s", s.WellnessScore, wellnessLabel(s.WellnessScore))},
			{Title: "Alertness", Text: fmt.Sprintf("%d%% - %s", s.Alertness, alertnessLabel(s.Alertness))},
			{Title: "Fatigue", Text: fmt.Sprintf("%d%% - %s", s.Fatigue, fatigueLabel(s.Fatigue))},
		},
		Action: carAction,
	}
}

func wellnessLabel(score int) string {
	switch {
	case score >= 80:
		return "Optimal Condition"
	case score >= 60:
		return "Good"
	default:
		return "Needs Attention"
	}
}

func alertnessLabel(v int) string {
	switch {
	case v >= 90:
		return "Highly Alert"
	case v >= 70:
		return "Alert"
	default:
		return "Low Alertness"
	}
}

func fatigueLabel(v int) string {
	switch {
	case v < 30:
		return "Low Fatigue"
	case v < 60:
		return "Moderate Fatigue"
	default:
		return "High Fatigue"
	}
}

func (m *Monitor) Conversation() *conversation.Holder { return m.conv }

func (m *Monitor) Emergency() *emergency.Holder { return m.emerg }

func (m *Monitor) Voice() *voice.Adapter { return m.voice }

func (m *Monitor) Simulator() *simulator.Simulator { return m.sim }

func (m *Monitor) EvaluatorStats() map[string]int64 { return m.runner.Stats() }

// Close 取消所有延迟任务并关闭各组件。可重复调用。
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.emerg.Close()
		if cerr := m.voice.Close(); cerr != nil {
			err = fmt.Errorf("close voice adapter: %w", cerr)
		}
		m.conv.Close()
		m.sim.Close()
		m.suggestion.Close()
	})
	return err
}
