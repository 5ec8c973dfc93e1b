package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/state"
	"vigilance-ai/server/internal/timeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Adapter 包装平台语音识别与合成，对外暴露状态流、唤醒词与固定回复。
//
// 所有回调和命令都经过 EventQueue 串行处理；下面标注“队列内”的字段
// 只在处理协程里读写。
type Adapter struct {
	cfg        config.VoiceConfig
	recognizer Recognizer
	synth      Synthesizer
	transcript *timeline.InMemoryStore
	logger     *zap.Logger
	queue      *EventQueue
	now        func() time.Time

	state      *state.Value[model.AIState]
	activation *state.Value[bool]
	partial    *state.Value[string]

	// 队列内
	recognizerReady bool
	synthReady      bool
	listening       bool
	continuous      bool
	epoch           uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type AdapterOption func(*Adapter)

func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter 初始化识别器与合成器。初始化失败只记录日志，
// 对应能力在本次会话内保持不可用，不会重试。
func NewAdapter(cfg config.VoiceConfig, rec Recognizer, synth Synthesizer, transcript *timeline.InMemoryStore, log *zap.Logger, opts ...AdapterOption) *Adapter {
	if transcript == nil {
		transcript = timeline.NewInMemoryStore()
	}
	l := logger.OrNop(log).Named("voice")
	ctx, cancel := context.WithCancel(context.Background())

	a := &Adapter{
		cfg:        cfg,
		recognizer: rec,
		synth:      synth,
		transcript: transcript,
		logger:     l,
		queue:      NewEventQueue("voice", l),
		now:        time.Now,
		state:      state.NewValue(model.AIStateIdle),
		activation: state.NewValue(false),
		partial:    state.NewValue(""),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(a)
	}

	if rec == nil || !rec.Available() {
		l.Error("Speech recognition not available", zap.Error(ErrRecognizerUnavailable))
	} else {
		rec.SetListener(recognitionCallbacks{a: a})
		a.recognizerReady = true
	}

	if synth == nil {
		l.Error("TTS initialization failed", zap.Error(ErrSynthesizerUnavailable))
	} else if err := synth.Init(cfg.Language); err != nil {
		l.Error("TTS initialization failed", zap.String("language", cfg.Language), zap.Error(err))
	} else {
		synth.SetListener(synthesisCallbacks{a: a})
		a.synthReady = true
		l.Debug("TTS initialized", zap.String("language", cfg.Language))
	}

	return a
}

// ---- 对外命令（全部异步入队） ----

// StartListening 开始持续监听：被动模式下也会在每次识别结束后重新开始。
func (a *Adapter) StartListening() {
	a.enqueue("start_listening", func(context.Context) error {
		a.continuous = true
		a.startListening()
		return nil
	})
}

// StopListening 停止监听并退出激活状态，同时作废所有待执行的重新监听。
func (a *Adapter) StopListening() {
	a.enqueue("stop_listening", func(context.Context) error {
		a.continuous = false
		a.epoch++
		if a.listening {
			if err := a.recognizer.StopListening(); err != nil {
				a.logger.Warn("Failed to stop recognizer", zap.Error(err))
			}
			a.listening = false
		}
		a.activation.Set(false)
		a.setState(model.AIStateIdle)
		a.logger.Debug("Stopped listening")
		return nil
	})
}

func (a *Adapter) Speak(text string) {
	a.enqueue("speak", func(context.Context) error {
		a.speak(text)
		return nil
	})
}

// Deactivate 退出激活状态并播报告别语。
func (a *Adapter) Deactivate() {
	a.enqueue("deactivate", func(context.Context) error {
		a.activation.Set(false)
		a.speak(deactivationReply)
		a.logger.Info("Assistant deactivated")
		return nil
	})
}

// TriggerEmergencyResponse 激活助手，播报紧急文案并写入带紧急标记的消息。
func (a *Adapter) TriggerEmergencyResponse(kind model.TriggerReason, details string) {
	a.enqueue("emergency_response", func(ctx context.Context) error {
		a.activation.Set(true)
		msg := EmergencyMessage(kind)
		a.speak(msg)
		a.appendMessage(ctx, fmt.Sprintf("%s\nDetails: %s", msg, details), true, true)
		a.logger.Info("Emergency response triggered",
			zap.String("type", string(kind)),
			zap.String("details", details),
		)
		return nil
	})
}

// Flush 等待此前入队的事件全部处理完。
func (a *Adapter) Flush() error {
	return a.queue.EnqueueSync("flush", func(context.Context) error { return nil }, 0)
}

// ---- 状态读取 ----

func (a *Adapter) State() model.AIState { return a.state.Get() }

func (a *Adapter) IsActivated() bool { return a.activation.Get() }

// CurrentTranscript 最近一次识别（含中间结果）的文本。
func (a *Adapter) CurrentTranscript() string { return a.partial.Get() }

func (a *Adapter) SubscribeState() (<-chan model.AIState, func()) { return a.state.Subscribe() }

func (a *Adapter) SubscribeActivation() (<-chan bool, func()) { return a.activation.Subscribe() }

func (a *Adapter) SubscribeTranscript() (<-chan string, func()) { return a.partial.Subscribe() }

// Messages 对话记录存储，与对话持有者共享。
func (a *Adapter) Messages() *timeline.InMemoryStore { return a.transcript }

// Stats 返回事件队列统计。
func (a *Adapter) Stats() map[string]interface{} { return a.queue.GetStats() }

// Close 取消所有延迟中的重新监听并释放识别器与合成器。
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		// 先停队列，之后不会再有新的延迟任务
		_ = a.queue.Close()
		a.wg.Wait()

		if a.recognizerReady {
			if err := a.recognizer.Close(); err != nil {
				a.logger.Warn("Failed to close recognizer", zap.Error(err))
			}
		}
		if a.synthReady {
			if err := a.synth.Close(); err != nil {
				a.logger.Warn("Failed to close synthesizer", zap.Error(err))
			}
		}
		a.state.Close()
		a.activation.Close()
		a.partial.Close()
	})
	return nil
}

// ---- 队列内逻辑 ----

func (a *Adapter) enqueue(kind string, fn EventFunc) {
	if err := a.queue.Enqueue(kind, fn); err != nil {
		a.logger.Warn("Dropped voice event", zap.String("kind", kind), zap.Error(err))
	}
}

func (a *Adapter) setState(s model.AIState) {
	if a.state.Get() != s {
		a.logger.Debug("State changed", zap.String("state", string(s)))
	}
	a.state.Set(s)
}

func (a *Adapter) startListening() {
	if !a.recognizerReady {
		a.logger.Error("Speech recognizer not initialized")
		return
	}
	if a.listening {
		return
	}
	if err := a.recognizer.StartListening(a.cfg.Language); err != nil {
		a.logger.Error("Failed to start listening", zap.Error(err))
		a.setState(model.AIStateError)
		return
	}
	a.listening = true
	a.logger.Debug("Started listening")
}

func (a *Adapter) speak(text string) {
	if !a.synthReady {
		a.logger.Error("TTS not ready", zap.String("text", text))
		return
	}
	id := uuid.NewString()
	if err := a.synth.Speak(id, text); err != nil {
		a.logger.Error("TTS speak failed", zap.String("utterance_id", id), zap.Error(err))
		a.afterSynthesisError()
		return
	}
	a.logger.Debug("Speaking", zap.String("utterance_id", id), zap.String("text", text))
}

func (a *Adapter) appendMessage(ctx context.Context, text string, fromAssistant, emergency bool) {
	msg := &model.VoiceMessage{
		ID:              uuid.NewString(),
		Text:            text,
		IsFromAssistant: fromAssistant,
		TimestampMillis: a.now().UnixMilli(),
		IsEmergency:     emergency,
	}
	if _, err := a.transcript.Append(ctx, msg); err != nil {
		a.logger.Error("Failed to append message", zap.Error(err))
	}
}

// restartAfter 在延迟后重新监听。Close 或 StopListening 之后到期的重启被丢弃。
func (a *Adapter) restartAfter(delay time.Duration, reason string) {
	if a.ctx.Err() != nil {
		return
	}
	epoch := a.epoch
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
		}
		a.enqueue("restart_listening", func(context.Context) error {
			if a.epoch != epoch {
				a.logger.Debug("Restart cancelled", zap.String("reason", reason))
				return nil
			}
			a.startListening()
			return nil
		})
	}()
}

func (a *Adapter) onResults(ctx context.Context, candidates []string) {
	a.listening = false
	defer a.restartAfter(a.cfg.ResultRestartDelay, "results")

	if len(candidates) == 0 {
		return
	}
	spoken := strings.ToLower(strings.TrimSpace(candidates[0]))
	a.partial.Set(spoken)
	a.logger.Debug("Recognized", zap.String("text", spoken))

	if !a.activation.Get() {
		if ContainsWakeWord(spoken, a.cfg.WakeWords) {
			a.logger.Info("Wake word detected")
			a.activate(ctx)
		}
		return
	}
	a.processCommand(ctx, spoken)
}

func (a *Adapter) activate(ctx context.Context) {
	a.activation.Set(true)
	a.speak(greetingReply)
	a.appendMessage(ctx, activatedNote, true, false)
}

func (a *Adapter) processCommand(ctx context.Context, command string) {
	a.appendMessage(ctx, command, false, false)
	reply := ReplyFor(command)
	a.appendMessage(ctx, reply, true, false)
	a.speak(reply)
	a.logger.Debug("Command processed", zap.String("command", command), zap.String("reply", reply))
}

func (a *Adapter) onRecognizerError(code RecognizerError) {
	a.listening = false
	a.setState(model.AIStateError)

	if code.Permanent() {
		a.logger.Error("Speech recognition error", zap.String("error", code.String()))
		a.continuous = false
		a.setState(model.AIStateIdle)
		return
	}
	a.logger.Warn("Speech recognition error", zap.String("error", code.String()))

	if a.activation.Get() || a.continuous {
		a.restartAfter(a.cfg.ErrorRestartDelay, "recognizer_error")
		return
	}
	a.setState(model.AIStateIdle)
}

func (a *Adapter) afterSynthesisError() {
	a.setState(model.AIStateError)
	if a.activation.Get() {
		a.restartAfter(a.cfg.ErrorRestartDelay, "tts_error")
		return
	}
	a.setState(model.AIStateIdle)
}

// recognitionCallbacks 把识别器回调转成队列事件。
type recognitionCallbacks struct{ a *Adapter }

func (c recognitionCallbacks) OnReady() {
	c.a.enqueue("recognizer_ready", func(context.Context) error {
		c.a.setState(model.AIStateListening)
		return nil
	})
}

func (c recognitionCallbacks) OnEndOfSpeech() {
	c.a.enqueue("end_of_speech", func(context.Context) error {
		c.a.setState(model.AIStateProcessing)
		return nil
	})
}

func (c recognitionCallbacks) OnPartialResult(text string) {
	c.a.enqueue("partial_result", func(context.Context) error {
		c.a.partial.Set(text)
		return nil
	})
}

func (c recognitionCallbacks) OnResults(candidates []string) {
	matches := append([]string(nil), candidates...)
	c.a.enqueue("results", func(ctx context.Context) error {
		c.a.onResults(ctx, matches)
		return nil
	})
}

func (c recognitionCallbacks) OnError(code RecognizerError) {
	c.a.enqueue("recognizer_error", func(context.Context) error {
		c.a.onRecognizerError(code)
		return nil
	})
}

// synthesisCallbacks 把合成器回调转成队列事件。
type synthesisCallbacks struct{ a *Adapter }

func (c synthesisCallbacks) OnStart(string) {
	c.a.enqueue("tts_start", func(context.Context) error {
		c.a.setState(model.AIStateSpeaking)
		return nil
	})
}

func (c synthesisCallbacks) OnDone(string) {
	c.a.enqueue("tts_done", func(context.Context) error {
		c.a.setState(model.AIStateIdle)
		if c.a.activation.Get() {
			c.a.restartAfter(c.a.cfg.SpeechRestartDelay, "tts_done")
		}
		return nil
	})
}

func (c synthesisCallbacks) OnError(utteranceID string) {
	c.a.enqueue("tts_error", func(context.Context) error {
		c.a.logger.Error("TTS error", zap.String("utterance_id", utteranceID))
		c.a.afterSynthesisError()
		return nil
	})
}
