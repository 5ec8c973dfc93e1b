package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"vigilance-ai/server/internal/logger"

	"go.uber.org/zap"
)

// TextRecognizer 是服务端使用的识别器：识别结果由 API 以文本形式送入。
// 一次 StartListening 只接收一次 Feed 或 FeedError。
type TextRecognizer struct {
	mu        sync.Mutex
	listener  RecognitionListener
	listening bool
	closed    bool
}

func NewTextRecognizer() *TextRecognizer {
	return &TextRecognizer{}
}

func (r *TextRecognizer) Available() bool { return true }

func (r *TextRecognizer) SetListener(l RecognitionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *TextRecognizer) StartListening(string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.listening = true
	l := r.listener
	r.mu.Unlock()

	if l != nil {
		l.OnReady()
	}
	return nil
}

func (r *TextRecognizer) StopListening() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = false
	return nil
}

// Listening 当前是否在等待输入。
func (r *TextRecognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

// Feed 送入一句识别文本，依次触发 end-of-speech、partial 与 results 回调。
func (r *TextRecognizer) Feed(text string) error {
	l, err := r.finish()
	if err != nil {
		return err
	}
	if l != nil {
		l.OnEndOfSpeech()
		l.OnPartialResult(text)
		l.OnResults([]string{text})
	}
	return nil
}

// FeedError 以错误码结束本次识别。
func (r *TextRecognizer) FeedError(code RecognizerError) error {
	l, err := r.finish()
	if err != nil {
		return err
	}
	if l != nil {
		l.OnError(code)
	}
	return nil
}

func (r *TextRecognizer) finish() (RecognitionListener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if !r.listening {
		return nil, ErrNotListening
	}
	r.listening = false
	return r.listener, nil
}

func (r *TextRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.listening = false
	return nil
}

// LogSynthesizer 把播报写进日志，并按单词数模拟播报时长。
// 播报按 Speak 的调用顺序逐条进行。
type LogSynthesizer struct {
	wordDuration time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	listener SynthesisListener
	queue    chan utterance

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type utterance struct {
	id   string
	text string
}

const utteranceBacklog = 32

func NewLogSynthesizer(wordDuration time.Duration, log *zap.Logger) *LogSynthesizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &LogSynthesizer{
		wordDuration: wordDuration,
		logger:       logger.OrNop(log).Named("tts"),
		queue:        make(chan utterance, utteranceBacklog),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Init 只支持英语。
func (s *LogSynthesizer) Init(language string) error {
	if !strings.HasPrefix(strings.ToLower(language), "en") {
		return ErrLanguageUnsupported
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.playLoop()
	})
	return nil
}

func (s *LogSynthesizer) SetListener(l SynthesisListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *LogSynthesizer) Speak(id, text string) error {
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.queue <- utterance{id: id, text: text}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *LogSynthesizer) playLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.queue:
			s.play(u)
		}
	}
}

func (s *LogSynthesizer) play(u utterance) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l.OnStart(u.id)
	}
	s.logger.Info("Speaking", zap.String("utterance_id", u.id), zap.String("text", u.text))

	d := time.Duration(len(strings.Fields(u.text))) * s.wordDuration
	if d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	if l != nil {
		l.OnDone(u.id)
	}
}

func (s *LogSynthesizer) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
