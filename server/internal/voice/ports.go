package voice

import (
	"errors"
	"fmt"
)

var (
	ErrRecognizerUnavailable  = errors.New("speech recognition not available")
	ErrSynthesizerUnavailable = errors.New("speech synthesis not available")
	ErrLanguageUnsupported    = errors.New("tts language not supported")
	ErrNotListening           = errors.New("recognizer is not listening")
	ErrClosed                 = errors.New("voice component closed")
)

// RecognizerError 识别器运行时错误码。
type RecognizerError int

const (
	RecognizerAudio RecognizerError = iota + 1
	RecognizerClient
	RecognizerInsufficientPermissions
	RecognizerNetwork
	RecognizerNetworkTimeout
	RecognizerNoMatch
	RecognizerBusy
	RecognizerServer
	RecognizerSpeechTimeout
)

func (e RecognizerError) String() string {
	switch e {
	case RecognizerAudio:
		return "Audio recording error"
	case RecognizerClient:
		return "Client error"
	case RecognizerInsufficientPermissions:
		return "Insufficient permissions"
	case RecognizerNetwork:
		return "Network error"
	case RecognizerNetworkTimeout:
		return "Network timeout"
	case RecognizerNoMatch:
		return "No speech match"
	case RecognizerBusy:
		return "Recognition service busy"
	case RecognizerServer:
		return "Server error"
	case RecognizerSpeechTimeout:
		return "No speech input"
	default:
		return fmt.Sprintf("Unknown error: %d", int(e))
	}
}

func (e RecognizerError) Error() string {
	return e.String()
}

// Permanent 权限错误对本次监听是终止性的，不自动重试。
func (e RecognizerError) Permanent() bool {
	return e == RecognizerInsufficientPermissions
}

// RecognitionListener 接收识别器回调。实现方不能阻塞。
type RecognitionListener interface {
	OnReady()
	OnEndOfSpeech()
	OnPartialResult(text string)
	OnResults(candidates []string)
	OnError(code RecognizerError)
}

// Recognizer 平台语音识别。每次 StartListening 对应一次识别，
// 以 OnResults 或 OnError 结束。
type Recognizer interface {
	Available() bool
	SetListener(l RecognitionListener)
	StartListening(language string) error
	StopListening() error
	Close() error
}

// SynthesisListener 接收合成器回调。
type SynthesisListener interface {
	OnStart(utteranceID string)
	OnDone(utteranceID string)
	OnError(utteranceID string)
}

// Synthesizer 平台语音合成。Speak 按调用顺序排队播报。
type Synthesizer interface {
	Init(language string) error
	SetListener(l SynthesisListener)
	Speak(utteranceID, text string) error
	Close() error
}
