package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FrameType 推送帧类型
type FrameType string

const (
	FrameMetrics      FrameType = "metrics"      // 驾驶员快照
	FrameConversation FrameType = "conversation" // 会话状态
	FrameEmergency    FrameType = "emergency"    // 紧急事件状态
	FrameVoiceState   FrameType = "voice_state"  // 语音助手状态机
	FrameTranscript   FrameType = "transcript"   // 部分识别文本
	FrameMessage      FrameType = "message"      // 新的对话消息
	FrameSuggestion   FrameType = "suggestion"   // 副驾驶建议
	FrameError        FrameType = "error"

	// 客户端上行
	FrameUtterance FrameType = "utterance"
)

// ServerFrame 服务端推送给客户端的帧
type ServerFrame struct {
	Type     FrameType   `json:"type"`
	Seq      int64       `json:"seq"`
	Payload  interface{} `json:"payload,omitempty"`
	ServerTS time.Time   `json:"server_ts"`
	Error    string      `json:"error,omitempty"`
}

// ClientFrame 客户端发送的帧（WebSocket 文本帧）
type ClientFrame struct {
	Type FrameType `json:"type"`
	Text string    `json:"text,omitempty"`
}

var errStreamClosed = errors.New("stream connection is closed")

// streamConn 封装一条推送连接：写入串行化、分配序号、只关闭一次。
type streamConn struct {
	conn         *websocket.Conn
	connLock     sync.Mutex
	seqCounter   int64
	writeTimeout time.Duration
	now          func() time.Time

	closeChan chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newStreamConn(conn *websocket.Conn, writeTimeout time.Duration, now func() time.Time, log *zap.Logger) *streamConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &streamConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		now:          now,
		closeChan:    make(chan struct{}),
		logger:       log,
	}
}

// send 分配序号并写出一帧。
func (sc *streamConn) send(frame *ServerFrame) error {
	sc.connLock.Lock()
	defer sc.connLock.Unlock()

	if sc.conn == nil {
		return errStreamClosed
	}

	sc.seqCounter++
	frame.Seq = sc.seqCounter
	if frame.ServerTS.IsZero() {
		frame.ServerTS = sc.now()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	_ = sc.conn.SetWriteDeadline(sc.now().Add(sc.writeTimeout))
	if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (sc *streamConn) sendError(msg string) error {
	return sc.send(&ServerFrame{Type: FrameError, Error: msg})
}

// pingLoop 定期发送 ping 保持连接
func (sc *streamConn) pingLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.closeChan:
			return
		case <-ticker.C:
			sc.connLock.Lock()
			if sc.conn != nil {
				if err := sc.conn.WriteControl(websocket.PingMessage, []byte{}, sc.now().Add(5*time.Second)); err != nil {
					sc.logger.Debug("Ping failed", zap.Error(err))
				}
			}
			sc.connLock.Unlock()
		}
	}
}

func (sc *streamConn) Close() error {
	var closeErr error
	sc.closeOnce.Do(func() {
		close(sc.closeChan)

		sc.connLock.Lock()
		defer sc.connLock.Unlock()
		if sc.conn == nil {
			return
		}
		_ = sc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			sc.now().Add(time.Second),
		)
		closeErr = sc.conn.Close()
		sc.conn = nil
	})
	return closeErr
}

// handleStream 升级为 WebSocket，推送各状态流的最新值，并接收客户端的文本识别输入。
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}

	remote := c.Request.RemoteAddr
	log := s.logger.With(zap.String("remote", remote))
	sc := newStreamConn(conn, s.config.Server.WriteTimeout, s.now, log)
	log.Info("Stream connected")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	mon := s.monitor
	start(func() { sc.pingLoop(s.config.Server.PingInterval) })
	start(func() {
		ch, unsubscribe := mon.Simulator().Subscribe()
		forward(ctx, sc, FrameMetrics, ch, unsubscribe)
	})
	start(func() {
		ch, unsubscribe := mon.Conversation().Subscribe()
		forward(ctx, sc, FrameConversation, ch, unsubscribe)
	})
	start(func() {
		ch, unsubscribe := mon.Emergency().Subscribe()
		forward(ctx, sc, FrameEmergency, ch, unsubscribe)
	})
	start(func() {
		ch, unsubscribe := mon.Voice().SubscribeState()
		forward(ctx, sc, FrameVoiceState, ch, unsubscribe)
	})
	start(func() {
		ch, unsubscribe := mon.Voice().SubscribeTranscript()
		forward(ctx, sc, FrameTranscript, ch, unsubscribe)
	})
	start(func() {
		ch, unsubscribe := mon.SubscribeSuggestion()
		forward(ctx, sc, FrameSuggestion, ch, unsubscribe)
	})
	start(func() { s.forwardMessages(ctx, sc) })

	// 阻塞直到客户端断开
	s.streamReadLoop(sc, conn)

	cancel()
	_ = sc.Close()
	wg.Wait()
	log.Info("Stream disconnected")
}

// forward 把一个“最新值”订阅转发成推送帧，写失败时关闭连接。
func forward[T any](ctx context.Context, sc *streamConn, typ FrameType, ch <-chan T, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.closeChan:
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if err := sc.send(&ServerFrame{Type: typ, Payload: v}); err != nil {
				if !errors.Is(err, errStreamClosed) {
					sc.logger.Debug("Stream write failed", zap.String("type", string(typ)), zap.Error(err))
				}
				_ = sc.Close()
				return
			}
		}
	}
}

// forwardMessages 先补发已有的对话记录，再按 seq 增量推送新消息。
func (s *Server) forwardMessages(ctx context.Context, sc *streamConn) {
	store := s.monitor.Conversation().TranscriptStore()
	ch, unsubscribe := store.Subscribe()
	defer unsubscribe()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.closeChan:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			msgs, err := store.Since(ctx, last)
			if err != nil {
				sc.logger.Warn("Failed to read transcript", zap.Error(err))
				continue
			}
			for _, msg := range msgs {
				if err := sc.send(&ServerFrame{Type: FrameMessage, Payload: msg}); err != nil {
					_ = sc.Close()
					return
				}
				last = msg.Seq
			}
		}
	}
}

// streamReadLoop 读取客户端帧；目前只接受 utterance。
func (s *Server) streamReadLoop(sc *streamConn, conn *websocket.Conn) {
	for {
		select {
		case <-sc.closeChan:
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.logger.Debug("Stream read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := s.handleClientFrame(data); err != nil {
			// 回报错误但不断开连接
			_ = sc.sendError(err.Error())
		}
	}
}

func (s *Server) handleClientFrame(data []byte) error {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	switch frame.Type {
	case FrameUtterance:
		if frame.Text == "" {
			return errors.New("utterance text is required")
		}
		return s.feedUtterance(frame.Text)
	default:
		return fmt.Errorf("unsupported frame type: %s", frame.Type)
	}
}
