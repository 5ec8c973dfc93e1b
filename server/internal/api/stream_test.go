package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vigilance-ai/server/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawFrame struct {
	Type     FrameType       `json:"type"`
	Seq      int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
	ServerTS time.Time       `json:"server_ts"`
	Error    string          `json:"error"`
}

func dialStream(t *testing.T) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	_, _, h := newTestServer(t)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, ts
}

// readUntil 读取帧直到 match 返回 true，超时失败。
func readUntil(t *testing.T, conn *websocket.Conn, match func(rawFrame) bool) rawFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f rawFrame
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &f))
		if match(f) {
			return f
		}
	}
}

// TestStream_InitialFramesAndSeq 验证连接后立即推送各状态流的当前值，序号单调递增
func TestStream_InitialFramesAndSeq(t *testing.T) {
	conn, _ := dialStream(t)

	seen := make(map[FrameType]bool)
	var lastSeq int64
	readUntil(t, conn, func(f rawFrame) bool {
		assert.Greater(t, f.Seq, lastSeq)
		assert.False(t, f.ServerTS.IsZero())
		lastSeq = f.Seq
		seen[f.Type] = true
		return seen[FrameMetrics] && seen[FrameConversation] && seen[FrameEmergency] &&
			seen[FrameVoiceState] && seen[FrameSuggestion]
	})
}

// TestStream_UtteranceFrameActivatesAssistant 验证客户端 utterance 帧驱动唤醒，并推送新消息
func TestStream_UtteranceFrameActivatesAssistant(t *testing.T) {
	conn, _ := dialStream(t)

	// 等待识别器就绪
	readUntil(t, conn, func(f rawFrame) bool {
		if f.Type != FrameVoiceState {
			return false
		}
		var s model.AIState
		require.NoError(t, json.Unmarshal(f.Payload, &s))
		return s == model.AIStateListening
	})

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameUtterance, Text: "hey vigilance"}))

	f := readUntil(t, conn, func(f rawFrame) bool {
		if f.Type != FrameMessage {
			return false
		}
		var msg model.VoiceMessage
		require.NoError(t, json.Unmarshal(f.Payload, &msg))
		return msg.Text == "VigilanceAI activated"
	})
	assert.Equal(t, FrameMessage, f.Type)
}

// TestStream_InvalidFrameReportsError 验证非法帧回报错误但连接保持
func TestStream_InvalidFrameReportsError(t *testing.T) {
	conn, _ := dialStream(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	f := readUntil(t, conn, func(f rawFrame) bool { return f.Type == FrameError })
	assert.Contains(t, f.Error, "unsupported frame type")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"utterance"}`)))
	f = readUntil(t, conn, func(f rawFrame) bool { return f.Type == FrameError })
	assert.Contains(t, f.Error, "utterance text is required")
}
