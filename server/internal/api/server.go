package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/emergency"
	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/monitor"
	"vigilance-ai/server/internal/voice"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EmergencyHistory 紧急事件历史来源（Postgres 或 Redis Stream），可选。
type EmergencyHistory interface {
	Recent(ctx context.Context, limit int) ([]emergency.Event, error)
}

type Server struct {
	config  *config.Config
	monitor *monitor.Monitor
	history EmergencyHistory
	logger  *zap.Logger
	now     func() time.Time

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

// Option 服务器可选项
type Option func(*Server)

// WithEmergencyHistory 启用 GET /api/emergency/history
func WithEmergencyHistory(h EmergencyHistory) Option {
	return func(s *Server) { s.history = h }
}

func NewServer(cfg *config.Config, mon *monitor.Monitor, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		monitor: mon,
		logger:  logger.OrNop(log).Named("api"),
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || s.originAllowed(origin)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(s.accessLog(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/stats", s.handleStats)

	engine.GET("/api/metrics", s.handleMetrics)
	engine.POST("/api/metrics/override", s.handleMetricsOverride)

	conv := engine.Group("/api/conversation")
	conv.GET("", s.handleConversation)
	conv.POST("/trigger", s.handleConversationTrigger)
	conv.POST("/activate", s.handleConversationActivate)
	conv.POST("/dismiss", s.handleConversationDismiss)
	conv.POST("/listen", s.handleListenStart)
	conv.DELETE("/listen", s.handleListenStop)
	conv.DELETE("/transcript", s.handleTranscriptClear)

	engine.POST("/api/voice/utterance", s.handleUtterance)
	engine.POST("/api/voice/speak", s.handleSpeak)

	em := engine.Group("/api/emergency")
	em.GET("", s.handleEmergency)
	em.POST("/trigger", s.handleEmergencyTrigger)
	em.POST("/cancel", s.handleEmergencyCancel)
	em.POST("/confirm", s.handleEmergencyConfirm)
	em.POST("/simulate-accident", s.handleSimulateAccident)
	em.GET("/status", s.handleEmergencyStatus)
	em.GET("/history", s.handleEmergencyHistory)

	engine.GET("/api/copilot", s.handleCopilot)
	engine.GET("/api/car/summary", s.handleCarSummary)

	engine.GET("/api/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"evaluator": s.monitor.EvaluatorStats(),
		"voice":     s.monitor.Voice().Stats(),
		"ticks":     s.monitor.Simulator().Ticks(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}

// handleMetricsOverride 把请求中出现的字段覆盖到当前快照上再注入，未出现的字段保持不变。
func (s *Server) handleMetricsOverride(c *gin.Context) {
	snap := s.monitor.Snapshot()
	snap.CapturedAt = time.Time{}
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	c.JSON(http.StatusOK, s.monitor.InjectSnapshot(snap))
}

type conversationResponse struct {
	State      model.ConversationState `json:"state"`
	VoiceState model.AIState           `json:"voice_state"`
	Activated  bool                    `json:"activated"`
	Partial    string                  `json:"partial_transcript"`
	Transcript []model.VoiceMessage    `json:"transcript"`
}

func (s *Server) handleConversation(c *gin.Context) {
	transcript, err := s.monitor.Conversation().Transcript(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to load transcript", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load transcript failed"})
		return
	}
	v := s.monitor.Voice()
	c.JSON(http.StatusOK, conversationResponse{
		State:      s.monitor.Conversation().Current(),
		VoiceState: v.State(),
		Activated:  v.IsActivated(),
		Partial:    v.CurrentTranscript(),
		Transcript: transcript,
	})
}

type triggerRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (s *Server) handleConversationTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	reason, ok := parseReason(req.Reason)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	err := s.monitor.TriggerConversation(model.Trigger{
		Reason:  reason,
		Message: req.Message,
		Details: req.Details,
	})
	if errors.Is(err, model.ErrConversationActive) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "conversation already active",
			"state": s.monitor.Conversation().Current(),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.monitor.Conversation().Current())
}

func (s *Server) handleConversationActivate(c *gin.Context) {
	s.monitor.Activate()
	c.JSON(http.StatusOK, s.monitor.Conversation().Current())
}

func (s *Server) handleConversationDismiss(c *gin.Context) {
	s.monitor.Dismiss()
	c.JSON(http.StatusOK, s.monitor.Conversation().Current())
}

func (s *Server) handleListenStart(c *gin.Context) {
	s.monitor.StartListening()
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListenStop(c *gin.Context) {
	s.monitor.StopListening()
	c.Status(http.StatusAccepted)
}

func (s *Server) handleTranscriptClear(c *gin.Context) {
	if err := s.monitor.Conversation().ClearTranscript(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleUtterance(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if err := s.feedUtterance(req.Text); err != nil {
		c.JSON(utteranceStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// feedUtterance 被 HTTP 与 WebSocket 共用。
func (s *Server) feedUtterance(text string) error {
	return s.monitor.Utterance(text)
}

func utteranceStatus(err error) int {
	switch {
	case errors.Is(err, voice.ErrNotListening):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrNoTextInput):
		return http.StatusNotImplemented
	case errors.Is(err, voice.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSpeak(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	s.monitor.Speak(req.Text)
	c.Status(http.StatusAccepted)
}

func (s *Server) handleEmergency(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Emergency().Current())
}

type emergencyRequest struct {
	Type     string `json:"type"`
	Location string `json:"location"`
}

func (s *Server) handleEmergencyTrigger(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	kind, ok := parseReason(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	c.JSON(http.StatusOK, s.monitor.TriggerEmergency(kind, req.Location))
}

func (s *Server) handleEmergencyCancel(c *gin.Context) {
	s.monitor.CancelEmergency()
	c.JSON(http.StatusOK, s.monitor.Emergency().Current())
}

func (s *Server) handleEmergencyConfirm(c *gin.Context) {
	if err := s.monitor.ConfirmEmergency(); err != nil {
		if errors.Is(err, emergency.ErrNotTriggered) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.monitor.Emergency().Current())
}

func (s *Server) handleSimulateAccident(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.SimulateAccident())
}

func (s *Server) handleEmergencyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Emergency().Status())
}

func (s *Server) handleEmergencyHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "emergency history not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	events, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load emergency history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleCopilot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"suggestion": s.monitor.Suggestion(),
		"history":    s.monitor.History(),
	})
}

func (s *Server) handleCarSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.CarSummary())
}

// parseReason 接受大小写不敏感的原因名，空值视为无效。
func parseReason(raw string) (model.TriggerReason, bool) {
	reason := strings.ToUpper(strings.TrimSpace(raw))
	if reason == "" {
		return "", false
	}
	return model.TriggerReason(reason), true
}
