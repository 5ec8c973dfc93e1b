package model

import (
	"errors"
	"time"
)

// ErrConversationActive 已有活跃会话时拒绝新的触发。
var ErrConversationActive = errors.New("conversation already active")

// 数值边界：每次模拟更新后都必须夹紧到这些范围内。
const (
	PerclosMin   = 4.0
	PerclosMax   = 95.0
	HeartRateMin = 60
	HeartRateMax = 120
	ScoreMin     = 0
	ScoreMax     = 100
)

// DriverSnapshot 表示某一时刻的驾驶员状态读数。
// 快照是不可变值：模拟器每个 tick 生成一个新的快照整体替换旧值。
type DriverSnapshot struct {
	WellnessScore     int     `json:"wellness_score"`
	Alertness         int     `json:"alertness"`
	Stress            string  `json:"stress"`
	Fatigue           int     `json:"fatigue"`
	IsDrowsy          bool    `json:"is_drowsy"`
	AccidentDetected  bool    `json:"accident_detected"`
	Perclos           float64 `json:"perclos"`
	HeartRate         int     `json:"heart_rate"`
	EmotionLabel      string  `json:"emotion_label"`
	EmotionConfidence int     `json:"emotion_confidence"`
	LaneKeeping       string  `json:"lane_keeping"`
	SteeringInput     string  `json:"steering_input"`
	SpeedControl      string  `json:"speed_control"`
	TripTime          string  `json:"trip_time"`
	Destination       string  `json:"destination"`
	// Tick 是模拟器的序号，0 表示初始快照。
	Tick       int64     `json:"tick"`
	CapturedAt time.Time `json:"captured_at"`
}

// DefaultSnapshot 返回启动时展示的初始读数。
func DefaultSnapshot() DriverSnapshot {
	return DriverSnapshot{
		WellnessScore:     94,
		Alertness:         98,
		Stress:            "Low",
		Fatigue:           12,
		Perclos:           4.2,
		HeartRate:         72,
		EmotionLabel:      "Calm & Focused",
		EmotionConfidence: 85,
		LaneKeeping:       "Stable",
		SteeringInput:     "Smooth",
		SpeedControl:      "Steady",
		TripTime:          "1h 23m",
		Destination:       "45 min away",
	}
}

// Clamp 把所有数值字段夹紧到声明的边界内，并重新推导依赖 PERCLOS 的字段。
func (s DriverSnapshot) Clamp() DriverSnapshot {
	s.Perclos = ClampFloat(s.Perclos, PerclosMin, PerclosMax)
	s.HeartRate = ClampInt(s.HeartRate, HeartRateMin, HeartRateMax)
	s.Alertness = ClampInt(s.Alertness, ScoreMin, ScoreMax)
	s.Fatigue = ClampInt(s.Fatigue, ScoreMin, ScoreMax)
	s.EmotionConfidence = ClampInt(s.EmotionConfidence, ScoreMin, ScoreMax)
	s.WellnessScore = ClampInt(s.WellnessScore, ScoreMin, ScoreMax)
	s.IsDrowsy = s.Perclos > 70
	s.LaneKeeping = LaneKeepingFor(s.Perclos)
	s.SteeringInput = SteeringInputFor(s.Perclos)
	return s
}

// LaneKeepingFor PERCLOS < 30 视为车道保持稳定。
func LaneKeepingFor(perclos float64) string {
	if perclos < 30 {
		return "Stable"
	}
	return "Drifting"
}

// SteeringInputFor PERCLOS < 40 视为转向平顺。
func SteeringInputFor(perclos float64) string {
	if perclos < 40 {
		return "Smooth"
	}
	return "Erratic"
}

func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func ClampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TriggerReason 触发对话或紧急响应的原因。
type TriggerReason string

const (
	ReasonDrowsiness TriggerReason = "DROWSINESS"
	ReasonFatigue    TriggerReason = "FATIGUE"
	ReasonStress     TriggerReason = "STRESS"
	ReasonMedical    TriggerReason = "MEDICAL"
	ReasonCollision  TriggerReason = "COLLISION"
	ReasonManual     TriggerReason = "MANUAL"
)

// Severity 触发的严重程度。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityElevated Severity = "elevated"
)

// Trigger 是评估器或用户发起的一次对话触发请求。
type Trigger struct {
	Reason   TriggerReason `json:"reason"`
	Severity Severity      `json:"severity,omitempty"`
	// Message 为空时由对话持有者按原因查表补齐。
	Message string `json:"message,omitempty"`
	// Details 交给语音助手附加在紧急消息后面，为空时使用 Message。
	Details string `json:"details,omitempty"`
}

// AIState 语音助手的状态机状态。
type AIState string

const (
	AIStateIdle       AIState = "IDLE"
	AIStateListening  AIState = "LISTENING"
	AIStateProcessing AIState = "PROCESSING"
	AIStateSpeaking   AIState = "SPEAKING"
	AIStateError      AIState = "ERROR"
)

// ConversationState 当前语音助手会话的状态。
type ConversationState struct {
	IsActive       bool          `json:"is_active"`
	IsListening    bool          `json:"is_listening"`
	IsProcessing   bool          `json:"is_processing"`
	IsSpeaking     bool          `json:"is_speaking"`
	TriggerReason  TriggerReason `json:"trigger_reason"`
	CurrentMessage string        `json:"current_message"`
}

// VoiceMessage 对话记录中的一句话，创建后不可变。
type VoiceMessage struct {
	// Seq 由 timeline 分配的单调序号。
	Seq             int64  `json:"seq,omitempty"`
	ID              string `json:"id"`
	Text            string `json:"text"`
	IsFromAssistant bool   `json:"is_from_assistant"`
	TimestampMillis int64  `json:"timestamp_millis"`
	IsEmergency     bool   `json:"is_emergency"`
}

// Sender 返回消息发送方标签（"AI" 或 "USER"）。
func (m VoiceMessage) Sender() string {
	if m.IsFromAssistant {
		return "AI"
	}
	return "USER"
}

// EmergencyActivation 一次紧急事件的记录。
type EmergencyActivation struct {
	ID                 string        `json:"id,omitempty"`
	IsTriggered        bool          `json:"is_triggered"`
	TriggerType        TriggerReason `json:"trigger_type"`
	Location           string        `json:"location"`
	Timestamp          string        `json:"timestamp"`
	EmergencyContacted bool          `json:"emergency_contacted"`
	ResponseTime       string        `json:"response_time"`
}

// EmergencyStatus 各检测子系统的状态。
type EmergencyStatus struct {
	IsActive           bool   `json:"is_active"`
	MedicalDetection   string `json:"medical_detection"`
	CollisionDetection string `json:"collision_detection"`
	LossOfControl      string `json:"loss_of_control"`
}

// DefaultEmergencyStatus 返回默认的检测子系统状态。
func DefaultEmergencyStatus() EmergencyStatus {
	return EmergencyStatus{
		IsActive:           true,
		MedicalDetection:   "Monitoring",
		CollisionDetection: "Active",
		LossOfControl:      "Tracking",
	}
}

// CoPilotSuggestion 副驾驶建议卡片。
type CoPilotSuggestion struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Icon            string `json:"icon"`
	PrimaryAction   string `json:"primary_action"`
	SecondaryAction string `json:"secondary_action"`
}

// InteractionRecord 副驾驶交互历史中的一条记录。
type InteractionRecord struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

// CarRow 车机屏幕上的一行摘要。
type CarRow struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// CarSummary 车机屏幕摘要面板。
type CarSummary struct {
	Rows   []CarRow `json:"rows"`
	Action string   `json:"action"`
}
