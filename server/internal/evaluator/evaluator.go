package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"

	"go.uber.org/zap"
)

// 阈值在编译期固定。
const (
	CriticalPerclos = 70.0
	ElevatedPerclos = 50.0
	MaxHeartRate    = 100
)

var stressEmotions = []string{"stressed", "anxious"}

// Evaluate 按固定顺序检查快照，第一条命中的规则生效。只读，不修改快照。
//  1. PERCLOS > 70 → DROWSINESS（critical）
//  2. PERCLOS > 50 → FATIGUE（elevated）
//  3. 情绪标签包含 stressed/anxious（忽略大小写）→ STRESS
//  4. 心率 > 100 → STRESS
func Evaluate(s model.DriverSnapshot) (model.Trigger, bool) {
	switch {
	case s.Perclos > CriticalPerclos:
		return model.Trigger{
			Reason:   model.ReasonDrowsiness,
			Severity: model.SeverityCritical,
			Details:  fmt.Sprintf("Critical drowsiness detected. PERCLOS at %.1f%%", s.Perclos),
		}, true
	case s.Perclos > ElevatedPerclos:
		return model.Trigger{
			Reason:   model.ReasonFatigue,
			Severity: model.SeverityElevated,
			Details:  fmt.Sprintf("Elevated drowsiness detected. PERCLOS at %.1f%%", s.Perclos),
		}, true
	case containsAny(s.EmotionLabel, stressEmotions):
		return model.Trigger{
			Reason:   model.ReasonStress,
			Severity: model.SeverityElevated,
			Details:  "High stress levels detected in facial analysis",
		}, true
	case s.HeartRate > MaxHeartRate:
		return model.Trigger{
			Reason:   model.ReasonStress,
			Severity: model.SeverityElevated,
			Details:  fmt.Sprintf("Elevated heart rate detected: %d BPM", s.HeartRate),
		}, true
	}
	return model.Trigger{}, false
}

func containsAny(label string, needles []string) bool {
	lower := strings.ToLower(label)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Gate 是触发闸门，由对话持有者实现：已有活跃会话时必须拒绝新的触发。
type Gate interface {
	TryTrigger(t model.Trigger) error
}

// Source 提供快照订阅。
type Source interface {
	Subscribe() (<-chan model.DriverSnapshot, func())
}

// Runner 对每个新快照执行一次评估，并把命中的触发交给闸门。
type Runner struct {
	source Source
	gate   Gate
	logger *zap.Logger

	evaluated  atomic.Int64
	triggered  atomic.Int64
	suppressed atomic.Int64
}

func NewRunner(source Source, gate Gate, log *zap.Logger) *Runner {
	return &Runner{
		source: source,
		gate:   gate,
		logger: logger.OrNop(log).Named("evaluator"),
	}
}

// Run 消费快照直到 ctx 取消或快照源关闭。
func (r *Runner) Run(ctx context.Context) error {
	ch, cancel := r.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			r.Handle(snap)
		}
	}
}

// Handle 评估单个快照，返回是否真正触发了对话。
func (r *Runner) Handle(snap model.DriverSnapshot) bool {
	r.evaluated.Add(1)

	trigger, ok := Evaluate(snap)
	if !ok {
		return false
	}

	if err := r.gate.TryTrigger(trigger); err != nil {
		r.suppressed.Add(1)
		if errors.Is(err, model.ErrConversationActive) {
			r.logger.Debug("Trigger suppressed, conversation already active",
				zap.String("reason", string(trigger.Reason)),
				zap.Int64("tick", snap.Tick),
			)
		} else {
			r.logger.Error("Failed to trigger conversation",
				zap.String("reason", string(trigger.Reason)),
				zap.Error(err),
			)
		}
		return false
	}

	r.triggered.Add(1)
	r.logger.Info("Conversation triggered",
		zap.String("reason", string(trigger.Reason)),
		zap.String("severity", string(trigger.Severity)),
		zap.Float64("perclos", snap.Perclos),
		zap.Int("heart_rate", snap.HeartRate),
		zap.String("emotion", snap.EmotionLabel),
	)
	return true
}

// Stats 返回评估统计。
func (r *Runner) Stats() map[string]int64 {
	return map[string]int64{
		"evaluated":  r.evaluated.Load(),
		"triggered":  r.triggered.Load(),
		"suppressed": r.suppressed.Load(),
	}
}
