package simulator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/state"

	"go.uber.org/zap"
)

// Rand 是模拟器使用的随机源，测试中可以替换为确定性实现。
type Rand interface {
	IntN(n int) int
}

// Simulator 周期性扰动驾驶员指标，并以“最新值广播”的方式发布快照。
//
// 职责与契约：
// - 每个 tick 对 PERCLOS 与心率施加小幅有符号随机扰动，并夹紧到边界内。
// - 情绪标签按固定列表循环。
// - 派生字段（车道保持、转向输入）是 PERCLOS 的确定性函数。
// - 不排队：慢订阅者只会看到最新快照。
type Simulator struct {
	cfg    config.SimulatorConfig
	rnd    Rand
	now    func() time.Time
	logger *zap.Logger

	mu           sync.Mutex // 保护下面的游走状态，Step 可能被 Run 与 CLI 同时调用
	perclos      float64
	heartRate    int
	emotionIndex int
	tick         int64

	snapshots *state.Value[model.DriverSnapshot]
}

// Option 模拟器可选项
type Option func(*Simulator)

// WithRand 替换随机源
func WithRand(r Rand) Option {
	return func(s *Simulator) { s.rnd = r }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// New 创建模拟器，并立即发布初始快照。
func New(cfg config.SimulatorConfig, log *zap.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:       cfg,
		rnd:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now:       time.Now,
		logger:    logger.OrNop(log).Named("simulator"),
		perclos:   model.ClampFloat(cfg.InitialPerclos, model.PerclosMin, model.PerclosMax),
		heartRate: model.ClampInt(cfg.InitialHeart, model.HeartRateMin, model.HeartRateMax),
	}
	for _, opt := range opts {
		opt(s)
	}

	initial := model.DefaultSnapshot()
	initial.CapturedAt = s.now()
	s.snapshots = state.NewValue(initial)
	return s
}

// Run 按固定周期生成快照，直到 ctx 被取消。
func (s *Simulator) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Metric simulation started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Metric simulation stopped", zap.Int64("ticks", s.Ticks()))
			return ctx.Err()
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step 计算并发布一个新快照。
func (s *Simulator) Step() model.DriverSnapshot {
	s.mu.Lock()
	s.perclos = model.ClampFloat(s.perclos+float64(s.delta(s.cfg.PerclosStep)), model.PerclosMin, model.PerclosMax)
	s.heartRate = model.ClampInt(s.heartRate+s.delta(s.cfg.HeartStep), model.HeartRateMin, model.HeartRateMax)

	emotion := config.EmotionSample{Label: "Calm & Focused", Confidence: 85}
	if len(s.cfg.Emotions) > 0 {
		emotion = s.cfg.Emotions[s.emotionIndex%len(s.cfg.Emotions)]
	}
	s.emotionIndex++
	s.tick++

	snap := model.DriverSnapshot{
		WellnessScore:     80 + s.delta(5),
		Alertness:         80 + s.delta(10),
		Stress:            stressFor(emotion.Confidence),
		Fatigue:           int(s.perclos),
		AccidentDetected:  false,
		Perclos:           s.perclos,
		HeartRate:         s.heartRate,
		EmotionLabel:      emotion.Label,
		EmotionConfidence: emotion.Confidence,
		SpeedControl:      "Steady",
		TripTime:          fmt.Sprintf("1h %dm", 1+s.rnd.IntN(60)),
		Destination:       s.cfg.Destination,
		Tick:              s.tick,
		CapturedAt:        s.now(),
	}.Clamp()
	s.mu.Unlock()

	s.snapshots.Set(snap)
	s.logger.Debug("Snapshot published",
		zap.Int64("tick", snap.Tick),
		zap.Float64("perclos", snap.Perclos),
		zap.Int("heart_rate", snap.HeartRate),
		zap.String("emotion", snap.EmotionLabel),
	)
	return snap
}

// Inject 用外部读数替换当前快照（传感器覆盖/测试用），数值会被夹紧，
// 后续的随机游走从注入值继续。
func (s *Simulator) Inject(snap model.DriverSnapshot) model.DriverSnapshot {
	s.mu.Lock()
	snap = snap.Clamp()
	s.perclos = snap.Perclos
	s.heartRate = snap.HeartRate
	s.tick++
	snap.Tick = s.tick
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	s.mu.Unlock()

	s.snapshots.Set(snap)
	s.logger.Info("Snapshot injected",
		zap.Float64("perclos", snap.Perclos),
		zap.Int("heart_rate", snap.HeartRate),
		zap.String("emotion", snap.EmotionLabel),
	)
	return snap
}

// Current 返回最新快照。
func (s *Simulator) Current() model.DriverSnapshot {
	return s.snapshots.Get()
}

// Subscribe 订阅快照变化。
func (s *Simulator) Subscribe() (<-chan model.DriverSnapshot, func()) {
	return s.snapshots.Subscribe()
}

// Ticks 返回已生成的快照数量。
func (s *Simulator) Ticks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Close 关闭所有订阅。
func (s *Simulator) Close() {
	s.snapshots.Close()
}

// delta 返回 [-k, k] 区间内的均匀随机整数。
func (s *Simulator) delta(k int) int {
	if k <= 0 {
		return 0
	}
	return s.rnd.IntN(2*k+1) - k
}

func stressFor(confidence int) string {
	if confidence < 80 {
		return "Elevated"
	}
	return "Low"
}
