package simulator

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// extremeRand 总是返回最大或最小的随机值，用于把游走推到边界。
type extremeRand struct{ high bool }

func (r extremeRand) IntN(n int) int {
	if r.high {
		return n - 1
	}
	return 0
}

func testConfig() config.SimulatorConfig {
	return config.Default().Simulator
}

func TestStep_StaysWithinBoundsAtTheTop(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(extremeRand{high: true}))

	var snap model.DriverSnapshot
	for i := 0; i < 500; i++ {
		snap = sim.Step()
		require.LessOrEqual(t, snap.Perclos, model.PerclosMax)
		require.LessOrEqual(t, snap.HeartRate, model.HeartRateMax)
		require.LessOrEqual(t, snap.Fatigue, 100)
		require.LessOrEqual(t, snap.Alertness, 100)
	}

	assert.Equal(t, model.PerclosMax, snap.Perclos)
	assert.Equal(t, model.HeartRateMax, snap.HeartRate)
	assert.True(t, snap.IsDrowsy)
	assert.Equal(t, "Drifting", snap.LaneKeeping)
	assert.Equal(t, "Erratic", snap.SteeringInput)
}

func TestStep_StaysWithinBoundsAtTheBottom(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(extremeRand{high: false}))

	var snap model.DriverSnapshot
	for i := 0; i < 500; i++ {
		snap = sim.Step()
		require.GreaterOrEqual(t, snap.Perclos, model.PerclosMin)
		require.GreaterOrEqual(t, snap.HeartRate, model.HeartRateMin)
	}

	assert.Equal(t, model.PerclosMin, snap.Perclos)
	assert.Equal(t, model.HeartRateMin, snap.HeartRate)
	assert.Equal(t, "Stable", snap.LaneKeeping)
	assert.Equal(t, "Smooth", snap.SteeringInput)
}

func TestStep_RandomWalkNeverLeavesBounds(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(rand.New(rand.NewPCG(42, 7))))

	for i := 0; i < 5000; i++ {
		snap := sim.Step()
		require.GreaterOrEqual(t, snap.Perclos, model.PerclosMin)
		require.LessOrEqual(t, snap.Perclos, model.PerclosMax)
		require.GreaterOrEqual(t, snap.HeartRate, model.HeartRateMin)
		require.LessOrEqual(t, snap.HeartRate, model.HeartRateMax)
		require.GreaterOrEqual(t, snap.EmotionConfidence, 0)
		require.LessOrEqual(t, snap.EmotionConfidence, 100)
	}
	assert.Equal(t, int64(5000), sim.Ticks())
}

func TestStep_CyclesEmotions(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(extremeRand{}))

	labels := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		labels = append(labels, sim.Step().EmotionLabel)
	}

	assert.Equal(t, []string{"Calm & Focused", "Alert", "Slightly Tired", "Calm", "Calm & Focused"}, labels)
}

func TestStep_StressFollowsConfidence(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(extremeRand{}))

	first := sim.Step()  // 85
	second := sim.Step() // 92
	third := sim.Step()  // 75

	assert.Equal(t, "Low", first.Stress)
	assert.Equal(t, "Low", second.Stress)
	assert.Equal(t, "Elevated", third.Stress)
}

func TestInject_ClampsAndContinuesFromInjectedValue(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(extremeRand{high: true}))

	snap := sim.Inject(model.DriverSnapshot{Perclos: 150, HeartRate: 20, EmotionLabel: "Anxious & Tense"})
	assert.Equal(t, model.PerclosMax, snap.Perclos)
	assert.Equal(t, model.HeartRateMin, snap.HeartRate)
	assert.Equal(t, snap, sim.Current())

	next := sim.Step()
	assert.Equal(t, model.PerclosMax, next.Perclos)
	assert.Equal(t, model.HeartRateMin+2, next.HeartRate)
}

func TestSubscribe_ReceivesLatestSnapshot(t *testing.T) {
	sim := New(testConfig(), nil, WithRand(extremeRand{}))
	ch, cancel := sim.Subscribe()
	defer cancel()

	initial := <-ch
	assert.Equal(t, int64(0), initial.Tick)

	sim.Step()
	sim.Step()
	latest := <-ch
	assert.Equal(t, int64(2), latest.Tick)
}

func TestRun_PublishesOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	sim := New(cfg, nil, WithRand(extremeRand{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	require.Eventually(t, func() bool { return sim.Ticks() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
