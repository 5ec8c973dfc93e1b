package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/evaluator"
	"vigilance-ai/server/internal/model"
	"vigilance-ai/server/internal/simulator"

	"github.com/spf13/cobra"
)

const defaultSimulateStart = "2026-01-01T00:00:00Z"

// simulatedClock 每次调用前进一个 tick 周期，输出不依赖墙上时钟。
func simulatedClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(step)
		return now
	}
}

// verdict 是 simulate 输出的一行
type verdict struct {
	Snapshot model.DriverSnapshot `json:"snapshot"`
	Trigger  *model.Trigger       `json:"trigger"`
}

func simulateCmd() *cobra.Command {
	var (
		configPath string
		ticks      int
		seed       uint64
		start      string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Print simulated snapshots and evaluator verdicts",
		Long: `Step the metric simulator without sleeping and print one JSON line per tick
with the snapshot and the trigger the evaluator would raise (null when none).
Capture times start at --start and advance by the configured interval, so the
same --seed and --start always produce byte-identical output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks <= 0 {
				return fmt.Errorf("--ticks must be positive, got %d", ticks)
			}
			startAt, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			sim := simulator.New(cfg.Simulator, nil,
				simulator.WithRand(rand.New(rand.NewPCG(seed, seed))),
				simulator.WithClock(simulatedClock(startAt.UTC(), cfg.Simulator.Interval)),
			)
			defer sim.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for i := 0; i < ticks; i++ {
				snap := sim.Step()
				v := verdict{Snapshot: snap}
				if t, ok := evaluator.Evaluate(snap); ok {
					v.Trigger = &t
				}
				if err := enc.Encode(v); err != nil {
					return fmt.Errorf("write verdict: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path (defaults when empty)")
	cmd.Flags().IntVar(&ticks, "ticks", 10, "number of snapshots to generate")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&start, "start", defaultSimulateStart, "capture time of the initial snapshot (RFC3339)")
	return cmd
}
