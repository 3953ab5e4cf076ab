package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetargetRespectsRetargetTime(t *testing.T) {
	v := NewVarDiff(DifficultyConfig{RetargetTime: time.Hour})
	state := NewWorkerDiffState(1.0)

	require.False(t, v.ShouldRetarget(state))

	state.LastRetargetTime = time.Now().Add(-2 * time.Hour)
	require.True(t, v.ShouldRetarget(state))
}

func TestCalculateNewDifficultyIncreasesOnFastShares(t *testing.T) {
	v := NewVarDiff(DifficultyConfig{
		TargetShareTime: 10 * time.Second,
		VariancePercent: 10,
		MinDifficulty:   0.001,
		MaxDifficulty:   1_000_000,
	})
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * time.Second)) // ~1s apart, far below the 10s target
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	require.True(t, changed)
	require.Greater(t, newDiff, 1.0)
	require.LessOrEqual(t, newDiff, 4.0) // clamped to 4x the previous difficulty
}

func TestCalculateNewDifficultyNoopWithinVariance(t *testing.T) {
	v := NewVarDiff(DifficultyConfig{
		TargetShareTime: 10 * time.Second,
		VariancePercent: 50,
		MinDifficulty:   0.001,
		MaxDifficulty:   1_000_000,
	})
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	state.RecordShare(base)
	state.RecordShare(base.Add(10 * time.Second))

	_, changed := v.CalculateNewDifficulty(state)
	require.False(t, changed)
}

func TestCalculateNewDifficultyRespectsMaxBound(t *testing.T) {
	v := NewVarDiff(DifficultyConfig{
		TargetShareTime: 10 * time.Second,
		VariancePercent: 1,
		MinDifficulty:   0.001,
		MaxDifficulty:   2.0,
	})
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	require.True(t, changed)
	require.LessOrEqual(t, newDiff, 2.0)
}

func TestRecordShareTrimsToLast100(t *testing.T) {
	state := NewWorkerDiffState(1.0)
	base := time.Now()
	for i := 0; i < 150; i++ {
		state.RecordShare(base.Add(time.Duration(i) * time.Second))
	}
	require.Len(t, state.ShareTimes, 100)
	require.Equal(t, int64(150), state.TotalShares)
}

func TestCompactToDifficultyDiff1(t *testing.T) {
	d := CompactToDifficulty(0x1d00ffff)
	require.InDelta(t, 1.0, d, 0.01)
}
