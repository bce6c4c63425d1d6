package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicelabs/orchestrator/internal/core"
)

func TestChooseConvergesToBetterArm(t *testing.T) {
	b := New(0.05)
	ctx := Context{IntentConfidence: 0.9, GuardianState: "NORMAL"}

	// Micro succeeds, planner fails, repeatedly.
	for i := 0; i < 200; i++ {
		b.Update(ctx, core.RouteMicro, 0.95)
		b.Update(ctx, core.RoutePlanner, 0.05)
	}

	micro := 0
	for i := 0; i < 100; i++ {
		if b.Choose(ctx, nil) == core.RouteMicro {
			micro++
		}
	}
	assert.Greater(t, micro, 80, "posterior should favor the successful arm")
}

func TestChooseRespectsMask(t *testing.T) {
	b := New(0.05)
	ctx := Context{IntentConfidence: 0.9, GuardianState: "NORMAL"}

	for i := 0; i < 100; i++ {
		b.Update(ctx, core.RouteDeep, 1.0)
		b.Update(ctx, core.RouteMicro, 0.1)
	}

	onlyMicro := func(r core.Route) bool { return r == core.RouteMicro }
	for i := 0; i < 20; i++ {
		assert.Equal(t, core.RouteMicro, b.Choose(ctx, onlyMicro))
	}
}

func TestChooseAllMaskedFallsBackToMicro(t *testing.T) {
	b := New(0.05)
	none := func(core.Route) bool { return false }
	assert.Equal(t, core.RouteMicro, b.Choose(Context{GuardianState: "NORMAL"}, none))
}

func TestQuarantineSkipsArm(t *testing.T) {
	b := New(0.05)
	ctx := Context{IntentConfidence: 0.9, GuardianState: "NORMAL"}

	for i := 0; i < 100; i++ {
		b.Update(ctx, core.RouteDeep, 1.0)
	}
	b.Quarantine(core.RouteDeep, true)

	for i := 0; i < 20; i++ {
		assert.NotEqual(t, core.RouteDeep, b.Choose(ctx, nil))
	}

	b.Quarantine(core.RouteDeep, false)
	deep := 0
	for i := 0; i < 100; i++ {
		if b.Choose(ctx, nil) == core.RouteDeep {
			deep++
		}
	}
	assert.Greater(t, deep, 50)
}

func TestBucketSeparatesContexts(t *testing.T) {
	a := Context{IntentConfidence: 0.9, GuardianState: "NORMAL"}
	c := Context{IntentConfidence: 0.3, GuardianState: "BROWNOUT", HasQuestion: true}
	assert.NotEqual(t, a.bucket(), c.bucket())
}

func TestRewardComposition(t *testing.T) {
	// Fast success within budget, negligible energy.
	r := Reward(true, 100, 900, 0.0001)
	assert.InDelta(t, 0.5+0.3*(1-100.0/900.0)+0.2*(1-0.01), r, 0.01)

	// Failure at budget with heavy energy is near zero.
	assert.Less(t, Reward(false, 900, 900, 0.02), 0.05)

	// Bounds hold under pathological inputs.
	assert.GreaterOrEqual(t, Reward(false, 10_000, 900, 1.0), 0.0)
	assert.LessOrEqual(t, Reward(true, 0, 900, 0.0), 1.0)
}

func TestUpdateClampsReward(t *testing.T) {
	b := New(0.05)
	ctx := Context{GuardianState: "NORMAL"}
	b.Update(ctx, core.RouteMicro, 5.0)
	b.Update(ctx, core.RouteMicro, -3.0)

	stats := b.Stats()
	for _, s := range stats {
		assert.GreaterOrEqual(t, s.Mean, 0.0)
		assert.LessOrEqual(t, s.Mean, 1.0)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	b := New(0.05)
	ctx := Context{IntentConfidence: 0.9, GuardianState: "NORMAL"}
	for i := 0; i < 50; i++ {
		b.Update(ctx, core.RoutePlanner, 0.9)
	}
	require.NoError(t, b.Save(dir))

	restored := New(0.05)
	require.NoError(t, restored.Load(dir))

	var found bool
	for _, s := range restored.Stats() {
		if s.Arm == "PLANNER" && s.Pulls == 50 {
			found = true
			assert.InDelta(t, 0.89, s.Mean, 0.05)
		}
	}
	assert.True(t, found, "restored posterior should carry the planner pulls")
}

func TestLoadCorruptSnapshotReinitializes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bandit.snap"), []byte("{not json"), 0o644))

	b := New(0.05)
	require.NoError(t, b.Load(dir))
	assert.Empty(t, b.Stats())
}

func TestLoadMissingSnapshotIsClean(t *testing.T) {
	b := New(0.05)
	require.NoError(t, b.Load(t.TempDir()))
	assert.Empty(t, b.Stats())
}

func TestSaveIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	b := New(0.05)
	require.NoError(t, b.Save(dir))
	require.NoError(t, b.Save(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// No stray temp files after repeated saves.
	require.Len(t, entries, 1)
	assert.Equal(t, "bandit.snap", entries[0].Name())
}
