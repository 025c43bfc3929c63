package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storylinehq/storyline/internal/types"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// backends returns every Store implementation so each test exercises both.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".storyline", "storyline.db")
	sqlite, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "ledger.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.MarkDone(ctx, "checkout", "story-3"))
			require.NoError(t, store.MarkDone(ctx, "checkout", "story-3"))

			done, err := store.IsDone(ctx, "checkout", "story-3")
			require.NoError(t, err)
			assert.True(t, done)

			items, err := store.UnitItems(ctx, "checkout")
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, "story-3", items[0].ItemID)
			assert.Equal(t, types.StatusDone, items[0].Status)
		})
	}
}

func TestItemStatusUpsert(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			item := &types.WorkItem{
				ID:     "story-1",
				UnitID: "checkout",
				Status: types.StatusInProgress,
			}
			require.NoError(t, store.RecordItem(ctx, item))

			item.Status = types.StatusBlocked
			item.BlockReason = "agent reported no completion signal"
			require.NoError(t, store.RecordItem(ctx, item))

			items, err := store.UnitItems(ctx, "checkout")
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, types.StatusBlocked, items[0].Status)
			assert.Equal(t, "agent reported no completion signal", items[0].BlockReason)

			done, err := store.IsDone(ctx, "checkout", "story-1")
			require.NoError(t, err)
			assert.False(t, done)
		})
	}
}

func TestUnknownItemIsNotDone(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			done, err := store.IsDone(context.Background(), "checkout", "never-seen")
			require.NoError(t, err)
			assert.False(t, done)
		})
	}
}

func TestUnitItemsOrderedByID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.MarkDone(ctx, "checkout", "story-2"))
			require.NoError(t, store.MarkDone(ctx, "checkout", "story-1"))
			require.NoError(t, store.MarkDone(ctx, "billing", "story-9"))

			items, err := store.UnitItems(ctx, "checkout")
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "story-1", items[0].ItemID)
			assert.Equal(t, "story-2", items[1].ItemID)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Truncate(time.Second)

			older := &UnitRun{ID: "run-a", UnitID: "checkout", Kind: RunKindStories, StartedAt: base.Add(-2 * time.Minute)}
			newer := &UnitRun{ID: "run-b", UnitID: "checkout", Kind: RunKindValidate, StartedAt: base.Add(-1 * time.Minute)}
			other := &UnitRun{ID: "run-c", UnitID: "billing", Kind: RunKindStories, StartedAt: base}
			require.NoError(t, store.StartRun(ctx, older))
			require.NoError(t, store.StartRun(ctx, newer))
			require.NoError(t, store.StartRun(ctx, other))

			require.NoError(t, store.FinishRun(ctx, "run-b", 2))

			runs, err := store.RecentRuns(ctx, "checkout", 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-b", runs[0].ID)
			assert.Equal(t, "run-a", runs[1].ID)

			assert.True(t, runs[0].Finished())
			require.NotNil(t, runs[0].ExitCode)
			assert.Equal(t, 2, *runs[0].ExitCode)
			assert.False(t, runs[1].Finished())
			assert.Nil(t, runs[1].ExitCode)

			all, err := store.RecentRuns(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "run-c", all[0].ID)
		})
	}
}

func TestPruneStaleRuns(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()

			stale := &UnitRun{ID: "run-stale", UnitID: "checkout", Kind: RunKindStories, StartedAt: base.Add(-time.Hour)}
			finished := &UnitRun{ID: "run-finished", UnitID: "checkout", Kind: RunKindStories, StartedAt: base.Add(-time.Hour)}
			active := &UnitRun{ID: "run-active", UnitID: "checkout", Kind: RunKindStories, StartedAt: base}
			require.NoError(t, store.StartRun(ctx, stale))
			require.NoError(t, store.StartRun(ctx, finished))
			require.NoError(t, store.StartRun(ctx, active))
			require.NoError(t, store.FinishRun(ctx, "run-finished", 0))

			pruned, err := store.PruneStaleRuns(ctx, 10*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 1, pruned)

			runs, err := store.RecentRuns(ctx, "checkout", 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			for _, run := range runs {
				assert.NotEqual(t, "run-stale", run.ID)
			}

			// Nothing left to prune.
			pruned, err = store.PruneStaleRuns(ctx, 10*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 0, pruned)
		})
	}
}

func TestStartRunDefaultsStartedAt(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			run := &UnitRun{ID: "run-x", UnitID: "checkout", Kind: RunKindStories}
			require.NoError(t, store.StartRun(context.Background(), run))
			assert.False(t, run.StartedAt.IsZero())
		})
	}
}

func TestStartRunRequiresID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.StartRun(context.Background(), &UnitRun{UnitID: "checkout"})
			require.Error(t, err)
		})
	}
}

func TestGateLatestWins(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			gate, err := store.LatestGate(ctx, "checkout")
			require.NoError(t, err)
			assert.Nil(t, gate)

			require.NoError(t, store.RecordGate(ctx, GateRecord{
				RunID: "run-a", UnitID: "checkout",
				Mode: types.GateQuick, Status: types.GateFail,
				Passed: 1, Failed: 2, OutOfScope: 1,
			}))
			require.NoError(t, store.RecordGate(ctx, GateRecord{
				RunID: "run-b", UnitID: "checkout",
				Mode: types.GateFull, Status: types.GatePass,
				Passed: 4, OutOfScope: 1,
			}))

			gate, err = store.LatestGate(ctx, "checkout")
			require.NoError(t, err)
			require.NotNil(t, gate)
			assert.Equal(t, "run-b", gate.RunID)
			assert.Equal(t, types.GatePass, gate.Status)
			assert.Equal(t, types.GateFull, gate.Mode)
			assert.Equal(t, 4, gate.Passed)
		})
	}
}

func TestTelemetryAppendsWithoutError(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := store.RecordFixAttempt(ctx, "run-a", types.FixAttempt{
				UnitID: "checkout", ItemID: "story-1", Attempt: 1, Outcome: types.FixFailure,
			})
			require.NoError(t, err)

			err = store.RecordScenario(ctx, "run-a", "checkout", types.ScenarioResult{
				ScenarioID: "S1", Name: "login works", Status: types.ScenarioFail,
				ExitCode: 1, Duration: 320 * time.Millisecond, Reason: "exit code 1",
			})
			require.NoError(t, err)
		})
	}
}
