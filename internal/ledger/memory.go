package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storylinehq/storyline/internal/types"
)

// MemoryStore is an in-process Store. It backs tests and the
// continue-without-ledger fallback when the database cannot be opened;
// nothing survives process exit.
type MemoryStore struct {
	mu        sync.Mutex
	runs      []UnitRun
	items     map[string]ItemRecord
	attempts  []types.FixAttempt
	scenarios []types.ScenarioResult
	gates     []GateRecord
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *MemoryStore {
	return &MemoryStore{items: make(map[string]ItemRecord)}
}

func itemKey(unitID, itemID string) string {
	return unitID + "/" + itemID
}

func (m *MemoryStore) StartRun(ctx context.Context, run *UnitRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *MemoryStore) FinishRun(ctx context.Context, runID string, exitCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID {
			now := time.Now()
			code := exitCode
			m.runs[i].FinishedAt = &now
			m.runs[i].ExitCode = &code
			return nil
		}
	}
	return fmt.Errorf("unknown run %s", runID)
}

func (m *MemoryStore) RecentRuns(ctx context.Context, unitID string, limit int) ([]UnitRun, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []UnitRun
	for _, run := range m.runs {
		if unitID == "" || run.UnitID == unitID {
			runs = append(runs, run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) PruneStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.runs[:0]
	pruned := 0
	for _, run := range m.runs {
		if !run.Finished() && run.StartedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, run)
	}
	m.runs = kept
	return pruned, nil
}

func (m *MemoryStore) RecordItem(ctx context.Context, item *types.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemKey(item.UnitID, item.ID)] = ItemRecord{
		UnitID:      item.UnitID,
		ItemID:      item.ID,
		Status:      item.Status,
		BlockReason: item.BlockReason,
		UpdatedAt:   time.Now(),
	}
	return nil
}

func (m *MemoryStore) MarkDone(ctx context.Context, unitID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemKey(unitID, itemID)] = ItemRecord{
		UnitID:    unitID,
		ItemID:    itemID,
		Status:    types.StatusDone,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) IsDone(ctx context.Context, unitID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[itemKey(unitID, itemID)]
	return ok && rec.Status == types.StatusDone, nil
}

func (m *MemoryStore) UnitItems(ctx context.Context, unitID string) ([]ItemRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []ItemRecord
	for _, rec := range m.items {
		if rec.UnitID == unitID {
			items = append(items, rec)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ItemID < items[j].ItemID
	})
	return items, nil
}

func (m *MemoryStore) RecordFixAttempt(ctx context.Context, runID string, attempt types.FixAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *MemoryStore) RecordScenario(ctx context.Context, runID, unitID string, res types.ScenarioResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios = append(m.scenarios, res)
	return nil
}

func (m *MemoryStore) RecordGate(ctx context.Context, gate GateRecord) error {
	if gate.CreatedAt.IsZero() {
		gate.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates = append(m.gates, gate)
	return nil
}

func (m *MemoryStore) LatestGate(ctx context.Context, unitID string) (*GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.gates) - 1; i >= 0; i-- {
		if m.gates[i].UnitID == unitID {
			gate := m.gates[i]
			return &gate, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
