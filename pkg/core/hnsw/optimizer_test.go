package hnsw

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func buildVacuumFixture(t *testing.T) (*Index, map[uint32]bool) {
	t.Helper()
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(30))
	for i := 0; i < 120; i++ {
		vec := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	deadInternal := make(map[uint32]bool)
	for i := 0; i < 120; i += 4 {
		id := fmt.Sprintf("d%d", i)
		internal, ok := idx.GetInternalID(id)
		if !ok {
			t.Fatalf("no internal id for %s", id)
		}
		deadInternal[internal] = true
		if err := idx.Remove(id); err != nil {
			t.Fatalf("Remove %s failed: %v", id, err)
		}
	}
	return idx, deadInternal
}

func TestVacuumRepairsDanglingEdges(t *testing.T) {
	idx, deadInternal := buildVacuumFixture(t)

	opt := NewOptimizer(idx, DefaultMaintenanceConfig())
	if !opt.Vacuum() {
		t.Fatal("Vacuum reported no work despite tombstones")
	}

	idx.mu.RLock()
	for _, node := range idx.nodes {
		if node == nil {
			continue
		}
		if deadInternal[node.InternalID] {
			t.Errorf("tombstoned node %d survived vacuum", node.InternalID)
			continue
		}
		for level, neighbors := range node.Connections {
			for _, n := range neighbors {
				if deadInternal[n] {
					t.Errorf("node %d level %d still points at vacuumed node %d", node.InternalID, level, n)
				}
			}
		}
	}
	entry := idx.entrypointID
	idx.mu.RUnlock()

	if deadInternal[entry] {
		t.Errorf("entry point %d was not re-elected away from a vacuumed node", entry)
	}

	// A second pass finds nothing to do.
	if opt.Vacuum() {
		t.Error("second Vacuum reported work on a clean graph")
	}
}

func TestSearchAfterVacuum(t *testing.T) {
	idx, _ := buildVacuumFixture(t)
	wantLive := idx.Len()

	opt := NewOptimizer(idx, DefaultMaintenanceConfig())
	opt.Vacuum()

	if idx.Len() != wantLive {
		t.Errorf("Len changed across vacuum: %d vs %d", idx.Len(), wantLive)
	}

	results, err := idx.Search([]float32{0.5, 0.5, 0.5, 0.5}, wantLive)
	if err != nil {
		t.Fatalf("Search after vacuum failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.DocumentID] {
			t.Errorf("duplicate result %s", r.DocumentID)
		}
		seen[r.DocumentID] = true
	}

	// Vacuumed ids are reusable.
	if _, err := idx.Add(doc("d0", 0.5, 0.5, 0.5, 0.5)); err != nil {
		t.Errorf("re-adding a vacuumed id failed: %v", err)
	}
}

func TestVacuumAllDocuments(t *testing.T) {
	idx := newTestIndex(t)
	for i := 0; i < 10; i++ {
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), float32(i), float32(i))); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := idx.Remove(fmt.Sprintf("d%d", i)); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}

	opt := NewOptimizer(idx, DefaultMaintenanceConfig())
	opt.Vacuum()

	if idx.Len() != 0 {
		t.Errorf("Len = %d after full vacuum, want 0", idx.Len())
	}
	results, err := idx.Search([]float32{1, 1}, 3)
	if err != nil {
		t.Fatalf("Search on fully vacuumed index failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from a fully vacuumed index", len(results))
	}

	// The index accepts new documents again.
	if _, err := idx.Add(doc("fresh", 2, 3)); err != nil {
		t.Errorf("Add after full vacuum failed: %v", err)
	}
}

func TestRunCycleThresholdPolicy(t *testing.T) {
	idx := newTestIndex(t)
	for i := 0; i < 20; i++ {
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), float32(i), 0)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	cfg := MaintenanceConfig{
		VacuumInterval:  Duration(time.Nanosecond),
		DeleteThreshold: 0.5,
	}
	opt := NewOptimizer(idx, cfg)

	// One deletion out of twenty is below the 50% threshold.
	if err := idx.Remove("d0"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if opt.RunCycle("") {
		t.Error("RunCycle vacuumed below the delete threshold")
	}

	for i := 1; i < 15; i++ {
		if err := idx.Remove(fmt.Sprintf("d%d", i)); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}
	if !opt.RunCycle("") {
		t.Error("RunCycle skipped a vacuum above the delete threshold")
	}

	// Forcing always runs, threshold or not.
	if err := idx.Remove("d15"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !opt.RunCycle("vacuum") {
		t.Error("forced vacuum reported no work despite a tombstone")
	}
}

func TestVacuumKeepsReinsertedID(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.Add(doc("a", 1, 2)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := idx.Add(doc("b", 3, 4)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Remove unmaps "a" immediately, so the id is free for re-insertion
	// while the tombstoned node still occupies its old slot.
	if err := idx.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := idx.Add(doc("a", 5, 6)); err != nil {
		t.Fatalf("re-Add failed: %v", err)
	}

	opt := NewOptimizer(idx, DefaultMaintenanceConfig())
	if !opt.Vacuum() {
		t.Fatal("Vacuum reported no work despite a tombstone")
	}

	if !idx.Contains("a") {
		t.Fatal("live re-inserted document vanished from the id map after Vacuum")
	}
	data, ok := idx.GetNodeData("a")
	if !ok {
		t.Fatal("GetNodeData lost the re-inserted document after Vacuum")
	}
	if data.ID != "a" {
		t.Errorf("GetNodeData returned %q, want a", data.ID)
	}
	if idx.Len() != 2 {
		t.Errorf("Len = %d after vacuum, want 2", idx.Len())
	}
	if err := idx.Remove("a"); err != nil {
		t.Errorf("Remove of the re-inserted document failed: %v", err)
	}
}

func TestVacuumElectsHighestLevelEntryPoint(t *testing.T) {
	idx, _ := buildVacuumFixture(t)

	// Tombstone the entry point so the vacuum has to re-elect.
	idx.mu.RLock()
	entryExternal := idx.internalToExternalID[idx.entrypointID]
	idx.mu.RUnlock()
	if idx.Contains(entryExternal) {
		if err := idx.Remove(entryExternal); err != nil {
			t.Fatalf("Remove entry point failed: %v", err)
		}
	}

	opt := NewOptimizer(idx, DefaultMaintenanceConfig())
	opt.Vacuum()

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	highest := -1
	for _, node := range idx.nodes {
		if node == nil || node.Deleted.Load() {
			continue
		}
		if level := len(node.Connections) - 1; level > highest {
			highest = level
		}
	}
	if idx.maxLevel != highest {
		t.Errorf("maxLevel = %d after re-election, want %d", idx.maxLevel, highest)
	}
	entry := idx.nodes[idx.entrypointID]
	if entry == nil || entry.Deleted.Load() {
		t.Fatal("re-elected entry point is not a live node")
	}
	if got := len(entry.Connections) - 1; got != highest {
		t.Errorf("entry point level = %d, want the highest live level %d", got, highest)
	}
}

func TestRefineRebuildsNeighborLists(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(31))
	for i := 0; i < 60; i++ {
		vec := []float32{rng.Float32(), rng.Float32(), rng.Float32()}
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	cfg := DefaultMaintenanceConfig()
	cfg.RefineEnabled = true
	cfg.RefineBatchSize = 60
	opt := NewOptimizer(idx, cfg)

	if !opt.Refine() {
		t.Fatal("Refine reported no work on a populated graph")
	}

	// Refinement must not corrupt the graph.
	results, err := idx.Search([]float32{0.5, 0.5, 0.5}, 10)
	if err != nil {
		t.Fatalf("Search after refine failed: %v", err)
	}
	if len(results) != 10 {
		t.Errorf("got %d results after refine, want 10", len(results))
	}
}
