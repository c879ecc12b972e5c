package hnsw

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quillvec/quillvec/pkg/core/types"
)

// GraphOptimizer manages background maintenance for one index. Vacuum is the
// second half of the tombstone removal model: Remove only flags a node, and
// Vacuum later repairs the neighbor lists that still point at it, re-elects
// the entry point if needed, and frees the slot.
type GraphOptimizer struct {
	index  *Index
	config MaintenanceConfig

	lastVacuumTime time.Time
	lastRefineTime time.Time
	lastScanIdx    int // cyclic cursor for refinement

	mu sync.Mutex
}

func NewOptimizer(index *Index, cfg MaintenanceConfig) *GraphOptimizer {
	return &GraphOptimizer{
		index:  index,
		config: cfg,
	}
}

// UpdateConfig updates settings on the fly.
func (o *GraphOptimizer) UpdateConfig(cfg MaintenanceConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
	slog.Info("optimizer config updated", "vacuum_interval", time.Duration(cfg.VacuumInterval).String(), "refine_enabled", cfg.RefineEnabled)
}

// GetConfig returns the current configuration.
func (o *GraphOptimizer) GetConfig() MaintenanceConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

// RunCycle checks timers and thresholds and executes due tasks. Called by
// the owning registry's maintenance ticker; forceType "vacuum" or "refine"
// bypasses the policies.
func (o *GraphOptimizer) RunCycle(forceType string) bool {
	o.mu.Lock()
	cfg := o.config
	lastVac := o.lastVacuumTime
	lastRef := o.lastRefineTime
	o.mu.Unlock()

	now := time.Now()
	didWork := false

	shouldVacuum := forceType == "vacuum"
	if !shouldVacuum && time.Duration(cfg.VacuumInterval) > 0 {
		timePassed := now.Sub(lastVac) >= time.Duration(cfg.VacuumInterval)

		thresholdMet := false
		if timePassed {
			total, deleted := o.index.tombstoneStats()
			if total > 0 && float64(deleted)/float64(total) >= cfg.DeleteThreshold {
				thresholdMet = true
			}
		}
		shouldVacuum = timePassed && thresholdMet
	}

	if shouldVacuum {
		if o.Vacuum() {
			didWork = true
		}
		o.mu.Lock()
		o.lastVacuumTime = now
		o.mu.Unlock()
		return didWork // vacuum has priority over refine
	}

	shouldRefine := forceType == "refine"
	if !shouldRefine && cfg.RefineEnabled && time.Duration(cfg.RefineInterval) > 0 {
		shouldRefine = now.Sub(lastRef) >= time.Duration(cfg.RefineInterval)
	}

	if shouldRefine {
		if o.Refine() {
			didWork = true
		}
		o.mu.Lock()
		o.lastRefineTime = now
		o.mu.Unlock()
	}

	return didWork
}

// tombstoneStats counts total and tombstoned nodes under a shared lock.
func (h *Index) tombstoneStats() (total, deleted int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		total++
		if n.Deleted.Load() {
			deleted++
		}
	}
	return total, deleted
}

// Vacuum scans for tombstoned nodes, repairs neighbor lists pointing to them,
// and frees their slots. The work is phased to keep lock hold times short:
//
//	Phase 1: identify tombstones (RLock)
//	Phase 2: find live nodes with dead edges (RLock)
//	Phase 3: repair in batches (Lock per batch, released between batches)
//	Phase 4: entry point fix and physical cleanup (Lock)
func (o *GraphOptimizer) Vacuum() bool {
	const repairBatchSize = 100 // nodes repaired per lock acquisition

	// Phase 1: identify tombstones.
	o.index.mu.RLock()
	deletedSet := make(map[uint32]struct{})
	for i, node := range o.index.nodes {
		if node != nil && node.Deleted.Load() {
			deletedSet[uint32(i)] = struct{}{}
		}
	}
	o.index.mu.RUnlock()

	if len(deletedSet) == 0 {
		return false
	}

	slog.Info("vacuum: repairing graph", "tombstones", len(deletedSet))

	// Phase 2: collect live nodes with at least one dead edge.
	o.index.mu.RLock()
	nodesToRepair := make([]*Node, 0, len(o.index.nodes)/10)
	for _, node := range o.index.nodes {
		if node == nil || node.Deleted.Load() {
			continue
		}
		needsRepair := false
		for _, layer := range node.Connections {
			for _, neighborID := range layer {
				if _, isDead := deletedSet[neighborID]; isDead {
					needsRepair = true
					break
				}
			}
			if needsRepair {
				break
			}
		}
		if needsRepair {
			nodesToRepair = append(nodesToRepair, node)
		}
	}
	o.index.mu.RUnlock()

	// Phase 3: repair in batches, releasing the lock between batches so
	// queries interleave.
	repairedCount := 0
	for i := 0; i < len(nodesToRepair); i += repairBatchSize {
		end := min(i+repairBatchSize, len(nodesToRepair))
		batch := nodesToRepair[i:end]

		o.index.mu.Lock()
		for _, node := range batch {
			if node == nil || node.Deleted.Load() {
				continue
			}
			o.reconnectNode(node, deletedSet)
			repairedCount++
		}
		o.index.mu.Unlock()
	}

	// Phase 4: final cleanup.
	o.index.mu.Lock()
	defer o.index.mu.Unlock()

	if _, entryIsDead := deletedSet[o.index.entrypointID]; entryIsDead {
		slog.Info("vacuum: entry point was removed, electing a new one")
		// The new entry point must be the highest-level live node, otherwise
		// maxLevel drops below existing nodes' levels and upper-layer edges
		// become unreachable.
		newEntryFound := false
		bestLevel := -1
		for i, node := range o.index.nodes {
			if node == nil || node.Deleted.Load() {
				continue
			}
			if level := len(node.Connections) - 1; level > bestLevel {
				o.index.entrypointID = uint32(i)
				o.index.maxLevel = level
				bestLevel = level
				newEntryFound = true
			}
		}
		if !newEntryFound {
			o.index.entrypointID = 0
			o.index.maxLevel = -1
			slog.Info("vacuum: graph is now empty")
		}
	}

	for deadID := range deletedSet {
		if extID, ok := o.index.internalToExternalID[deadID]; ok {
			// Remove unmaps the external id at tombstone time so it can be
			// re-inserted. If that happened, the forward mapping now points
			// at the live replacement and must survive the cleanup.
			if cur, live := o.index.externalToInternalID[extID]; live && cur == deadID {
				delete(o.index.externalToInternalID, extID)
			}
			delete(o.index.internalToExternalID, deadID)
		}
		o.index.nodes[deadID] = nil
	}

	slog.Info("vacuum complete", "repaired_parents", repairedCount, "removed_nodes", len(deletedSet))
	return true
}

// Refine improves graph quality by re-evaluating the neighbor lists for a
// cyclic batch of nodes, one cursor position per cycle.
func (o *GraphOptimizer) Refine() bool {
	o.index.mu.RLock()
	totalNodes := len(o.index.nodes)
	o.index.mu.RUnlock()

	if totalNodes == 0 {
		return false
	}

	o.mu.Lock()
	start := o.lastScanIdx
	batchSize := o.config.RefineBatchSize
	ef := o.config.RefineEfConstruction
	o.mu.Unlock()

	if ef == 0 {
		ef = o.index.efConstruction
	}
	if start >= totalNodes {
		start = 0
	}
	end := min(start+batchSize, totalNodes)

	nextStart := end
	if nextStart >= totalNodes {
		nextStart = 0
	}
	o.mu.Lock()
	o.lastScanIdx = nextStart
	o.mu.Unlock()

	o.index.mu.Lock()
	defer o.index.mu.Unlock()

	refined := 0
	for i := start; i < end && i < len(o.index.nodes); i++ {
		node := o.index.nodes[i]
		if node == nil || node.Deleted.Load() {
			continue
		}
		o.reconnectNode(node, nil)
		refined++
	}
	return refined > 0
}

// reconnectNode performs a local HNSW search to find the best neighbors for
// 'node', excluding any ID in 'ignoreSet'. Used for both repair and
// refinement. Caller must hold the index write lock.
func (o *GraphOptimizer) reconnectNode(node *Node, ignoreSet map[uint32]struct{}) {
	queryObj := o.index.nodeQuery(node)

	ef := o.config.RefineEfConstruction
	if ef == 0 {
		ef = o.index.efConstruction
	}

	for l := 0; l < len(node.Connections); l++ {
		candidates, err := o.index.searchLayerUnlocked(queryObj, o.index.entrypointID, ef, l, nil, ef, uint32(o.index.nodeCounter.Load()))
		if err != nil {
			continue
		}

		// Existing good connections may not be rediscovered by the search;
		// keep them in the candidate pool.
		for _, nID := range node.Connections[l] {
			if ignoreSet != nil {
				if _, ignore := ignoreSet[nID]; ignore {
					continue
				}
			}

			alreadyIn := false
			for _, c := range candidates {
				if c.Id == nID {
					alreadyIn = true
					break
				}
			}
			if alreadyIn {
				continue
			}

			if nID < uint32(len(o.index.nodes)) {
				target := o.index.nodes[nID]
				if target != nil && !target.Deleted.Load() {
					dist, _ := o.index.distanceBetweenNodes(node, target)
					candidates = append(candidates, types.Candidate{Id: nID, Distance: dist})
				}
			}
		}

		validCandidates := make([]types.Candidate, 0, len(candidates))
		for _, c := range candidates {
			if c.Id == node.InternalID {
				continue
			}
			if ignoreSet != nil {
				if _, ignore := ignoreSet[c.Id]; ignore {
					continue
				}
			}
			validCandidates = append(validCandidates, c)
		}

		sort.Slice(validCandidates, func(i, j int) bool {
			return validCandidates[i].Distance < validCandidates[j].Distance
		})

		selected := o.index.selectNeighbors(validCandidates, o.index.m)

		newConns := make([]uint32, len(selected))
		for i, c := range selected {
			newConns[i] = c.Id
		}
		node.Connections[l] = newConns
	}
}
