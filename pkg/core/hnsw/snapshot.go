// Snapshot persistence for a single index. The persisted form is one
// self-describing record set: configuration, the live node collection with
// vectors, per-layer neighbor lists and metadata, and the entry point. JSON
// keeps timestamps in RFC 3339 and makes snapshots portable across versions;
// the DB-level codec in pkg/core wraps the same structures in gob for
// whole-database snapshots.
package hnsw

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/quillvec/quillvec/pkg/core/distance"
)

// NodeSnapshot is the persisted form of one graph node. Tombstoned nodes are
// never written; stale neighbor ids referencing them are kept and skipped on
// traversal after load, exactly as in the live graph.
type NodeSnapshot struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id,omitempty"`
	InternalID  uint32            `json:"internal_id"`
	VectorF32   []float32         `json:"vector_f32,omitempty"`
	VectorF16   []uint16          `json:"vector_f16,omitempty"`
	VectorI8    []int8            `json:"vector_i8,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Connections [][]uint32        `json:"connections"`
}

// IndexSnapshot is the full persisted state of one index.
type IndexSnapshot struct {
	Metric         distance.DistanceMetric `json:"metric"`
	Precision      distance.PrecisionType  `json:"precision"`
	M              int                     `json:"m"`
	MMax           int                     `json:"m_max"`
	EfConstruction int                     `json:"ef_construction"`
	EfSearch       int                     `json:"ef_search"`
	MaxLevelCap    int                     `json:"max_level_cap"`

	Dimension    int            `json:"dimension"`
	EntrypointID uint32         `json:"entrypoint_id"`
	MaxLevel     int            `json:"max_level"`
	NodeCounter  uint64         `json:"node_counter"`
	Nodes        []NodeSnapshot `json:"nodes"`

	QuantizerAbsMax float32   `json:"quantizer_abs_max,omitempty"`
	QuantizedNorms  []float32 `json:"quantized_norms,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Snapshot exports the current state. The returned value shares no mutable
// state with the index.
func (h *Index) Snapshot() IndexSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := IndexSnapshot{
		Metric:         h.metric,
		Precision:      h.precision,
		M:              h.m,
		MMax:           h.mMax,
		EfConstruction: h.efConstruction,
		EfSearch:       h.efSearch,
		MaxLevelCap:    h.maxLevelCap,
		Dimension:      h.dimension,
		EntrypointID:   h.entrypointID,
		MaxLevel:       h.maxLevel,
		NodeCounter:    h.nodeCounter.Load(),
		Nodes:          make([]NodeSnapshot, 0, h.liveCount),
		SavedAt:        time.Now().UTC(),
	}

	for _, node := range h.nodes {
		if node == nil || node.Deleted.Load() {
			continue
		}
		connections := make([][]uint32, len(node.Connections))
		for l, layer := range node.Connections {
			connections[l] = append([]uint32(nil), layer...)
		}
		snap.Nodes = append(snap.Nodes, NodeSnapshot{
			ID:          node.Id,
			OwnerID:     node.OwnerId,
			InternalID:  node.InternalID,
			VectorF32:   append([]float32(nil), node.VectorF32...),
			VectorF16:   append([]uint16(nil), node.VectorF16...),
			VectorI8:    append([]int8(nil), node.VectorI8...),
			Metadata:    copyMetadata(node.Metadata),
			CreatedAt:   node.CreatedAt,
			Connections: connections,
		})
	}

	if h.quantizer != nil {
		snap.QuantizerAbsMax = h.quantizer.AbsMax
		snap.QuantizedNorms = append([]float32(nil), h.quantizedNorms...)
	}

	return snap
}

// RestoreSnapshot replaces the index contents wholesale with the snapshot.
// The restore is all-or-nothing: every structure is rebuilt and validated in
// staging before anything on the index changes, so a bad snapshot leaves the
// prior in-memory state untouched.
func (h *Index) RestoreSnapshot(snap IndexSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restoreSnapshotLocked(snap)
}

func (h *Index) restoreSnapshotLocked(snap IndexSnapshot) error {
	if snap.Metric != h.metric || snap.Precision != h.precision {
		return fmt.Errorf("snapshot metric/precision (%s/%s) do not match index (%s/%s)",
			snap.Metric, snap.Precision, h.metric, h.precision)
	}

	capacity := snap.NodeCounter + 1
	if capacity < 1 {
		capacity = 1
	}
	nodes := make([]*Node, capacity)
	extToInt := make(map[string]uint32, len(snap.Nodes))
	intToExt := make(map[uint32]string, len(snap.Nodes))

	dimension := snap.Dimension
	for _, ns := range snap.Nodes {
		if ns.ID == "" {
			return fmt.Errorf("node with internal ID %d has an empty external ID", ns.InternalID)
		}
		if ns.InternalID >= uint32(capacity) {
			return fmt.Errorf("node ID %d exceeds the recorded max counter %d", ns.InternalID, snap.NodeCounter)
		}
		if _, dup := extToInt[ns.ID]; dup {
			return fmt.Errorf("duplicate external ID %q in snapshot", ns.ID)
		}

		node := &Node{
			Id:          ns.ID,
			OwnerId:     ns.OwnerID,
			InternalID:  ns.InternalID,
			VectorF32:   ns.VectorF32,
			VectorF16:   ns.VectorF16,
			VectorI8:    ns.VectorI8,
			Metadata:    ns.Metadata,
			CreatedAt:   ns.CreatedAt,
			Connections: ns.Connections,
		}
		nodes[ns.InternalID] = node
		extToInt[ns.ID] = ns.InternalID
		intToExt[ns.InternalID] = ns.ID

		// Re-derive the dimension from the stored vectors when the snapshot
		// predates the explicit field.
		if dimension == 0 {
			switch h.precision {
			case distance.Float32:
				dimension = len(ns.VectorF32)
			case distance.Float16:
				dimension = len(ns.VectorF16)
			case distance.Int8:
				dimension = len(ns.VectorI8)
			}
		}
	}

	maxLevel := snap.MaxLevel
	entrypoint := snap.EntrypointID
	if len(snap.Nodes) == 0 {
		maxLevel = -1
		entrypoint = 0
	} else if entrypoint >= uint32(capacity) || nodes[entrypoint] == nil {
		// The saved entry point is gone (for example tombstoned after the
		// save that recorded it). Elect the highest live node instead.
		maxLevel = -1
		for i, node := range nodes {
			if node == nil {
				continue
			}
			if lvl := len(node.Connections) - 1; lvl > maxLevel {
				maxLevel = lvl
				entrypoint = uint32(i)
			}
		}
	}

	var norms []float32
	if h.precision == distance.Int8 {
		norms = snap.QuantizedNorms
		if uint64(len(norms)) < capacity {
			grown := make([]float32, capacity)
			copy(grown, norms)
			norms = grown
		}
	}

	// Staging validated; swap in the new state.
	h.nodes = nodes
	h.externalToInternalID = extToInt
	h.internalToExternalID = intToExt
	h.nodeCounter.Store(snap.NodeCounter)
	h.entrypointID = entrypoint
	h.maxLevel = maxLevel
	h.dimension = dimension
	h.liveCount = len(snap.Nodes)
	if h.precision == distance.Int8 {
		h.quantizer = &distance.Quantizer{AbsMax: snap.QuantizerAbsMax}
		h.quantizedNorms = norms
	}
	return nil
}

// SaveSnapshot writes the full index snapshot to a file. The write goes to a
// temporary sibling first and renames into place, so a crash never leaves a
// truncated snapshot at the target path.
func (h *Index) SaveSnapshot(path string) error {
	snap := h.Snapshot()

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot file and replaces the index contents. Decode
// or validation failures leave the prior in-memory state untouched.
func (h *Index) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	var snap IndexSnapshot
	dec := json.NewDecoder(f)
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	return h.RestoreSnapshot(snap)
}
