// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// graph algorithm for efficient approximate nearest neighbor search.
//
// This file defines the Node struct, which is the fundamental building block of the
// HNSW graph. Each node carries one inserted vector document and its connections to
// other nodes across multiple layers.
package hnsw

import (
	"sync/atomic"
	"time"
)

// Node represents a single node within the HNSW graph. It holds the document
// fields copied at insertion time, the vector data in the index's precision,
// and the per-layer neighbor lists.
type Node struct {
	// Id is the user-facing, external identifier for the document.
	Id string
	// OwnerId is an opaque back-reference to the entity the vector represents.
	// The index never dereferences it; it is passed through into search results.
	OwnerId string
	// InternalID is a unique, memory-efficient identifier used for graph traversal.
	InternalID uint32
	// VectorF32 stores float32 vectors.
	// NOTE: Once published, this should be treated as immutable.
	VectorF32 []float32
	// VectorF16 stores float16 vectors (as uint16).
	// NOTE: Once published, this should be treated as immutable.
	VectorF16 []uint16
	// VectorI8 stores int8 vectors.
	// NOTE: Once published, this should be treated as immutable.
	VectorI8 []int8
	// Metadata is the opaque string map supplied at insertion, copied verbatim
	// into search results.
	Metadata map[string]string
	// CreatedAt is the document timestamp, informational only.
	CreatedAt time.Time

	// Connections is a slice of slices, where the outer index represents the graph layer,
	// and the inner slice contains the list of neighbors at that layer.
	// Connections[0] holds the neighbors at the base layer (layer 0).
	// Neighbor IDs are stored as uint32 for memory efficiency.
	Connections [][]uint32
	// Deleted is a flag used for soft deletes, marking the node as removed
	// without physically unlinking it from the graph. Traversal explores
	// tombstoned nodes but never returns them; Vacuum reclaims them.
	Deleted atomic.Bool
}
