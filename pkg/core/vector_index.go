// Package core provides the fundamental data structures and logic for the QuillVec engine.
//
// This file defines the VectorIndex interface, which establishes the contract for all
// vector index implementations within the database. It also includes a basic
// BruteForceIndex implementation, which serves as a simple, unoptimized baseline
// for vector search operations.

package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/quillvec/quillvec/pkg/core/distance"
	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
)

// VectorIndex defines the operations that a vector index must support.
// This interface allows for different index implementations (e.g., Brute Force, HNSW)
// to be used interchangeably within the database.
type VectorIndex interface {
	// Add inserts a new document into the index and returns the internal ID
	// used by the secondary indexes.
	Add(doc types.VectorDocument) (uint32, error)
	// AddBatch inserts a batch of documents. Either every document is inserted
	// or none is.
	AddBatch(docs []types.VectorDocument) error
	// Remove deletes a document by its external ID.
	Remove(id string) error
	// Search finds the k nearest neighbors to the query vector.
	Search(query []float32, k int) ([]types.SearchResult, error)
	// SearchWithScores is Search with an optional allow-list of internal IDs
	// (produced by metadata filtering) and an efSearch override.
	SearchWithScores(query []float32, k int, allowList map[uint32]struct{}, efSearch int) ([]types.SearchResult, error)

	// Stats reports document count, dimension, estimated memory and build time.
	Stats() types.IndexStats
	// Len returns the number of live documents.
	Len() int
	// Metric returns the distance metric used by the index.
	Metric() distance.DistanceMetric
	// Precision returns the storage precision used for vectors.
	Precision() distance.PrecisionType
}

// compile-time checks
var (
	_ VectorIndex = (*hnsw.Index)(nil)
	_ VectorIndex = (*BruteForceIndex)(nil)
)

// BruteForceIndex is a simple implementation of VectorIndex that stores all
// documents and calculates the distance to every one of them during a search.
// It is not optimized for performance but is useful for testing and as an
// exact-recall baseline on small datasets.
type BruteForceIndex struct {
	mu          sync.RWMutex
	docs        map[string]types.VectorDocument
	internalIDs map[string]uint32
	byInternal  map[uint32]string
	counter     uint32
	distFn      distance.DistanceFuncF32
}

// NewBruteForceIndex creates and returns a new, empty BruteForceIndex using
// squared Euclidean distance.
func NewBruteForceIndex() *BruteForceIndex {
	fn, _ := distance.GetFloat32Func(distance.Euclidean)
	return &BruteForceIndex{
		docs:        make(map[string]types.VectorDocument),
		internalIDs: make(map[string]uint32),
		byInternal:  make(map[uint32]string),
		distFn:      fn,
	}
}

// Add adds a document to the index.
func (idx *BruteForceIndex) Add(doc types.VectorDocument) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.addLocked(doc)
}

func (idx *BruteForceIndex) addLocked(doc types.VectorDocument) (uint32, error) {
	if len(doc.Vector) == 0 {
		return 0, fmt.Errorf("%w: empty vector for document %q", hnsw.ErrInvalidParameter, doc.ID)
	}
	if _, exists := idx.docs[doc.ID]; exists {
		return 0, fmt.Errorf("%w: %q", hnsw.ErrDuplicateID, doc.ID)
	}

	vec := make([]float32, len(doc.Vector))
	copy(vec, doc.Vector)
	doc.Vector = vec
	idx.docs[doc.ID] = doc

	idx.counter++
	internalID := idx.counter
	idx.internalIDs[doc.ID] = internalID
	idx.byInternal[internalID] = doc.ID

	return internalID, nil
}

// AddBatch validates the whole batch before inserting anything.
func (idx *BruteForceIndex) AddBatch(docs []types.VectorDocument) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		if len(doc.Vector) == 0 {
			return fmt.Errorf("%w: document %d (%q) has an empty vector", hnsw.ErrInvalidParameter, i, doc.ID)
		}
		if _, dup := idx.docs[doc.ID]; dup {
			return fmt.Errorf("%w: %q", hnsw.ErrDuplicateID, doc.ID)
		}
		if _, dup := seen[doc.ID]; dup {
			return fmt.Errorf("%w: %q appears twice in the batch", hnsw.ErrDuplicateID, doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}

	for _, doc := range docs {
		if _, err := idx.addLocked(doc); err != nil {
			return err
		}
	}
	return nil
}

// bruteCandidate is a helper struct for sorting search candidates.
type bruteCandidate struct {
	internalID uint32
	distance   float64
}

// Search finds the k nearest documents to the query vector.
func (idx *BruteForceIndex) Search(query []float32, k int) ([]types.SearchResult, error) {
	return idx.SearchWithScores(query, k, nil, 0)
}

// SearchWithScores scans every stored document. The efSearch parameter is
// accepted for interface compatibility and ignored.
func (idx *BruteForceIndex) SearchWithScores(query []float32, k int, allowList map[uint32]struct{}, efSearch int) ([]types.SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k < 0 || efSearch < 0 {
		return nil, fmt.Errorf("%w: k and efSearch must be non-negative", hnsw.ErrInvalidParameter)
	}
	if len(idx.docs) == 0 || k == 0 {
		return []types.SearchResult{}, nil
	}

	candidates := make([]bruteCandidate, 0, len(idx.docs))
	for id, doc := range idx.docs {
		internalID := idx.internalIDs[id]
		if allowList != nil {
			if _, ok := allowList[internalID]; !ok {
				continue
			}
		}
		dist, err := idx.distFn(query, doc.Vector)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, bruteCandidate{internalID: internalID, distance: dist})
	}

	// Equal distances resolve by insertion order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].internalID < candidates[j].internalID
	})

	if k < len(candidates) {
		candidates = candidates[:k]
	}

	results := make([]types.SearchResult, len(candidates))
	for i, c := range candidates {
		doc := idx.docs[idx.byInternal[c.internalID]]
		meta := make(map[string]string, len(doc.Metadata))
		for mk, mv := range doc.Metadata {
			meta[mk] = mv
		}
		results[i] = types.SearchResult{
			ResultID:   uuid.NewString(),
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Similarity: 1.0 / (1.0 + c.distance),
			Distance:   c.distance,
			Metadata:   meta,
		}
	}
	return results, nil
}

// Remove removes a document by its ID.
func (idx *BruteForceIndex) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docs[id]; !ok {
		return fmt.Errorf("%w: %q", hnsw.ErrNotFound, id)
	}
	internalID := idx.internalIDs[id]
	delete(idx.docs, id)
	delete(idx.internalIDs, id)
	delete(idx.byInternal, internalID)
	return nil
}

// Stats reports counts only; the brute-force index does not track per-node
// graph overhead.
func (idx *BruteForceIndex) Stats() types.IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var dim int
	var mem int64
	for _, doc := range idx.docs {
		if dim == 0 {
			dim = len(doc.Vector)
		}
		mem += int64(len(doc.Vector) * 4)
	}
	return types.IndexStats{
		DocumentCount:   len(idx.docs),
		VectorDimension: dim,
		MemoryUsage:     mem,
	}
}

// Len returns the number of stored documents.
func (idx *BruteForceIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Metric returns the distance metric (always Euclidean for this baseline).
func (idx *BruteForceIndex) Metric() distance.DistanceMetric {
	return distance.Euclidean
}

// Precision returns the vector precision (always float32 for this baseline).
func (idx *BruteForceIndex) Precision() distance.PrecisionType {
	return distance.Float32
}
