// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// (HNSW) graph algorithm for efficient approximate nearest neighbor search.
//
// This package contains the core Index struct and its associated methods for building,
// searching, and managing the HNSW graph. It supports multiple distance metrics
// (Euclidean, Cosine) and various data precisions (float32, float16, int8 quantization).
// An Index is safe for concurrent use: searches and stats take a shared lock,
// mutations take an exclusive lock.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quillvec/quillvec/pkg/core/distance"
	"github.com/quillvec/quillvec/pkg/core/types"
	"github.com/x448/float16"
)

// Default structural parameters. DefaultMMax doubles DefaultM, the usual
// heuristic for the hard per-layer cap.
const (
	DefaultM              = 16
	DefaultMMax           = 32
	DefaultEfConstruction = 200
	DefaultEfSearch       = 100
	DefaultMaxLevel       = 16
)

// Stats estimation constants: fixed bookkeeping per node plus four bytes per
// vector component and per stored neighbor id.
const (
	nodeOverheadBytes = 64
	neighborIDBytes   = 4
	componentBytes    = 4
)

// Options configures a new Index. Zero values fall back to the package
// defaults; negative values are rejected with ErrInvalidParameter.
type Options struct {
	// M is the target number of neighbors per layer during construction.
	M int
	// MMax is the hard cap on neighbors retained per layer per node.
	MMax int
	// EfConstruction is the candidate breadth during insertion search.
	EfConstruction int
	// EfSearch is the default candidate breadth during query search.
	EfSearch int
	// MaxLevel caps the level assigned to any node.
	MaxLevel int
	// Metric selects the distance function. Defaults to Euclidean.
	Metric distance.DistanceMetric
	// Precision selects the stored vector representation. Defaults to Float32.
	Precision distance.PrecisionType
	// RandSource drives level assignment. Defaults to a time-seeded source;
	// inject a fixed seed for deterministic graph shape in tests.
	RandSource rand.Source
}

// DefaultOptions returns the package defaults (Euclidean, float32).
func DefaultOptions() Options {
	return Options{
		M:              DefaultM,
		MMax:           DefaultMMax,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		MaxLevel:       DefaultMaxLevel,
		Metric:         distance.Euclidean,
		Precision:      distance.Float32,
	}
}

// Index represents the hierarchical graph structure.
type Index struct {
	// Global mutex: searches and stats take RLock, mutations take Lock.
	mu sync.RWMutex

	// HNSW algorithm parameters
	m              int
	mMax           int
	efConstruction int
	efSearch       int
	maxLevelCap    int

	// ml is the normalization factor for the level distribution: 1/ln(2).
	ml float64

	// dimension is established by the first inserted document and fixed for
	// the life of the index. Zero means unset.
	dimension int

	// entrypointID is the node where every descent starts.
	entrypointID uint32
	// maxLevel is the current highest level present in the graph, -1 when empty.
	maxLevel int

	// nodes is a dense arena indexed by internal ID, so neighbor dereference
	// is O(1). Slot 0 is unused; tombstoned slots are nil'd by Vacuum.
	nodes []*Node

	externalToInternalID map[string]uint32
	internalToExternalID map[uint32]string
	nodeCounter          atomic.Uint64
	liveCount            int

	precision distance.PrecisionType
	metric    distance.DistanceMetric

	// quantizer is non-nil only for int8 indexes; it must be trained before
	// the first insert.
	quantizer      *distance.Quantizer
	quantizedNorms []float32

	distFuncF32 distance.DistanceFuncF32
	distFuncF16 distance.DistanceFuncF16
	distFuncI8  distance.DistanceFuncI8

	// rng drives level assignment; guarded by mu (levels are drawn only
	// under the write lock).
	rng *rand.Rand

	buildStart time.Time

	visitedPool sync.Pool
	minHeapPool sync.Pool
	maxHeapPool sync.Pool
}

// New creates and initializes a new HNSW index.
func New(opts Options) (*Index, error) {
	if opts.M < 0 || opts.MMax < 0 || opts.EfConstruction < 0 || opts.EfSearch < 0 || opts.MaxLevel < 0 {
		return nil, fmt.Errorf("%w: structural parameters must be non-negative", ErrInvalidParameter)
	}
	if opts.M == 0 {
		opts.M = DefaultM
	}
	if opts.MMax == 0 {
		opts.MMax = 2 * opts.M
	}
	if opts.MMax < opts.M {
		return nil, fmt.Errorf("%w: mMax (%d) must be >= m (%d)", ErrInvalidParameter, opts.MMax, opts.M)
	}
	if opts.EfConstruction == 0 {
		opts.EfConstruction = DefaultEfConstruction
	}
	if opts.EfSearch == 0 {
		opts.EfSearch = DefaultEfSearch
	}
	if opts.MaxLevel == 0 {
		opts.MaxLevel = DefaultMaxLevel
	}
	if opts.Metric == "" {
		opts.Metric = distance.Euclidean
	}
	if opts.Precision == "" {
		opts.Precision = distance.Float32
	}
	if opts.RandSource == nil {
		opts.RandSource = rand.NewSource(time.Now().UnixNano())
	}

	h := &Index{
		m:                    opts.M,
		mMax:                 opts.MMax,
		efConstruction:       opts.EfConstruction,
		efSearch:             opts.EfSearch,
		maxLevelCap:          opts.MaxLevel,
		ml:                   1.0 / math.Ln2,
		nodes:                make([]*Node, 0, 1024),
		externalToInternalID: make(map[string]uint32),
		internalToExternalID: make(map[uint32]string),
		maxLevel:             -1, // no levels initially
		metric:               opts.Metric,
		precision:            opts.Precision,
		rng:                  rand.New(opts.RandSource),
		buildStart:           time.Now(),
	}

	h.visitedPool = sync.Pool{
		New: func() any { return NewBitSet(256) },
	}
	h.minHeapPool = sync.Pool{
		New: func() any { return newMinHeap(opts.EfConstruction) },
	}
	h.maxHeapPool = sync.Pool{
		New: func() any { return newMaxHeap(opts.EfConstruction) },
	}

	var err error
	switch opts.Precision {
	case distance.Float32:
		h.distFuncF32, err = distance.GetFloat32Func(opts.Metric)
	case distance.Float16:
		if opts.Metric != distance.Euclidean {
			return nil, fmt.Errorf("%w: precision '%s' only supports the '%s' metric", ErrInvalidParameter, opts.Precision, distance.Euclidean)
		}
		h.distFuncF16, err = distance.GetFloat16Func(opts.Metric)
	case distance.Int8:
		if opts.Metric != distance.Cosine {
			return nil, fmt.Errorf("%w: precision '%s' only supports the '%s' metric", ErrInvalidParameter, opts.Precision, distance.Cosine)
		}
		h.distFuncI8, err = distance.GetInt8Func(opts.Metric)
		h.quantizer = &distance.Quantizer{}
		h.quantizedNorms = make([]float32, 0, 1024)
	default:
		return nil, fmt.Errorf("%w: unsupported precision '%s'", ErrInvalidParameter, opts.Precision)
	}
	if err != nil {
		return nil, err
	}

	return h, nil
}

// distanceBetweenNodes calculates the distance between two nodes avoiding boxing.
func (h *Index) distanceBetweenNodes(n1, n2 *Node) (float64, error) {
	switch h.precision {
	case distance.Float32:
		return h.distFuncF32(n1.VectorF32, n2.VectorF32)
	case distance.Float16:
		return h.distFuncF16(n1.VectorF16, n2.VectorF16)
	case distance.Int8:
		dot, err := h.distFuncI8(n1.VectorI8, n2.VectorI8)
		if err != nil {
			return 0, err
		}
		norm1 := h.quantizedNorms[n1.InternalID]
		norm2 := h.quantizedNorms[n2.InternalID]
		if norm1 == 0 || norm2 == 0 {
			return 1.0, nil
		}
		similarity := float64(dot) / (float64(norm1) * float64(norm2))
		if similarity > 1.0 {
			similarity = 1.0
		}
		if similarity < -1.0 {
			similarity = -1.0
		}
		return 1.0 - similarity, nil
	default:
		return 0, fmt.Errorf("invalid precision")
	}
}

// Add inserts a single document. The index copies the vector and metadata;
// the caller's document is never aliased. The first insert establishes the
// index dimension.
func (h *Index) Add(doc types.VectorDocument) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.validateDocLocked(doc); err != nil {
		return 0, err
	}
	return h.insertLocked(doc)
}

// AddBatch inserts documents in input order. The whole batch is validated
// against the index dimension before any mutation, so a mismatched vector
// fails the batch without partially applying it. If the dimension is not yet
// established, the first document's length defines it for the batch.
func (h *Index) AddBatch(docs []types.VectorDocument) error {
	if len(docs) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Precondition pass: nothing below may mutate until every document clears.
	dim := h.dimension
	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		if len(doc.Vector) == 0 {
			return fmt.Errorf("%w: document %d (%q) has an empty vector", ErrInvalidParameter, i, doc.ID)
		}
		if dim == 0 {
			dim = len(doc.Vector)
		}
		if len(doc.Vector) != dim {
			return fmt.Errorf("%w: document %d (%q) has dimension %d, index expects %d", ErrDimensionMismatch, i, doc.ID, len(doc.Vector), dim)
		}
		if _, dup := h.externalToInternalID[doc.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateID, doc.ID)
		}
		if _, dup := seen[doc.ID]; dup {
			return fmt.Errorf("%w: %q appears twice in the batch", ErrDuplicateID, doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}

	for _, doc := range docs {
		if _, err := h.insertLocked(doc); err != nil {
			return err
		}
	}
	return nil
}

// validateDocLocked checks a single document against the index invariants.
func (h *Index) validateDocLocked(doc types.VectorDocument) error {
	if len(doc.Vector) == 0 {
		return fmt.Errorf("%w: empty vector for document %q", ErrInvalidParameter, doc.ID)
	}
	if h.dimension != 0 && len(doc.Vector) != h.dimension {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(doc.Vector), h.dimension)
	}
	if _, exists := h.externalToInternalID[doc.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, doc.ID)
	}
	return nil
}

// insertLocked performs the canonical HNSW insertion. Caller holds the write
// lock and has already validated the document.
func (h *Index) insertLocked(doc types.VectorDocument) (uint32, error) {
	if h.dimension == 0 {
		h.dimension = len(doc.Vector)
	}

	// Take ownership of the vector; normalization must not touch the caller's slice.
	vector := make([]float32, len(doc.Vector))
	copy(vector, doc.Vector)
	if h.metric == distance.Cosine {
		normalize(vector)
	}

	var storedF32 []float32
	var storedF16 []uint16
	var storedI8 []int8
	switch h.precision {
	case distance.Float32:
		storedF32 = vector
	case distance.Float16:
		storedF16 = make([]uint16, len(vector))
		for i, v := range vector {
			storedF16[i] = float16.Fromfloat32(v).Bits()
		}
	case distance.Int8:
		if h.quantizer == nil {
			return 0, fmt.Errorf("quantizer missing")
		}
		// Bootstrap the quantization range from the first vector; callers
		// with a representative sample can call TrainQuantizer beforehand.
		if h.quantizer.AbsMax == 0 {
			h.quantizer.Train([][]float32{vector})
		}
		storedI8 = h.quantizer.Quantize(vector)
	}

	internalID := uint32(h.nodeCounter.Add(1))
	h.growNodes(internalID)

	if h.precision == distance.Int8 {
		h.quantizedNorms[internalID] = computeInt8Norm(storedI8)
	}

	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	node := &Node{
		Id:         doc.ID,
		OwnerId:    doc.OwnerID,
		InternalID: internalID,
		VectorF32:  storedF32,
		VectorF16:  storedF16,
		VectorI8:   storedI8,
		Metadata:   copyMetadata(doc.Metadata),
		CreatedAt:  createdAt,
	}
	h.nodes[internalID] = node
	h.externalToInternalID[doc.ID] = internalID
	h.internalToExternalID[internalID] = doc.ID
	h.liveCount++

	level := h.randomLevel()
	node.Connections = make([][]uint32, level+1)

	if h.maxLevel == -1 {
		// First node: sole entry point, empty neighbor sets at every level.
		h.entrypointID = internalID
		h.maxLevel = level
		return internalID, nil
	}

	queryObj := h.nodeQuery(node)

	// Greedy descent with ef=1 from the top level down to level+1.
	currentEntryPoint := h.entrypointID
	for l := h.maxLevel; l > level; l-- {
		nearest, err := h.searchLayerUnlocked(queryObj, currentEntryPoint, 1, l, nil, 1, uint32(h.nodeCounter.Load()))
		if err != nil {
			return 0, err
		}
		if len(nearest) > 0 {
			currentEntryPoint = nearest[0].Id
		}
	}

	// Link layer by layer from min(level, maxLevel) down to 0.
	for l := min(level, h.maxLevel); l >= 0; l-- {
		neighbors, err := h.searchLayerUnlocked(queryObj, currentEntryPoint, h.efConstruction, l, nil, h.efConstruction, uint32(h.nodeCounter.Load()))
		if err != nil {
			return 0, err
		}

		selectedNeighbors := h.selectNeighbors(neighbors, h.m)

		node.Connections[l] = make([]uint32, len(selectedNeighbors))
		for i, neighborCandidate := range selectedNeighbors {
			node.Connections[l][i] = neighborCandidate.Id
		}

		// Bidirectional edges: each selected neighbor considers the new node,
		// pruning to mMax by replacing its current worst when full.
		for _, neighborCandidate := range selectedNeighbors {
			neighborNode := h.nodes[neighborCandidate.Id]
			if neighborNode == nil || l > len(neighborNode.Connections)-1 {
				continue
			}

			neighborConnections := neighborNode.Connections[l]
			if len(neighborConnections) < h.mMax {
				neighborNode.Connections[l] = append(neighborConnections, internalID)
			} else {
				maxDist := -1.0
				worstNeighborIndex := -1
				for i, nID := range neighborConnections {
					other := h.nodes[nID]
					if other == nil {
						// Stale edge to a vacuumed slot: always worth replacing.
						maxDist = math.MaxFloat64
						worstNeighborIndex = i
						break
					}
					d, _ := h.distanceBetweenNodes(neighborNode, other)
					if d > maxDist {
						maxDist = d
						worstNeighborIndex = i
					}
				}
				distToNew, _ := h.distanceBetweenNodes(neighborNode, node)
				if distToNew < maxDist && worstNeighborIndex != -1 {
					neighborNode.Connections[l][worstNeighborIndex] = internalID
				}
			}
		}

		if len(neighbors) > 0 {
			currentEntryPoint = neighbors[0].Id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entrypointID = internalID
	}
	return internalID, nil
}

// nodeQuery returns the node's stored vector in the representation expected
// by searchLayerUnlocked.
func (h *Index) nodeQuery(node *Node) any {
	switch h.precision {
	case distance.Float16:
		return node.VectorF16
	case distance.Int8:
		return node.VectorI8
	default:
		return node.VectorF32
	}
}

// Search finds the k nearest neighbors to the query vector using the index's
// default efSearch. An empty index yields an empty slice, not an error.
func (h *Index) Search(query []float32, k int) ([]types.SearchResult, error) {
	return h.SearchWithScores(query, k, nil, 0)
}

// SearchWithScores is Search with an optional allow-list of internal IDs
// (produced by metadata filtering) and an efSearch override. efSearch 0 means
// the index default.
func (h *Index) SearchWithScores(query []float32, k int, allowList map[uint32]struct{}, efSearch int) ([]types.SearchResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k < 0 || efSearch < 0 {
		return nil, fmt.Errorf("%w: k and efSearch must be non-negative", ErrInvalidParameter)
	}
	if h.maxLevel == -1 || k == 0 {
		return []types.SearchResult{}, nil
	}
	if len(query) != h.dimension {
		return nil, fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(query), h.dimension)
	}
	if efSearch == 0 {
		efSearch = h.efSearch
	}

	candidates, err := h.searchInternalLocked(query, k, allowList, efSearch)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, len(candidates))
	for i, c := range candidates {
		node := h.nodes[c.Id]
		results[i] = types.SearchResult{
			ResultID:   uuid.NewString(),
			DocumentID: node.Id,
			OwnerID:    node.OwnerId,
			Similarity: 1.0 / (1.0 + c.Distance),
			Distance:   c.Distance,
			Metadata:   copyMetadata(node.Metadata),
		}
	}
	return results, nil
}

// searchInternalLocked handles query pre-processing (normalization and
// precision conversion) once and orchestrates the multi-layer descent.
// Caller holds at least RLock.
func (h *Index) searchInternalLocked(query []float32, k int, allowList map[uint32]struct{}, efSearch int) ([]types.Candidate, error) {
	var queryF32 []float32
	if h.metric == distance.Cosine {
		queryF32 = make([]float32, len(query))
		copy(queryF32, query)
		normalize(queryF32)
	} else {
		queryF32 = query
	}

	var finalQuery any
	switch h.precision {
	case distance.Float32:
		finalQuery = queryF32
	case distance.Float16:
		qF16 := make([]uint16, len(queryF32))
		for i, v := range queryF32 {
			qF16[i] = float16.Fromfloat32(v).Bits()
		}
		finalQuery = qF16
	case distance.Int8:
		if h.quantizer == nil {
			return nil, fmt.Errorf("quantizer missing")
		}
		finalQuery = h.quantizer.Quantize(queryF32)
	}

	currentEntryPoint := h.entrypointID

	// The tracked entry point may be outside the allow-list; any allowed
	// node is a valid (if slower) seed.
	if allowList != nil {
		if _, ok := allowList[currentEntryPoint]; !ok {
			found := false
			for id := range allowList {
				currentEntryPoint = id
				found = true
				break
			}
			if !found {
				return []types.Candidate{}, nil
			}
		}
	}

	for l := h.maxLevel; l > 0; l-- {
		nearest, err := h.searchLayerUnlocked(finalQuery, currentEntryPoint, 1, l, allowList, 1, uint32(h.nodeCounter.Load()))
		if err != nil {
			return nil, err
		}
		if len(nearest) > 0 {
			currentEntryPoint = nearest[0].Id
		}
	}

	return h.searchLayerUnlocked(finalQuery, currentEntryPoint, k, 0, allowList, efSearch, uint32(h.nodeCounter.Load()))
}

// searchLayerUnlocked performs the bounded greedy search on a single layer.
// It uses pooled visited sets and heaps, and a distance closure specialized
// once per call so the hot loop stays free of type switches. Tombstoned nodes
// are traversed (their edges still carry information) but never admitted to
// the result set. Caller holds at least RLock.
func (h *Index) searchLayerUnlocked(query any, entrypointID uint32, k int, level int, allowList map[uint32]struct{}, efSearch int, maxID uint32) ([]types.Candidate, error) {
	visited := h.visitedPool.Get().(*BitSet)
	candidates := h.minHeapPool.Get().(*minHeap)
	results := h.maxHeapPool.Get().(*maxHeap)

	// Fast reset keeps the underlying capacity.
	*candidates = (*candidates)[:0]
	*results = (*results)[:0]

	defer func() {
		visited.Clear()
		h.visitedPool.Put(visited)
		h.minHeapPool.Put(candidates)
		h.maxHeapPool.Put(results)
	}()

	visited.EnsureCapacity(maxID)

	ef := efSearch
	if ef < k {
		ef = k
	}

	var distFn func(node *Node) (float64, error)
	switch h.precision {
	case distance.Float32:
		q := query.([]float32)
		fn := h.distFuncF32
		distFn = func(node *Node) (float64, error) {
			return fn(q, node.VectorF32)
		}
	case distance.Float16:
		q := query.([]uint16)
		fn := h.distFuncF16
		distFn = func(node *Node) (float64, error) {
			return fn(q, node.VectorF16)
		}
	case distance.Int8:
		q := query.([]int8)
		fn := h.distFuncI8

		var qNormSq int64
		for _, v := range q {
			qNormSq += int64(v) * int64(v)
		}
		qNorm := float32(math.Sqrt(float64(qNormSq)))
		if qNorm == 0 {
			qNorm = 1
		}

		distFn = func(node *Node) (float64, error) {
			dot, err := fn(q, node.VectorI8)
			if err != nil {
				return 0, err
			}
			storedNorm := h.quantizedNorms[node.InternalID]
			if storedNorm == 0 {
				return 1.0, nil
			}
			similarity := float64(dot) / (float64(qNorm) * float64(storedNorm))
			if similarity > 1.0 {
				similarity = 1.0
			}
			if similarity < -1.0 {
				similarity = -1.0
			}
			return 1.0 - similarity, nil
		}
	default:
		return nil, fmt.Errorf("precision not setup")
	}

	entryNode := h.nodes[entrypointID]
	if entryNode == nil {
		return nil, fmt.Errorf("entry point node %d not found", entrypointID)
	}

	dist, err := distFn(entryNode)
	if err != nil {
		return nil, err
	}

	ep := types.Candidate{Id: entrypointID, Distance: dist}
	candidates.Push(ep)
	visited.Add(entrypointID)

	epAllowed := true
	if allowList != nil {
		if _, ok := allowList[entrypointID]; !ok {
			epAllowed = false
		}
	}
	if epAllowed && !entryNode.Deleted.Load() {
		results.Push(ep)
	}

	for candidates.Len() > 0 {
		current := candidates.Pop()

		// Lower bound: if the best unexplored candidate is already farther
		// than the worst kept result, no path can improve the result set.
		if results.Len() >= ef {
			if current.Distance > results.Peek().Distance {
				break
			}
		}

		if current.Id >= uint32(len(h.nodes)) {
			continue
		}
		currentNode := h.nodes[current.Id]
		if currentNode == nil || level >= len(currentNode.Connections) {
			continue
		}

		for _, neighborID := range currentNode.Connections[level] {
			if visited.Has(neighborID) {
				continue
			}
			visited.Add(neighborID)

			if allowList != nil {
				if _, ok := allowList[neighborID]; !ok {
					continue
				}
			}

			if neighborID >= uint32(len(h.nodes)) {
				continue
			}
			neighborNode := h.nodes[neighborID]
			if neighborNode == nil {
				// Stale edge to a vacuumed slot.
				continue
			}

			d, err := distFn(neighborNode)
			if err != nil {
				continue
			}

			worstDist := math.MaxFloat64
			if results.Len() > 0 {
				worstDist = results.Peek().Distance
			}

			if results.Len() < ef || d < worstDist {
				neighborCandidate := types.Candidate{Id: neighborID, Distance: d}

				// Always explore through the neighbor, even a tombstone.
				candidates.Push(neighborCandidate)

				if !neighborNode.Deleted.Load() {
					results.Push(neighborCandidate)
					if results.Len() > ef {
						results.Pop()
					}
				}
			}
		}
	}

	// The max-heap pops farthest first; callers expect ascending distance.
	count := results.Len()
	finalResults := make([]types.Candidate, count)
	for i := count - 1; i >= 0; i-- {
		finalResults[i] = results.Pop()
	}

	if len(finalResults) > k {
		return finalResults[:k], nil
	}
	return finalResults, nil
}

// randomLevel draws a level from the exponentially decaying distribution
// floor(-ln(u) / ln(2)) with u uniform in (0, 1], clamped to the level cap.
// Caller holds the write lock (the rand source is not goroutine-safe).
func (h *Index) randomLevel() int {
	u := 1.0 - h.rng.Float64() // Float64 is [0,1); flip to (0,1]
	level := int(math.Floor(-math.Log(u) * h.ml))
	if level > h.maxLevelCap {
		level = h.maxLevelCap
	}
	return level
}

// selectNeighbors implements the neighbor selection heuristic from the HNSW
// paper: prefer candidates that are closer to the new node than to any
// already-selected neighbor, which keeps the edge set diverse. Candidates
// must arrive sorted by ascending distance.
func (h *Index) selectNeighbors(candidates []types.Candidate, m int) []types.Candidate {
	if len(candidates) <= m {
		return candidates
	}

	results := make([]types.Candidate, 0, m)
	discarded := make([]types.Candidate, 0, m)
	worklist := candidates

	for len(worklist) > 0 && len(results) < m {
		e := worklist[0]
		worklist = worklist[1:]

		if len(results) == 0 {
			results = append(results, e)
			continue
		}

		isGoodCandidate := true
		for _, r := range results {
			d, err := h.distanceBetweenNodes(h.nodes[e.Id], h.nodes[r.Id])
			if err != nil || d < e.Distance {
				isGoodCandidate = false
				break
			}
		}

		if isGoodCandidate {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}

	// If the heuristic was too aggressive, backfill from the best discarded
	// candidates so no node ends up weakly connected.
	if len(results) < m {
		needed := m - len(results)
		for _, cand := range discarded {
			results = append(results, cand)
			needed--
			if needed == 0 {
				break
			}
		}
	}

	return results
}

// Remove tombstones a document. The node stays in the graph so traversal
// remains connected; Vacuum later repairs edges and frees the slot. Removing
// an absent id returns ErrNotFound and never panics.
func (h *Index) Remove(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	internalID, ok := h.externalToInternalID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	if internalID < uint32(len(h.nodes)) {
		if node := h.nodes[internalID]; node != nil {
			node.Deleted.Store(true)
		}
	}

	// Unmap the external id immediately so it can be re-inserted and so
	// searches can never surface it again. The internal mapping survives
	// until Vacuum's physical cleanup.
	delete(h.externalToInternalID, id)
	h.liveCount--
	return nil
}

// Stats derives the read-only statistics view.
func (h *Index) Stats() types.IndexStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var mem int64
	for _, node := range h.nodes {
		if node == nil {
			continue
		}
		mem += nodeOverheadBytes + int64(h.dimension)*componentBytes
		for _, layer := range node.Connections {
			mem += int64(len(layer)) * neighborIDBytes
		}
	}

	return types.IndexStats{
		DocumentCount:   h.liveCount,
		VectorDimension: h.dimension,
		MemoryUsage:     mem,
		BuildTime:       time.Since(h.buildStart).Seconds(),
	}
}

// --- Helpers ---

// growNodes ensures the internal nodes slice covers the given ID.
// Must be called under Lock.
func (h *Index) growNodes(id uint32) {
	if uint32(len(h.nodes)) <= id {
		newCap := uint32(cap(h.nodes))
		if newCap == 0 {
			newCap = 1024
		}
		for newCap <= id {
			newCap *= 2
		}

		if newCap > uint32(cap(h.nodes)) {
			newNodes := make([]*Node, len(h.nodes), newCap)
			copy(newNodes, h.nodes)
			h.nodes = newNodes

			if h.precision == distance.Int8 {
				newNorms := make([]float32, len(h.quantizedNorms), newCap)
				copy(newNorms, h.quantizedNorms)
				h.quantizedNorms = newNorms
			}
		}
	}

	if uint32(len(h.nodes)) <= id {
		h.nodes = h.nodes[:id+1]
		if h.precision == distance.Int8 {
			h.quantizedNorms = h.quantizedNorms[:id+1]
		}
	}
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Iterate loops over all live nodes and passes the external ID and vector
// (always as []float32) to the callback.
func (h *Index) Iterate(callback func(id string, vector []float32)) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, node := range h.nodes {
		if node == nil || node.Deleted.Load() {
			continue
		}
		callback(node.Id, h.vectorAsF32(node))
	}
}

// vectorAsF32 returns the node's vector decompressed to float32.
func (h *Index) vectorAsF32(node *Node) []float32 {
	switch h.precision {
	case distance.Float16:
		out := make([]float32, len(node.VectorF16))
		for i, v := range node.VectorF16 {
			out[i] = float16.Frombits(v).Float32()
		}
		return out
	case distance.Int8:
		if h.quantizer == nil {
			return nil
		}
		return h.quantizer.Dequantize(node.VectorI8)
	default:
		return node.VectorF32
	}
}

// GetNodeData retrieves the complete data for a live node (dequantized if
// needed) given its external ID.
func (h *Index) GetNodeData(externalID string) (types.NodeData, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	internalID, ok := h.externalToInternalID[externalID]
	if !ok || internalID >= uint32(len(h.nodes)) {
		return types.NodeData{}, false
	}

	node := h.nodes[internalID]
	if node == nil || node.Deleted.Load() {
		return types.NodeData{}, false
	}

	vec := h.vectorAsF32(node)
	if vec == nil {
		return types.NodeData{}, false
	}

	return types.NodeData{
		ID:         externalID,
		OwnerID:    node.OwnerId,
		InternalID: internalID,
		Vector:     vec,
		Metadata:   copyMetadata(node.Metadata),
		CreatedAt:  node.CreatedAt,
	}, true
}

// Contains reports whether a live document with the given id exists.
func (h *Index) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.externalToInternalID[id]
	return ok
}

// GetInternalID retrieves the internal ID for a given external ID.
func (h *Index) GetInternalID(externalID string) (uint32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.externalToInternalID[externalID]
	return id, ok
}

// Len returns the number of live documents.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveCount
}

// Dimension returns the established vector dimension, 0 if no insert yet.
func (h *Index) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dimension
}

// Metric returns the distance metric used by the index.
func (h *Index) Metric() distance.DistanceMetric {
	return h.metric
}

// Precision returns the data precision used by the index.
func (h *Index) Precision() distance.PrecisionType {
	return h.precision
}

// M returns the target neighbors per layer during construction.
func (h *Index) M() int {
	return h.m
}

// EfConstruction returns the construction-time candidate breadth.
func (h *Index) EfConstruction() int {
	return h.efConstruction
}

// EfSearch returns the default query-time candidate breadth.
func (h *Index) EfSearch() int {
	return h.efSearch
}

// MMax returns the neighbor cap enforced on existing nodes.
func (h *Index) MMax() int {
	return h.mMax
}

// MaxLevelCap returns the configured upper bound on layer assignment.
func (h *Index) MaxLevelCap() int {
	return h.maxLevelCap
}

// Options reconstructs the construction parameters of the index. The RNG
// source is not recoverable and is left nil.
func (h *Index) Options() Options {
	return Options{
		M:              h.m,
		MMax:           h.mMax,
		EfConstruction: h.efConstruction,
		EfSearch:       h.efSearch,
		MaxLevel:       h.maxLevelCap,
		Metric:         h.metric,
		Precision:      h.precision,
	}
}

// TrainQuantizer trains the index's quantizer on a sample of vectors.
// Required before the first insert on an int8 index.
func (h *Index) TrainQuantizer(vectors [][]float32) {
	if h.quantizer != nil {
		h.quantizer.Train(vectors)
	}
}

// Quantizer returns a pointer to the index's quantizer, nil unless int8.
func (h *Index) Quantizer() *distance.Quantizer {
	return h.quantizer
}

// normalize scales a vector to unit length in place.
func normalize(v []float32) {
	var normSq float32
	for _, val := range v {
		normSq += val * val
	}
	if normSq > 0 {
		invNorm := 1.0 / float32(math.Sqrt(float64(normSq)))
		for i := range v {
			v[i] *= invNorm
		}
	}
}

func computeInt8Norm(vec []int8) float32 {
	var sum int64
	for _, v := range vec {
		sum += int64(v) * int64(v)
	}
	return float32(math.Sqrt(float64(sum)))
}
