// Package core provides the fundamental data structures and logic for the QuillVec engine.
//
// This file defines the main DB struct, which orchestrates all data storage, including
// the KV store, the named vector indexes, and the secondary indexes for metadata
// (inverted and B-Tree). It also implements snapshotting, metadata filtering, and
// background graph maintenance.
package core

import (
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
	"github.com/tidwall/btree"
)

// KVPair is a struct for returning key-value pairs during iteration.
type KVPair struct {
	Key   string
	Value []byte
}

// Snapshot represents the complete serializable state of the database.
type Snapshot struct {
	KVData     map[string][]byte
	VectorData map[string]hnsw.IndexSnapshot
}

// BTreeItem is a struct used by the B-Tree to associate a numerical metadata value with a node ID.
type BTreeItem struct {
	Value  float64
	NodeID uint32
}

// DB is the main container for all QuillVec data types. It orchestrates the KV
// store, the vector indexes, and the secondary indexes for metadata.
type DB struct {
	mu            sync.RWMutex
	kvStore       *KVStore
	vectorIndexes map[string]VectorIndex

	// invertedIndex for string metadata filtering.
	// structure: map[vector index name] -> map[metadata key] -> map[metadata value] -> set[internal node IDs]
	// e.g., invertedIndex["my_images"]["tags"]["cat"]={1: {}, 5: {}, 34:{}}
	invertedIndex map[string]map[string]map[string]map[uint32]struct{}

	// bTreeIndex for metadata values that parse as numbers.
	// structure: map[vector index name] -> map[metadata key] -> BTree
	// The B-Tree stores BTreeItems, allowing for fast range queries.
	bTreeIndex map[string]map[string]*btree.BTreeG[BTreeItem]

	// optimizers run the background vacuum/refine cycles, one per HNSW index.
	optimizers map[string]*hnsw.GraphOptimizer
}

// NewDB creates and returns a new, initialized DB instance.
func NewDB() *DB {
	return &DB{
		kvStore:       NewKVStore(),
		vectorIndexes: make(map[string]VectorIndex),
		invertedIndex: make(map[string]map[string]map[string]map[uint32]struct{}),
		bTreeIndex:    make(map[string]map[string]*btree.BTreeG[BTreeItem]),
		optimizers:    make(map[string]*hnsw.GraphOptimizer),
	}
}

// GetKVStore returns the underlying key-value store.
func (s *DB) GetKVStore() *KVStore {
	return s.kvStore
}

// CreateVectorIndex creates a new vector index with the given configuration.
func (s *DB) CreateVectorIndex(name string, opts hnsw.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("%w: index name must not be empty", hnsw.ErrInvalidParameter)
	}
	if _, ok := s.vectorIndexes[name]; ok {
		return fmt.Errorf("index '%s' already exists", name)
	}

	idx, err := hnsw.New(opts)
	if err != nil {
		return err
	}

	s.vectorIndexes[name] = idx
	s.invertedIndex[name] = make(map[string]map[string]map[uint32]struct{})
	s.bTreeIndex[name] = make(map[string]*btree.BTreeG[BTreeItem])
	s.optimizers[name] = hnsw.NewOptimizer(idx, hnsw.DefaultMaintenanceConfig())

	return nil
}

// GetVectorIndex retrieves a vector index by its name.
func (s *DB) GetVectorIndex(name string) (VectorIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, found := s.vectorIndexes[name]
	return idx, found
}

// DeleteVectorIndex removes an entire vector index and all of its associated data.
func (s *DB) DeleteVectorIndex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vectorIndexes[name]; !ok {
		return fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, name)
	}

	delete(s.vectorIndexes, name)
	delete(s.invertedIndex, name)
	delete(s.bTreeIndex, name)
	delete(s.optimizers, name)

	slog.Info("index deleted", "index", name)
	return nil
}

// AddVector inserts a document into the named index and updates the secondary
// metadata indexes.
func (s *DB) AddVector(indexName string, doc types.VectorDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.vectorIndexes[indexName]
	if !ok {
		return fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}

	internalID, err := idx.Add(doc)
	if err != nil {
		return err
	}
	if len(doc.Metadata) > 0 {
		s.addMetadataLocked(indexName, internalID, doc.Metadata)
	}
	return nil
}

// AddVectorBatch inserts a batch of documents atomically: if any document in
// the batch fails validation, nothing is inserted.
func (s *DB) AddVectorBatch(indexName string, docs []types.VectorDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.vectorIndexes[indexName]
	if !ok {
		return fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}

	if err := idx.AddBatch(docs); err != nil {
		return err
	}

	hnswIndex, isHNSW := idx.(*hnsw.Index)
	if !isHNSW {
		return nil
	}
	for _, doc := range docs {
		if len(doc.Metadata) == 0 {
			continue
		}
		internalID, found := hnswIndex.GetInternalID(doc.ID)
		if !found {
			continue
		}
		s.addMetadataLocked(indexName, internalID, doc.Metadata)
	}
	return nil
}

// RemoveVector deletes a document from the named index and drops its entries
// from the secondary indexes.
func (s *DB) RemoveVector(indexName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.vectorIndexes[indexName]
	if !ok {
		return fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}

	var internalID uint32
	var haveInternal bool
	if hnswIndex, isHNSW := idx.(*hnsw.Index); isHNSW {
		internalID, haveInternal = hnswIndex.GetInternalID(id)
	}

	if err := idx.Remove(id); err != nil {
		return err
	}
	if haveInternal {
		s.removeMetadataLocked(indexName, internalID)
	}
	return nil
}

// SearchVectors runs a k-NN query against the named index. A non-empty filter
// expression is evaluated against the secondary indexes first and the graph
// search is restricted to the matching documents.
func (s *DB) SearchVectors(indexName string, query []float32, k int, filter string, efSearch int) ([]types.SearchResult, error) {
	s.mu.RLock()
	idx, ok := s.vectorIndexes[indexName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}

	var allowList map[uint32]struct{}
	if filter != "" {
		ids, err := s.FindIDsByFilter(indexName, filter)
		if err != nil {
			return nil, err
		}
		allowList = ids
	}

	return idx.SearchWithScores(query, k, allowList, efSearch)
}

// GetVector retrieves the stored document for a single external ID.
func (s *DB) GetVector(indexName, vectorID string) (types.VectorDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.vectorIndexes[indexName]
	if !ok {
		return types.VectorDocument{}, fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}

	hnswIndex, ok := idx.(*hnsw.Index)
	if !ok {
		return types.VectorDocument{}, fmt.Errorf("index type not supported for data retrieval")
	}

	nodeData, found := hnswIndex.GetNodeData(vectorID)
	if !found {
		return types.VectorDocument{}, fmt.Errorf("%w: vector '%s' in index '%s'", hnsw.ErrNotFound, vectorID, indexName)
	}

	return types.VectorDocument{
		ID:        nodeData.ID,
		OwnerID:   nodeData.OwnerID,
		Vector:    nodeData.Vector,
		Metadata:  nodeData.Metadata,
		CreatedAt: nodeData.CreatedAt,
	}, nil
}

// GetVectors retrieves the documents for a slice of IDs in parallel.
// IDs that are not found are omitted from the result.
func (s *DB) GetVectors(indexName string, vectorIDs []string) ([]types.VectorDocument, error) {
	s.mu.RLock()
	idx, ok := s.vectorIndexes[indexName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}
	hnswIndex, ok := idx.(*hnsw.Index)
	if !ok {
		return nil, fmt.Errorf("unsupported index type")
	}

	jobs := make(chan string, len(vectorIDs))
	resultsChan := make(chan types.VectorDocument, len(vectorIDs))
	var wg sync.WaitGroup

	numWorkers := runtime.NumCPU()
	if len(vectorIDs) < numWorkers {
		numWorkers = len(vectorIDs)
	}
	if numWorkers == 0 {
		return []types.VectorDocument{}, nil
	}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for vectorID := range jobs {
				nodeData, found := hnswIndex.GetNodeData(vectorID)
				if !found {
					continue
				}
				resultsChan <- types.VectorDocument{
					ID:        nodeData.ID,
					OwnerID:   nodeData.OwnerID,
					Vector:    nodeData.Vector,
					Metadata:  nodeData.Metadata,
					CreatedAt: nodeData.CreatedAt,
				}
			}
		}()
	}

	for _, id := range vectorIDs {
		jobs <- id
	}
	close(jobs)

	wg.Wait()
	close(resultsChan)

	finalResults := make([]types.VectorDocument, 0, len(resultsChan))
	for result := range resultsChan {
		finalResults = append(finalResults, result)
	}

	return finalResults, nil
}

// GetIndexStats returns the statistics for a single index.
func (s *DB) GetIndexStats(indexName string) (types.IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.vectorIndexes[indexName]
	if !ok {
		return types.IndexStats{}, fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}
	return idx.Stats(), nil
}

// GetVectorIndexInfo returns the configuration and status of all vector
// indexes, sorted by name for a consistent API response.
func (s *DB) GetVectorIndexInfo() ([]types.IndexInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infoList := make([]types.IndexInfo, 0, len(s.vectorIndexes))
	for name, idx := range s.vectorIndexes {
		info := types.IndexInfo{
			Name:        name,
			Metric:      idx.Metric(),
			Precision:   idx.Precision(),
			VectorCount: idx.Len(),
		}
		if hnswIndex, ok := idx.(*hnsw.Index); ok {
			info.M = hnswIndex.M()
			info.EfConstruction = hnswIndex.EfConstruction()
		}
		infoList = append(infoList, info)
	}

	sort.Slice(infoList, func(i, j int) bool {
		return infoList[i].Name < infoList[j].Name
	})

	return infoList, nil
}

// GetSingleVectorIndexInfo returns information for a single index by name.
func (s *DB) GetSingleVectorIndexInfo(name string) (types.IndexInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.vectorIndexes[name]
	if !ok {
		return types.IndexInfo{}, fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, name)
	}

	info := types.IndexInfo{
		Name:        name,
		Metric:      idx.Metric(),
		Precision:   idx.Precision(),
		VectorCount: idx.Len(),
	}
	if hnswIndex, ok := idx.(*hnsw.Index); ok {
		info.M = hnswIndex.M()
		info.EfConstruction = hnswIndex.EfConstruction()
	}
	return info, nil
}

// --- SNAPSHOTTING ---

// SaveSnapshot serializes the current state of the database in gob format.
func (s *DB) SaveSnapshot(writer io.Writer) error {
	s.mu.RLock()
	indexesToDump := make(map[string]*hnsw.Index, len(s.vectorIndexes))
	for name, idx := range s.vectorIndexes {
		if hnswIndex, ok := idx.(*hnsw.Index); ok {
			indexesToDump[name] = hnswIndex
		}
	}
	s.mu.RUnlock()

	snapshot := Snapshot{
		KVData:     make(map[string][]byte),
		VectorData: make(map[string]hnsw.IndexSnapshot),
	}

	s.kvStore.RLock()
	for k, v := range s.kvStore.data {
		snapshot.KVData[k] = v
	}
	s.kvStore.RUnlock()

	// Each index snapshot is internally consistent; cross-index consistency
	// follows from single-writer command execution above this layer.
	for name, idx := range indexesToDump {
		snapshot.VectorData[name] = idx.Snapshot()
	}

	encoder := gob.NewEncoder(writer)
	if err := encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// LoadFromSnapshot deserializes a gob snapshot and restores the database state.
// The whole snapshot is staged before any live state is replaced, so a corrupt
// or inconsistent snapshot leaves the database untouched.
func (s *DB) LoadFromSnapshot(reader io.Reader) error {
	decoder := gob.NewDecoder(reader)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	staged := make(map[string]VectorIndex, len(snapshot.VectorData))
	stagedOptimizers := make(map[string]*hnsw.GraphOptimizer, len(snapshot.VectorData))
	for name, indexSnap := range snapshot.VectorData {
		idx, err := hnsw.New(hnsw.Options{
			M:              indexSnap.M,
			MMax:           indexSnap.MMax,
			EfConstruction: indexSnap.EfConstruction,
			EfSearch:       indexSnap.EfSearch,
			MaxLevel:       indexSnap.MaxLevelCap,
			Metric:         indexSnap.Metric,
			Precision:      indexSnap.Precision,
		})
		if err != nil {
			return fmt.Errorf("failed to recreate index '%s' from snapshot: %w", name, err)
		}
		if err := idx.RestoreSnapshot(indexSnap); err != nil {
			return fmt.Errorf("failed to restore index '%s' from snapshot: %w", name, err)
		}
		staged[name] = idx
		stagedOptimizers[name] = hnsw.NewOptimizer(idx, hnsw.DefaultMaintenanceConfig())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.kvStore.mu.Lock()
	s.kvStore.data = snapshot.KVData
	if s.kvStore.data == nil {
		s.kvStore.data = make(map[string][]byte)
	}
	s.kvStore.mu.Unlock()

	s.vectorIndexes = staged
	s.optimizers = stagedOptimizers
	s.invertedIndex = make(map[string]map[string]map[string]map[uint32]struct{})
	s.bTreeIndex = make(map[string]map[string]*btree.BTreeG[BTreeItem])

	// Rebuild the secondary metadata indexes from the restored nodes.
	for name, indexSnap := range snapshot.VectorData {
		s.invertedIndex[name] = make(map[string]map[string]map[uint32]struct{})
		s.bTreeIndex[name] = make(map[string]*btree.BTreeG[BTreeItem])
		for _, node := range indexSnap.Nodes {
			if len(node.Metadata) > 0 {
				s.addMetadataLocked(name, node.InternalID, node.Metadata)
			}
		}
	}

	return nil
}

// IterateKV iterates over all key-value pairs in the store, passing each to a
// callback. The iteration is performed under a read lock.
func (s *DB) IterateKV(callback func(pair KVPair)) {
	s.kvStore.mu.RLock()
	defer s.kvStore.mu.RUnlock()

	for key, value := range s.kvStore.data {
		callback(KVPair{Key: key, Value: value})
	}
}

// IterateVectorIndexes iterates over all documents of all HNSW indexes.
// Used by AOF compaction to rewrite the log from live state.
func (s *DB) IterateVectorIndexes(callback func(indexName string, index *hnsw.Index, doc types.VectorDocument)) {
	s.mu.RLock()
	indexes := make(map[string]*hnsw.Index, len(s.vectorIndexes))
	for name, idx := range s.vectorIndexes {
		if hnswIndex, ok := idx.(*hnsw.Index); ok {
			indexes[name] = hnswIndex
		}
	}
	s.mu.RUnlock()

	for name, hnswIndex := range indexes {
		hnswIndex.Iterate(func(id string, vector []float32) {
			nodeData, found := hnswIndex.GetNodeData(id)
			if !found {
				return
			}
			callback(name, hnswIndex, types.VectorDocument{
				ID:        nodeData.ID,
				OwnerID:   nodeData.OwnerID,
				Vector:    vector,
				Metadata:  nodeData.Metadata,
				CreatedAt: nodeData.CreatedAt,
			})
		})
	}
}

// --- MAINTENANCE ---

// SetMaintenanceConfig updates the background maintenance policy for an index.
func (s *DB) SetMaintenanceConfig(indexName string, cfg hnsw.MaintenanceConfig) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opt, ok := s.optimizers[indexName]
	if !ok {
		return fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}
	opt.UpdateConfig(cfg)
	return nil
}

// GetMaintenanceConfig returns the background maintenance policy for an index.
func (s *DB) GetMaintenanceConfig(indexName string) (hnsw.MaintenanceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opt, ok := s.optimizers[indexName]
	if !ok {
		return hnsw.MaintenanceConfig{}, fmt.Errorf("%w: index '%s'", hnsw.ErrNotFound, indexName)
	}
	return opt.GetConfig(), nil
}

// RunMaintenance executes one maintenance cycle across all indexes.
// forceType "vacuum" or "refine" bypasses the timer and threshold policies.
func (s *DB) RunMaintenance(forceType string) bool {
	s.mu.RLock()
	optimizers := make([]*hnsw.GraphOptimizer, 0, len(s.optimizers))
	for _, opt := range s.optimizers {
		optimizers = append(optimizers, opt)
	}
	s.mu.RUnlock()

	didWork := false
	for _, opt := range optimizers {
		if opt.RunCycle(forceType) {
			didWork = true
		}
	}
	return didWork
}

// StartMaintenance launches the background maintenance loop and returns a stop
// function.
func (s *DB) StartMaintenance(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunMaintenance("")
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// --- METADATA INDEXING ---

// addMetadataLocked associates metadata with a node ID and updates the
// secondary indexes. Values that parse as numbers are additionally indexed in
// the B-Tree so they can serve range filters. Caller holds the write lock.
func (s *DB) addMetadataLocked(indexName string, nodeID uint32, metadata map[string]string) error {
	indexMetadata, ok := s.invertedIndex[indexName]
	if !ok {
		return fmt.Errorf("metadata index for '%s' not found", indexName)
	}
	indexBTree := s.bTreeIndex[indexName]

	for key, value := range metadata {
		if _, ok := indexMetadata[key]; !ok {
			indexMetadata[key] = make(map[string]map[uint32]struct{})
		}
		if _, ok := indexMetadata[key][value]; !ok {
			indexMetadata[key][value] = make(map[uint32]struct{})
		}
		indexMetadata[key][value][nodeID] = struct{}{}

		if numValue, err := strconv.ParseFloat(value, 64); err == nil && indexBTree != nil {
			if _, ok := indexBTree[key]; !ok {
				indexBTree[key] = btree.NewBTreeG[BTreeItem](btreeItemLess)
			}
			indexBTree[key].Set(BTreeItem{Value: numValue, NodeID: nodeID})
		}
	}
	return nil
}

// removeMetadataLocked drops every secondary index entry for a node.
func (s *DB) removeMetadataLocked(indexName string, nodeID uint32) {
	if invIdx, ok := s.invertedIndex[indexName]; ok {
		for key, valueMap := range invIdx {
			for value, idSet := range valueMap {
				if _, exists := idSet[nodeID]; !exists {
					continue
				}
				delete(idSet, nodeID)
				if len(idSet) == 0 {
					delete(valueMap, value)
				}
				if bTrees, ok := s.bTreeIndex[indexName]; ok {
					if numValue, err := strconv.ParseFloat(value, 64); err == nil {
						if tree, ok := bTrees[key]; ok {
							tree.Delete(BTreeItem{Value: numValue, NodeID: nodeID})
						}
					}
				}
			}
			if len(valueMap) == 0 {
				delete(invIdx, key)
			}
		}
	}
}

// --- METADATA FILTERING ---

// FindIDsByFilter acts as a query planner for metadata filters.
// It supports AND and OR logic. OR has lower precedence (the filter is first
// split by OR, and each resulting block is evaluated as an AND of its
// sub-filters).
func (s *DB) FindIDsByFilter(indexName string, filter string) (map[uint32]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, fmt.Errorf("empty filter")
	}

	// Case-insensitive split for "OR" without altering the rest of the string.
	reOr := regexp.MustCompile(`(?i)\s+OR\s+`)
	orBlocks := reOr.Split(filter, -1)

	finalIDSet := make(map[uint32]struct{})

	reAnd := regexp.MustCompile(`(?i)\s+AND\s+`)

	for _, orBlock := range orBlocks {
		orBlock = strings.TrimSpace(orBlock)
		if orBlock == "" {
			continue
		}

		andFilters := reAnd.Split(orBlock, -1)

		var blockIDSet map[uint32]struct{}
		isFirst := true

		for _, subFilter := range andFilters {
			subFilter = strings.TrimSpace(subFilter)
			if subFilter == "" {
				continue
			}

			currentIDSet, err := s.evaluateBooleanFilter(indexName, subFilter)
			if err != nil {
				return nil, fmt.Errorf("error in filter '%s': %w", subFilter, err)
			}

			if isFirst {
				// Defensive copy to prevent aliasing.
				blockIDSet = make(map[uint32]struct{}, len(currentIDSet))
				for id := range currentIDSet {
					blockIDSet[id] = struct{}{}
				}
				isFirst = false
			} else {
				blockIDSet = intersectSets(blockIDSet, currentIDSet)
			}

			// An empty intersection cannot grow back within this AND block.
			if len(blockIDSet) == 0 {
				break
			}
		}

		finalIDSet = unionSets(finalIDSet, blockIDSet)
	}

	if len(finalIDSet) == 0 {
		return make(map[uint32]struct{}), nil
	}

	return finalIDSet, nil
}

// evaluateBooleanFilter evaluates a single expression like "price >= 10" or
// "name = Alice". It returns a set of matching internal node IDs.
func (s *DB) evaluateBooleanFilter(indexName string, filter string) (map[uint32]struct{}, error) {
	filter = strings.TrimSpace(filter)

	// Find the operator (ordered by length to handle <= and >= correctly).
	var op string
	opIndex := -1
	for _, operator := range []string{"<=", ">=", "=", "<", ">"} {
		if idx := strings.Index(filter, operator); idx != -1 {
			op = operator
			opIndex = idx
			break
		}
	}
	if opIndex == -1 {
		return nil, fmt.Errorf("invalid filter format, operator not found (use =, <, >, <=, >=)")
	}

	key := strings.TrimSpace(filter[:opIndex])
	valueStr := strings.Trim(strings.TrimSpace(filter[opIndex+len(op):]), `'"`)

	idSet := make(map[uint32]struct{})

	indexBTree, hasBTree := s.bTreeIndex[indexName]
	indexInv, hasInv := s.invertedIndex[indexName]

	switch op {
	case "=":
		// Equality always goes through the inverted index; metadata values
		// are stored verbatim as strings.
		if !hasInv {
			return nil, fmt.Errorf("inverted index for '%s' not found", indexName)
		}
		keyMetadata, ok := indexInv[key]
		if !ok {
			return make(map[uint32]struct{}), nil
		}
		valSet, ok := keyMetadata[valueStr]
		if !ok {
			return make(map[uint32]struct{}), nil
		}
		// Defensive copy.
		for id := range valSet {
			idSet[id] = struct{}{}
		}
		return idSet, nil

	case "<", "<=", ">", ">=":
		numValue, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return nil, fmt.Errorf("value for operator '%s' must be numeric: '%s'", op, valueStr)
		}
		if !hasBTree {
			return nil, fmt.Errorf("numeric index for '%s' not found", indexName)
		}

		tree, ok := indexBTree[key]
		if !ok {
			// The key is not numerically indexed: empty result.
			return make(map[uint32]struct{}), nil
		}

		switch op {
		case "<":
			tree.Ascend(BTreeItem{Value: math.Inf(-1)}, func(item BTreeItem) bool {
				if item.Value >= numValue {
					return false
				}
				idSet[item.NodeID] = struct{}{}
				return true
			})
		case "<=":
			tree.Ascend(BTreeItem{Value: math.Inf(-1)}, func(item BTreeItem) bool {
				if item.Value > numValue {
					return false
				}
				idSet[item.NodeID] = struct{}{}
				return true
			})
		case ">":
			tree.Descend(BTreeItem{Value: math.Inf(+1)}, func(item BTreeItem) bool {
				if item.Value <= numValue {
					return false
				}
				idSet[item.NodeID] = struct{}{}
				return true
			})
		case ">=":
			tree.Descend(BTreeItem{Value: math.Inf(+1)}, func(item BTreeItem) bool {
				if item.Value < numValue {
					return false
				}
				idSet[item.NodeID] = struct{}{}
				return true
			})
		}

		return idSet, nil

	default:
		return nil, fmt.Errorf("operator '%s' not supported", op)
	}
}

// intersectSets calculates the intersection of two sets (a ∩ b).
func intersectSets(a, b map[uint32]struct{}) map[uint32]struct{} {
	if a == nil || b == nil {
		return make(map[uint32]struct{})
	}
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	res := make(map[uint32]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			res[id] = struct{}{}
		}
	}
	return res
}

// unionSets calculates the union of two sets (a ∪ b).
func unionSets(a, b map[uint32]struct{}) map[uint32]struct{} {
	res := make(map[uint32]struct{}, len(a)+len(b))
	for id := range a {
		res[id] = struct{}{}
	}
	for id := range b {
		res[id] = struct{}{}
	}
	return res
}

// btreeItemLess is the less function for BTree items. It sorts items by their
// float64 value, using NodeID as a tie-breaker to keep items distinct.
func btreeItemLess(a, b BTreeItem) bool {
	if a.Value < b.Value {
		return true
	}
	if a.Value > b.Value {
		return false
	}
	return a.NodeID < b.NodeID
}
