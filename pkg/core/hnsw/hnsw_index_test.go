package hnsw

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/quillvec/quillvec/pkg/core/distance"
	"github.com/quillvec/quillvec/pkg/core/types"
)

// newTestIndex builds an index with a fixed seed so graph shape and search
// ordering are reproducible.
func newTestIndex(t *testing.T) *Index {
	t.Helper()
	opts := DefaultOptions()
	opts.RandSource = rand.NewSource(42)
	idx, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return idx
}

func doc(id string, vector ...float32) types.VectorDocument {
	return types.VectorDocument{
		ID:        id,
		OwnerID:   "owner-" + id,
		Vector:    vector,
		Metadata:  map[string]string{"label": id},
		CreatedAt: time.Now(),
	}
}

func TestStatsAfterInserts(t *testing.T) {
	idx := newTestIndex(t)

	const n, dim = 50, 8
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()
		}
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	stats := idx.Stats()
	if stats.DocumentCount != n {
		t.Errorf("DocumentCount = %d, want %d", stats.DocumentCount, n)
	}
	if stats.VectorDimension != dim {
		t.Errorf("VectorDimension = %d, want %d", stats.VectorDimension, dim)
	}
	if stats.MemoryUsage <= 0 {
		t.Errorf("MemoryUsage = %d, want > 0", stats.MemoryUsage)
	}
	if stats.BuildTime < 0 {
		t.Errorf("BuildTime = %f, want >= 0", stats.BuildTime)
	}
}

func TestDimensionMismatchLeavesCountUnchanged(t *testing.T) {
	idx := newTestIndex(t)

	if _, err := idx.Add(doc("a", 1, 2, 3)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	_, err := idx.Add(doc("b", 1, 2))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if got := idx.Stats().DocumentCount; got != 1 {
		t.Errorf("DocumentCount = %d after failed Add, want 1", got)
	}

	_, err = idx.Search([]float32{1, 2}, 3)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search with wrong dimension: expected ErrDimensionMismatch, got %v", err)
	}
}

func TestBatchIsAtomicOnDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)

	batch := []types.VectorDocument{
		doc("a", 0, 0),
		doc("b", 1, 1),
		doc("bad", 1, 2, 3), // wrong dimension: whole batch must be rejected
	}
	err := idx.AddBatch(batch)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if got := idx.Stats().DocumentCount; got != 0 {
		t.Errorf("DocumentCount = %d after rejected batch, want 0", got)
	}
	if idx.Dimension() != 0 {
		t.Errorf("dimension was established by a rejected batch")
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(t)

	results, err := idx.Search([]float32{1, 2}, 5)
	if err != nil {
		t.Fatalf("Search on empty index returned error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from an empty index, want 0", len(results))
	}
}

func TestSearchResultBoundsAndOrdering(t *testing.T) {
	idx := newTestIndex(t)

	const n, dim = 30, 4
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()
		}
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	for _, k := range []int{1, 5, n, n + 100} {
		results, err := idx.Search([]float32{0.5, 0.5, 0.5, 0.5}, k)
		if err != nil {
			t.Fatalf("Search k=%d failed: %v", k, err)
		}
		if len(results) > min(k, n) {
			t.Errorf("k=%d: got %d results, want <= %d", k, len(results), min(k, n))
		}
		for i := 1; i < len(results); i++ {
			if results[i].Distance < results[i-1].Distance {
				t.Errorf("k=%d: results not sorted: %f before %f", k, results[i-1].Distance, results[i].Distance)
			}
		}
	}
}

func TestExactMatchRecall(t *testing.T) {
	idx := newTestIndex(t)

	const n, dim = 200, 16
	rng := rand.New(rand.NewSource(3))
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()
		}
		vectors[i] = vec
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// Querying with an inserted vector must return it at distance 0. This is
	// a very-high-probability property at this graph size and seed, not a
	// universal guarantee.
	for _, probe := range []int{0, 42, 199} {
		results, err := idx.Search(vectors[probe], 1)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("probe %d: no results", probe)
		}
		want := fmt.Sprintf("d%d", probe)
		if results[0].DocumentID != want {
			t.Errorf("probe %d: top result = %s (dist %f), want %s", probe, results[0].DocumentID, results[0].Distance, want)
		}
		if results[0].Distance != 0 {
			t.Errorf("probe %d: distance = %f, want 0", probe, results[0].Distance)
		}
		if results[0].Similarity != 1 {
			t.Errorf("probe %d: similarity = %f, want 1", probe, results[0].Similarity)
		}
	}
}

func TestThreeVectorScenario(t *testing.T) {
	idx := newTestIndex(t)

	// A and B are both at squared distance 1 from the query; C is far away.
	// The tie between A and B resolves by insertion order.
	if err := idx.AddBatch([]types.VectorDocument{
		doc("A", 0, 0),
		doc("B", 1, 1),
		doc("C", 10, 10),
	}); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}

	results, err := idx.Search([]float32{0, 1}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if results[0].DocumentID != "A" || results[1].DocumentID != "B" {
		t.Errorf("got order [%s %s], want [A B] (insertion-order tie-break)", results[0].DocumentID, results[1].DocumentID)
	}
	for i, r := range results {
		if r.Distance != 1 {
			t.Errorf("result %d (%s): distance = %f, want 1", i, r.DocumentID, r.Distance)
		}
		if r.Metadata["label"] != r.DocumentID {
			t.Errorf("result %d: metadata not carried through: %v", i, r.Metadata)
		}
		if r.OwnerID != "owner-"+r.DocumentID {
			t.Errorf("result %d: owner id = %q", i, r.OwnerID)
		}
		if r.ResultID == "" {
			t.Errorf("result %d: empty result id", i)
		}
	}
}

func TestRemoveAbsentID(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Remove("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove on empty index: expected ErrNotFound, got %v", err)
	}

	if _, err := idx.Add(doc("a", 1, 2)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Remove("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove of absent id: expected ErrNotFound, got %v", err)
	}
	// Behavior must be consistent across calls.
	if err := idx.Remove("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove of absent id: expected ErrNotFound, got %v", err)
	}
}

func TestSearchNeverReturnsRemovedID(t *testing.T) {
	idx := newTestIndex(t)

	const n, dim = 100, 8
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()
		}
		if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// Remove a third of the documents; their edges stay in the graph until
	// vacuum, so searches must filter them out.
	removed := make(map[string]bool)
	for i := 0; i < n; i += 3 {
		id := fmt.Sprintf("d%d", i)
		if err := idx.Remove(id); err != nil {
			t.Fatalf("Remove %s failed: %v", id, err)
		}
		removed[id] = true
	}

	if got := idx.Stats().DocumentCount; got != n-len(removed) {
		t.Errorf("DocumentCount = %d, want %d", got, n-len(removed))
	}

	query := make([]float32, dim)
	for j := range query {
		query[j] = rng.Float32()
	}
	results, err := idx.Search(query, n)
	if err != nil {
		t.Fatalf("Search after removals failed: %v", err)
	}
	for _, r := range results {
		if removed[r.DocumentID] {
			t.Errorf("search returned removed document %s", r.DocumentID)
		}
	}
}

func TestDuplicateID(t *testing.T) {
	idx := newTestIndex(t)

	if _, err := idx.Add(doc("a", 1, 2)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := idx.Add(doc("a", 3, 4)); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}

	// A removed id can be reused.
	if err := idx.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := idx.Add(doc("a", 3, 4)); err != nil {
		t.Errorf("re-adding a removed id failed: %v", err)
	}
}

func TestInvalidParameters(t *testing.T) {
	cases := []Options{
		{M: -1},
		{EfConstruction: -5},
		{EfSearch: -1},
		{MaxLevel: -2},
		{M: 16, MMax: 8}, // cap below target
	}
	for i, opts := range cases {
		if _, err := New(opts); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("case %d: expected ErrInvalidParameter, got %v", i, err)
		}
	}

	idx := newTestIndex(t)
	if _, err := idx.Add(doc("a", 1, 2)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := idx.SearchWithScores([]float32{1, 2}, -1, nil, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("negative k: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := idx.SearchWithScores([]float32{1, 2}, 1, nil, -1); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("negative efSearch: expected ErrInvalidParameter, got %v", err)
	}
}

func TestRandomLevelDistribution(t *testing.T) {
	opts := DefaultOptions()
	opts.RandSource = rand.NewSource(99)
	idx, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const draws = 100000
	counts := make(map[int]int)
	for i := 0; i < draws; i++ {
		l := idx.randomLevel()
		if l < 0 || l > idx.maxLevelCap {
			t.Fatalf("level %d outside [0, %d]", l, idx.maxLevelCap)
		}
		counts[l]++
	}

	// With levelFactor 1/ln(2) each level should hold roughly half the
	// population of the one below it.
	if counts[0] < draws/3 {
		t.Errorf("level 0 count %d, want around %d", counts[0], draws/2)
	}
	ratio := float64(counts[1]) / float64(counts[0])
	if ratio < 0.35 || ratio > 0.65 {
		t.Errorf("level 1 / level 0 ratio = %f, want around 0.5", ratio)
	}
}

func TestDeterministicWithFixedSeed(t *testing.T) {
	build := func() []types.SearchResult {
		opts := DefaultOptions()
		opts.RandSource = rand.NewSource(7)
		idx, err := New(opts)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		rng := rand.New(rand.NewSource(8))
		for i := 0; i < 100; i++ {
			vec := []float32{rng.Float32(), rng.Float32(), rng.Float32()}
			if _, err := idx.Add(doc(fmt.Sprintf("d%d", i), vec...)); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
		results, err := idx.Search([]float32{0.5, 0.5, 0.5}, 10)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		return results
	}

	a, b := build(), build()
	if len(a) != len(b) {
		t.Fatalf("result lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].DocumentID != b[i].DocumentID || a[i].Distance != b[i].Distance {
			t.Errorf("result %d differs: %s/%f vs %s/%f", i, a[i].DocumentID, a[i].Distance, b[i].DocumentID, b[i].Distance)
		}
	}
}

func TestAddCopiesCallerVector(t *testing.T) {
	opts := DefaultOptions()
	opts.RandSource = rand.NewSource(5)
	idx, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	vec := []float32{3, 4}
	if _, err := idx.Add(doc("a", vec...)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	vec[0] = 999 // mutating the caller's slice must not affect the index

	results, err := idx.Search([]float32{3, 4}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Distance != 0 {
		t.Errorf("index aliased the caller's vector: %+v", results)
	}
}

func TestReducedPrecisionSearch(t *testing.T) {
	t.Run("float16", func(t *testing.T) {
		opts := DefaultOptions()
		opts.RandSource = rand.NewSource(42)
		opts.Precision = distance.Float16
		idx, err := New(opts)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		if err := idx.AddBatch([]types.VectorDocument{
			doc("a", 0, 0),
			doc("b", 1, 1),
			doc("c", 10, 10),
		}); err != nil {
			t.Fatalf("AddBatch failed: %v", err)
		}

		results, err := idx.Search([]float32{0, 1}, 2)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		got := map[string]bool{results[0].DocumentID: true, results[1].DocumentID: true}
		if !got["a"] || !got["b"] {
			t.Errorf("results = %s, %s; want a and b", results[0].DocumentID, results[1].DocumentID)
		}
	})

	t.Run("int8", func(t *testing.T) {
		opts := DefaultOptions()
		opts.RandSource = rand.NewSource(42)
		opts.Precision = distance.Int8
		opts.Metric = distance.Cosine
		idx, err := New(opts)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		// Cosine compares directions, so the documents span distinct angles.
		idx.TrainQuantizer([][]float32{{0, 1}, {1, 1}, {1, 0}})
		if err := idx.AddBatch([]types.VectorDocument{
			doc("a", 0, 1),
			doc("b", 1, 1),
			doc("c", 1, 0),
		}); err != nil {
			t.Fatalf("AddBatch failed: %v", err)
		}

		results, err := idx.Search([]float32{0, 1}, 2)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		// Quantization perturbs distances but not the coarse ordering of
		// well-separated directions.
		got := map[string]bool{results[0].DocumentID: true, results[1].DocumentID: true}
		if !got["a"] || !got["b"] {
			t.Errorf("results = %s, %s; want a and b", results[0].DocumentID, results[1].DocumentID)
		}
	})
}

func TestTrainQuantizerBeforeInsert(t *testing.T) {
	opts := DefaultOptions()
	opts.RandSource = rand.NewSource(42)
	opts.Precision = distance.Int8
	opts.Metric = distance.Cosine
	idx, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sample := [][]float32{{0.5, -2}, {1.5, 0.25}, {-1, 2}}
	idx.TrainQuantizer(sample)
	if q := idx.Quantizer(); q == nil || q.AbsMax == 0 {
		t.Fatal("quantizer untrained after TrainQuantizer")
	}

	if _, err := idx.Add(doc("a", 0.5, -2)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	results, err := idx.Search([]float32{0.5, -2}, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != "a" {
		t.Errorf("results = %+v, want a", results)
	}
}
