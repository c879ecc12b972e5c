package types

import (
	"time"

	"github.com/quillvec/quillvec/pkg/core/distance"
)

// VectorDocument is the caller-facing unit of insertion. The index never
// interprets OwnerID or Metadata; both are carried verbatim into results.
type VectorDocument struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	Vector    []float32         `json:"vector"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SearchResult is one ranked hit from a k-NN query. ResultID is freshly
// generated per result; Similarity is 1/(1+Distance), monotonic in the
// raw distance but not a normalized cosine score.
type SearchResult struct {
	ResultID   string            `json:"result_id"`
	DocumentID string            `json:"document_id"`
	OwnerID    string            `json:"owner_id"`
	Similarity float64           `json:"similarity"`
	Distance   float64           `json:"distance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Candidate is the HNSW-internal result struct, with internal ID and distance.
type Candidate struct {
	Id       uint32
	Distance float64
}

// NodeData carries a node's data out of the HNSW package.
type NodeData struct {
	ID         string
	OwnerID    string
	InternalID uint32
	Vector     []float32
	Metadata   map[string]string
	CreatedAt  time.Time
}

// IndexStats is the derived, read-only view over an index.
type IndexStats struct {
	DocumentCount   int     `json:"document_count"`
	VectorDimension int     `json:"vector_dimension"`
	MemoryUsage     int64   `json:"memory_usage"`
	BuildTime       float64 `json:"build_time_seconds"`
}

// IndexInfo models index information for the API.
type IndexInfo struct {
	Name           string                  `json:"name"`
	Metric         distance.DistanceMetric `json:"metric"`
	Precision      distance.PrecisionType  `json:"precision"`
	M              int                     `json:"m"`
	EfConstruction int                     `json:"ef_construction"`
	VectorCount    int                     `json:"vector_count"`
}
