package server

import "github.com/quillvec/quillvec/pkg/core/hnsw"

// --- Request payloads ---

type vectorCreateRequest struct {
	IndexName      string `json:"index_name"`
	Metric         string `json:"metric,omitempty"`
	Precision      string `json:"precision,omitempty"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	EfSearch       int    `json:"ef_search,omitempty"`
	MaxLevel       int    `json:"max_level,omitempty"`

	// Maintenance overrides the default vacuum/refine policy when present.
	Maintenance *hnsw.MaintenanceConfig `json:"maintenance,omitempty"`
}

type vectorDocumentRequest struct {
	ID       string            `json:"id"`
	OwnerID  string            `json:"owner_id,omitempty"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type vectorAddRequest struct {
	IndexName string                  `json:"index_name"`
	Documents []vectorDocumentRequest `json:"documents"`
}

type vectorSearchRequest struct {
	IndexName string    `json:"index_name"`
	Vector    []float32 `json:"vector"`
	K         int       `json:"k"`
	// Filter is a metadata expression, e.g. "color = blue AND price < 20".
	Filter string `json:"filter,omitempty"`
	// EfSearch overrides the index default for this query when > 0.
	EfSearch int `json:"ef_search,omitempty"`
}

type vectorDeleteRequest struct {
	IndexName string `json:"index_name"`
	ID        string `json:"id"`
}

type vectorGetRequest struct {
	IndexName string   `json:"index_name"`
	IDs       []string `json:"ids"`
}

type maintenanceRequest struct {
	// Kind is "vacuum" or "refine"; empty runs the normal policy.
	Kind string `json:"kind,omitempty"`
}

// --- Response payloads ---

type statusResponse struct {
	Status string `json:"status"`
}

type taskAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}
