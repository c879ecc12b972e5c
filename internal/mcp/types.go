package mcp

import "github.com/quillvec/quillvec/pkg/core/types"

// --- Tool Arguments ---

type CreateIndexArgs struct {
	IndexName      string `json:"index_name" jsonschema:"Name of the index to create,required"`
	Metric         string `json:"metric,omitempty" jsonschema:"Distance metric: 'euclidean' or 'cosine'. Default 'euclidean'"`
	Precision      string `json:"precision,omitempty" jsonschema:"Vector storage precision: 'float32', 'float16' or 'int8'. Default 'float32'"`
	M              int    `json:"m,omitempty" jsonschema:"Neighbors per graph layer. Default 16"`
	EfConstruction int    `json:"ef_construction,omitempty" jsonschema:"Candidate breadth during insertion. Default 200"`
	EfSearch       int    `json:"ef_search,omitempty" jsonschema:"Default candidate breadth during search. Default 100"`
}

type CreateIndexResult struct {
	IndexName string `json:"index_name"`
	Status    string `json:"status"`
}

type DocumentArg struct {
	ID       string            `json:"id" jsonschema:"Unique document id,required"`
	OwnerID  string            `json:"owner_id,omitempty" jsonschema:"Owner of the document, echoed back in search results"`
	Vector   []float32         `json:"vector" jsonschema:"The embedding vector,required"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"String key/value pairs, filterable at search time"`
}

type AddVectorsArgs struct {
	IndexName string        `json:"index_name" jsonschema:"required"`
	Documents []DocumentArg `json:"documents" jsonschema:"Documents to insert,required"`
}

type AddVectorsResult struct {
	Added  int    `json:"added"`
	Status string `json:"status"`
}

type SearchVectorsArgs struct {
	IndexName string    `json:"index_name" jsonschema:"required"`
	Vector    []float32 `json:"vector" jsonschema:"The query vector,required"`
	K         int       `json:"k,omitempty" jsonschema:"Max number of results. Default 5"`
	Filter    string    `json:"filter,omitempty" jsonschema:"Metadata filter expression, e.g. \"lang = en AND year >= 2020\""`
	EfSearch  int       `json:"ef_search,omitempty" jsonschema:"Candidate breadth override for this query"`
}

type SearchVectorsResult struct {
	Results []types.SearchResult `json:"results"`
}

type RemoveVectorArgs struct {
	IndexName string `json:"index_name" jsonschema:"required"`
	ID        string `json:"id" jsonschema:"Document id to remove,required"`
}

type RemoveVectorResult struct {
	Status string `json:"status"`
}

type IndexStatsArgs struct {
	IndexName string `json:"index_name" jsonschema:"required"`
}

type IndexStatsResult struct {
	Stats types.IndexStats `json:"stats"`
}

type ListIndexesArgs struct{}

type ListIndexesResult struct {
	Indexes []types.IndexInfo `json:"indexes"`
}
