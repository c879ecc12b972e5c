package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quillvec/quillvec/pkg/core"
	"github.com/quillvec/quillvec/pkg/core/distance"
	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
)

// Service implements the tool handlers over the database.
type Service struct {
	db *core.DB
}

func NewService(db *core.DB) *Service {
	return &Service{db: db}
}

func (s *Service) CreateIndex(ctx context.Context, req *mcp.CallToolRequest, args CreateIndexArgs) (*mcp.CallToolResult, CreateIndexResult, error) {
	opts := hnsw.Options{
		M:              args.M,
		EfConstruction: args.EfConstruction,
		EfSearch:       args.EfSearch,
	}

	switch args.Metric {
	case "", string(distance.Euclidean):
		opts.Metric = distance.Euclidean
	case string(distance.Cosine):
		opts.Metric = distance.Cosine
	default:
		return nil, CreateIndexResult{}, fmt.Errorf("unknown metric %q", args.Metric)
	}

	switch args.Precision {
	case "", string(distance.Float32):
		opts.Precision = distance.Float32
	case string(distance.Float16):
		opts.Precision = distance.Float16
	case string(distance.Int8):
		opts.Precision = distance.Int8
	default:
		return nil, CreateIndexResult{}, fmt.Errorf("unknown precision %q", args.Precision)
	}

	if err := s.db.CreateVectorIndex(args.IndexName, opts); err != nil {
		return nil, CreateIndexResult{}, err
	}
	return nil, CreateIndexResult{IndexName: args.IndexName, Status: "created"}, nil
}

func (s *Service) AddVectors(ctx context.Context, req *mcp.CallToolRequest, args AddVectorsArgs) (*mcp.CallToolResult, AddVectorsResult, error) {
	if len(args.Documents) == 0 {
		return nil, AddVectorsResult{}, fmt.Errorf("documents must not be empty")
	}

	docs := make([]types.VectorDocument, 0, len(args.Documents))
	for _, d := range args.Documents {
		docs = append(docs, types.VectorDocument{
			ID:       d.ID,
			OwnerID:  d.OwnerID,
			Vector:   d.Vector,
			Metadata: d.Metadata,
		})
	}

	if err := s.db.AddVectorBatch(args.IndexName, docs); err != nil {
		return nil, AddVectorsResult{}, err
	}
	return nil, AddVectorsResult{Added: len(docs), Status: "ok"}, nil
}

func (s *Service) SearchVectors(ctx context.Context, req *mcp.CallToolRequest, args SearchVectorsArgs) (*mcp.CallToolResult, SearchVectorsResult, error) {
	k := args.K
	if k == 0 {
		k = 5
	}

	results, err := s.db.SearchVectors(args.IndexName, args.Vector, k, args.Filter, args.EfSearch)
	if err != nil {
		return nil, SearchVectorsResult{}, err
	}
	return nil, SearchVectorsResult{Results: results}, nil
}

func (s *Service) RemoveVector(ctx context.Context, req *mcp.CallToolRequest, args RemoveVectorArgs) (*mcp.CallToolResult, RemoveVectorResult, error) {
	if err := s.db.RemoveVector(args.IndexName, args.ID); err != nil {
		return nil, RemoveVectorResult{}, err
	}
	return nil, RemoveVectorResult{Status: "removed"}, nil
}

func (s *Service) IndexStats(ctx context.Context, req *mcp.CallToolRequest, args IndexStatsArgs) (*mcp.CallToolResult, IndexStatsResult, error) {
	stats, err := s.db.GetIndexStats(args.IndexName)
	if err != nil {
		return nil, IndexStatsResult{}, err
	}
	return nil, IndexStatsResult{Stats: stats}, nil
}

func (s *Service) ListIndexes(ctx context.Context, req *mcp.CallToolRequest, args ListIndexesArgs) (*mcp.CallToolResult, ListIndexesResult, error) {
	infos, err := s.db.GetVectorIndexInfo()
	if err != nil {
		return nil, ListIndexesResult{}, err
	}
	return nil, ListIndexesResult{Indexes: infos}, nil
}
