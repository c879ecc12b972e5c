// Package mcp exposes the vector database to LLM agents over the Model
// Context Protocol. Each tool maps onto one database operation.
package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quillvec/quillvec/pkg/core"
)

func NewMCPServer(db *core.DB) *mcp.Server {
	service := NewService(db)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "QuillVec",
		Version: "0.3.0",
	}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "create_index",
		Description: "Create a named vector index. Parameters left at zero use the server defaults.",
	}, service.CreateIndex)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "add_vectors",
		Description: "Insert one or more documents (id, vector, optional owner and metadata) into an index. The batch is atomic: either all documents are added or none.",
	}, service.AddVectors)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_vectors",
		Description: "Find the k nearest documents to a query vector, optionally restricted by a metadata filter like \"color = blue AND price < 20\".",
	}, service.SearchVectors)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "remove_vector",
		Description: "Remove a document from an index by id.",
	}, service.RemoveVector)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "index_stats",
		Description: "Report document count, vector dimension and memory usage for an index.",
	}, service.IndexStats)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_indexes",
		Description: "List all vector indexes with their configuration.",
	}, service.ListIndexes)

	return s
}
