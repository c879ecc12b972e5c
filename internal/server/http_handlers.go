package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
	"github.com/quillvec/quillvec/pkg/metrics"
)

// registerPublicRoutes mounts the endpoints that stay outside authentication:
// Prometheus scraping and the pprof suite.
func (s *Server) registerPublicRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// registerAPIRoutes mounts the authenticated API.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /kv/{key}", s.handleKVGet)
	mux.HandleFunc("PUT /kv/{key}", s.handleKVSet)
	mux.HandleFunc("DELETE /kv/{key}", s.handleKVDelete)

	mux.HandleFunc("GET /vector/indexes", s.handleVectorIndexList)
	mux.HandleFunc("GET /vector/indexes/{name}", s.handleVectorIndexInfo)
	mux.HandleFunc("DELETE /vector/indexes/{name}", s.handleVectorIndexDelete)
	mux.HandleFunc("GET /vector/indexes/{name}/stats", s.handleVectorIndexStats)
	mux.HandleFunc("GET /vector/indexes/{name}/vectors/{id}", s.handleVectorGetOne)
	mux.HandleFunc("POST /vector/indexes/{name}/maintenance", s.handleMaintenance)

	mux.HandleFunc("POST /vector/actions/create", s.handleVectorCreate)
	mux.HandleFunc("POST /vector/actions/add", s.handleVectorAdd)
	mux.HandleFunc("POST /vector/actions/search", s.handleVectorSearch)
	mux.HandleFunc("POST /vector/actions/delete-vector", s.handleVectorDelete)
	mux.HandleFunc("POST /vector/actions/get-vectors", s.handleVectorGetMany)

	mux.HandleFunc("POST /system/save", s.handleSystemSave)
	mux.HandleFunc("POST /system/aof-rewrite", s.handleSystemAOFRewrite)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskStatus)
}

// --- Response helpers ---

func writeHTTPResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Error("failed to encode http response", "error", err)
		}
	}
}

func writeHTTPError(w http.ResponseWriter, status int, message string) {
	writeHTTPResponse(w, status, errorResponse{Error: message})
}

// writeDBError maps database sentinel errors to HTTP status codes.
func writeDBError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hnsw.ErrNotFound):
		writeHTTPError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hnsw.ErrDuplicateID):
		writeHTTPError(w, http.StatusConflict, err.Error())
	case errors.Is(err, hnsw.ErrDimensionMismatch), errors.Is(err, hnsw.ErrInvalidParameter):
		writeHTTPError(w, http.StatusBadRequest, err.Error())
	default:
		writeHTTPError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// --- KV handlers ---

func (s *Server) handleKVGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok := s.db.GetKVStore().Get(key)
	if !ok {
		writeHTTPError(w, http.StatusNotFound, fmt.Sprintf("key '%s' not found", key))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handleKVSet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16*1024*1024))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	s.applyKVSet(key, value, true)
	writeHTTPResponse(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	s.applyKVDelete(r.PathValue("key"), true)
	writeHTTPResponse(w, http.StatusOK, statusResponse{Status: "ok"})
}

// --- Vector handlers ---

func (s *Server) handleVectorCreate(w http.ResponseWriter, r *http.Request) {
	var req vectorCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IndexName == "" {
		writeHTTPError(w, http.StatusBadRequest, "index_name is required")
		return
	}

	opts := hnsw.Options{
		M:              req.M,
		EfConstruction: req.EfConstruction,
		EfSearch:       req.EfSearch,
		MaxLevel:       req.MaxLevel,
	}
	if req.Metric != "" {
		metric, err := parseMetric(req.Metric)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Metric = metric
	}
	if req.Precision != "" {
		precision, err := parsePrecision(req.Precision)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Precision = precision
	}

	if err := s.applyCreateIndex(req.IndexName, opts, req.Maintenance, true); err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusCreated, statusResponse{Status: "created"})
}

func (s *Server) handleVectorAdd(w http.ResponseWriter, r *http.Request) {
	var req vectorAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IndexName == "" || len(req.Documents) == 0 {
		writeHTTPError(w, http.StatusBadRequest, "index_name and documents are required")
		return
	}

	docs := make([]types.VectorDocument, 0, len(req.Documents))
	for _, d := range req.Documents {
		docs = append(docs, types.VectorDocument{
			ID:       d.ID,
			OwnerID:  d.OwnerID,
			Vector:   d.Vector,
			Metadata: d.Metadata,
		})
	}

	if err := s.applyAddBatch(req.IndexName, docs, true); err != nil {
		writeDBError(w, err)
		return
	}
	s.updateIndexGauges()
	writeHTTPResponse(w, http.StatusOK, map[string]any{
		"status": "ok",
		"added":  len(docs),
	})
}

func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req vectorSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IndexName == "" {
		writeHTTPError(w, http.StatusBadRequest, "index_name is required")
		return
	}

	results, err := s.db.SearchVectors(req.IndexName, req.Vector, req.K, req.Filter, req.EfSearch)
	if err != nil {
		writeDBError(w, err)
		return
	}
	metrics.SearchesTotal.WithLabelValues(req.IndexName).Inc()

	writeHTTPResponse(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleVectorDelete(w http.ResponseWriter, r *http.Request) {
	var req vectorDeleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.applyRemove(req.IndexName, req.ID, true); err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, statusResponse{Status: "deleted"})
}

func (s *Server) handleVectorGetOne(w http.ResponseWriter, r *http.Request) {
	doc, err := s.db.GetVector(r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, doc)
}

func (s *Server) handleVectorGetMany(w http.ResponseWriter, r *http.Request) {
	var req vectorGetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	docs, err := s.db.GetVectors(req.IndexName, req.IDs)
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleVectorIndexList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.db.GetVectorIndexInfo()
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, map[string]any{"indexes": infos})
}

func (s *Server) handleVectorIndexInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.db.GetSingleVectorIndexInfo(r.PathValue("name"))
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, info)
}

func (s *Server) handleVectorIndexStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetIndexStats(r.PathValue("name"))
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, stats)
}

func (s *Server) handleVectorIndexDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.applyDropIndex(r.PathValue("name"), true); err != nil {
		writeDBError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, statusResponse{Status: "deleted"})
}

// handleMaintenance triggers a forced vacuum or refine as a background task.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	indexName := r.PathValue("name")
	if _, ok := s.db.GetVectorIndex(indexName); !ok {
		writeHTTPError(w, http.StatusNotFound, fmt.Sprintf("index '%s' not found", indexName))
		return
	}

	var req maintenanceRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = "vacuum"
	}
	if kind != "vacuum" && kind != "refine" {
		writeHTTPError(w, http.StatusBadRequest, "kind must be 'vacuum' or 'refine'")
		return
	}

	taskID := s.taskManager.Create("maintenance:" + kind)
	go func() {
		s.taskManager.SetRunning(taskID, "running "+kind)
		if s.db.RunMaintenance(kind) {
			metrics.MaintenanceRunsTotal.WithLabelValues(kind).Inc()
		}
		s.updateIndexGauges()
		s.taskManager.Complete(taskID, kind+" finished")
	}()

	writeHTTPResponse(w, http.StatusAccepted, taskAcceptedResponse{
		TaskID: taskID,
		Status: string(TaskStatusStarted),
	})
}

// --- System handlers ---

func (s *Server) handleSystemSave(w http.ResponseWriter, r *http.Request) {
	taskID := s.taskManager.Create("snapshot")
	go func() {
		s.taskManager.SetRunning(taskID, "writing snapshot")
		if err := s.saveSnapshot(); err != nil {
			s.taskManager.Fail(taskID, err)
			return
		}
		s.taskManager.Complete(taskID, "snapshot written")
	}()

	writeHTTPResponse(w, http.StatusAccepted, taskAcceptedResponse{
		TaskID: taskID,
		Status: string(TaskStatusStarted),
	})
}

func (s *Server) handleSystemAOFRewrite(w http.ResponseWriter, r *http.Request) {
	if s.aof == nil {
		writeHTTPError(w, http.StatusBadRequest, "AOF is disabled")
		return
	}

	taskID := s.taskManager.Create("aof-rewrite")
	go func() {
		s.taskManager.SetRunning(taskID, "compacting log")
		if err := s.rewriteAOF(); err != nil {
			s.taskManager.Fail(taskID, err)
			return
		}
		s.taskManager.Complete(taskID, "log compacted")
	}()

	writeHTTPResponse(w, http.StatusAccepted, taskAcceptedResponse{
		TaskID: taskID,
		Status: string(TaskStatusStarted),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.Get(r.PathValue("id"))
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	writeHTTPResponse(w, http.StatusOK, task)
}
