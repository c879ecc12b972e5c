package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quillvec/quillvec/pkg/core"
	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
	"github.com/quillvec/quillvec/pkg/metrics"
	"github.com/quillvec/quillvec/pkg/persistence"
)

// The apply* methods are the single write path shared by the HTTP handlers,
// the TCP executor, and AOF replay. They mutate the database and, when log is
// true and the AOF is enabled, append the equivalent command to the log.
// Replay calls them with log=false so commands are not re-appended.

func (s *Server) applyKVSet(key string, value []byte, log bool) {
	s.db.GetKVStore().Set(key, value)
	if log {
		s.appendAOF(fmt.Sprintf("SET %s %s", quoteArg(key), quoteArg(string(value))))
	}
}

func (s *Server) applyKVDelete(key string, log bool) {
	s.db.GetKVStore().Delete(key)
	if log {
		s.appendAOF(fmt.Sprintf("DEL %s", quoteArg(key)))
	}
}

func (s *Server) applyCreateIndex(name string, opts hnsw.Options, maint *hnsw.MaintenanceConfig, log bool) error {
	if err := s.db.CreateVectorIndex(name, opts); err != nil {
		return err
	}
	if maint != nil {
		if err := s.db.SetMaintenanceConfig(name, *maint); err != nil {
			return err
		}
	}
	if log {
		s.appendAOF(buildVCreateCommand(name, opts, maint))
	}
	return nil
}

func (s *Server) applyDropIndex(name string, log bool) error {
	if err := s.db.DeleteVectorIndex(name); err != nil {
		return err
	}
	if log {
		s.appendAOF(fmt.Sprintf("VDROP %s", quoteArg(name)))
	}
	metrics.TotalVectors.DeleteLabelValues(name)
	metrics.IndexMemoryBytes.DeleteLabelValues(name)
	return nil
}

func (s *Server) applyAddDocument(indexName string, doc types.VectorDocument, log bool) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if err := s.db.AddVector(indexName, doc); err != nil {
		return err
	}
	if log {
		s.appendAOF(buildVAddCommand(indexName, doc))
	}
	return nil
}

func (s *Server) applyAddBatch(indexName string, docs []types.VectorDocument, log bool) error {
	now := time.Now().UTC()
	for i := range docs {
		if docs[i].CreatedAt.IsZero() {
			docs[i].CreatedAt = now
		}
	}
	if err := s.db.AddVectorBatch(indexName, docs); err != nil {
		return err
	}
	if log {
		for _, doc := range docs {
			s.appendAOF(buildVAddCommand(indexName, doc))
		}
	}
	return nil
}

func (s *Server) applyRemove(indexName, id string, log bool) error {
	if err := s.db.RemoveVector(indexName, id); err != nil {
		return err
	}
	if log {
		s.appendAOF(fmt.Sprintf("VREM %s %s", quoteArg(indexName), quoteArg(id)))
	}
	return nil
}

// appendAOF frames a command line and hands it to the lazy writer. A nil
// writer (AOF disabled) makes this a no-op.
func (s *Server) appendAOF(command string) {
	s.dirtyCounter.Add(1)
	if s.aof == nil {
		return
	}

	var buf bytes.Buffer
	fw := persistence.NewFrameWriter(&buf)
	if err := fw.WriteFrame([]byte(command)); err != nil {
		slog.Error("failed to frame AOF command", "error", err)
		return
	}
	if err := s.aof.Write(buf.String()); err != nil {
		slog.Error("failed to append to AOF", "error", err)
	}
}

// --- Command line builders ---

// quoteArg quotes an argument when it contains whitespace, quote characters,
// or backslashes, escaping as needed so the tokenizer reads back the exact
// original bytes.
func quoteArg(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\r\n'\"\\") {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(v[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

func formatVector(vec []float32) string {
	var sb strings.Builder
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return sb.String()
}

func buildVCreateCommand(name string, opts hnsw.Options, maint *hnsw.MaintenanceConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "VCREATE %s", quoteArg(name))
	if opts.Metric != "" {
		fmt.Fprintf(&sb, " METRIC %s", opts.Metric)
	}
	if opts.Precision != "" {
		fmt.Fprintf(&sb, " PRECISION %s", opts.Precision)
	}
	if opts.M > 0 {
		fmt.Fprintf(&sb, " M %d", opts.M)
	}
	if opts.MMax > 0 {
		fmt.Fprintf(&sb, " M_MAX %d", opts.MMax)
	}
	if opts.EfConstruction > 0 {
		fmt.Fprintf(&sb, " EF_CONSTRUCTION %d", opts.EfConstruction)
	}
	if opts.EfSearch > 0 {
		fmt.Fprintf(&sb, " EF_SEARCH %d", opts.EfSearch)
	}
	if opts.MaxLevel > 0 {
		fmt.Fprintf(&sb, " MAX_LEVEL %d", opts.MaxLevel)
	}
	if maint != nil {
		if data, err := json.Marshal(maint); err == nil {
			fmt.Fprintf(&sb, " MAINT %s", quoteArg(string(data)))
		}
	}
	return sb.String()
}

func buildVAddCommand(indexName string, doc types.VectorDocument) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "VADD %s %s %s", quoteArg(indexName), quoteArg(doc.ID), formatVector(doc.Vector))
	if doc.OwnerID != "" {
		fmt.Fprintf(&sb, " OWNER %s", quoteArg(doc.OwnerID))
	}
	if len(doc.Metadata) > 0 {
		if data, err := json.Marshal(doc.Metadata); err == nil {
			fmt.Fprintf(&sb, " META %s", quoteArg(string(data)))
		}
	}
	if !doc.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, " TS %d", doc.CreatedAt.UnixNano())
	}
	return sb.String()
}

// --- Startup restoration ---

// loadSnapshot restores the database from the configured snapshot file.
// A missing file is a clean first start.
func (s *Server) loadSnapshot() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}

	f, err := os.Open(s.cfg.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	if err := s.db.LoadFromSnapshot(f); err != nil {
		return fmt.Errorf("load snapshot %s: %w", s.cfg.SnapshotPath, err)
	}
	slog.Info("snapshot loaded", "path", s.cfg.SnapshotPath)
	return nil
}

// replayAOF re-executes every framed command in the log against the current
// state. A torn frame at the tail (crash mid-write) is tolerated; corruption
// in the middle of the log is not.
func (s *Server) replayAOF(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open AOF for replay: %w", err)
	}
	defer f.Close()

	var replayed int
	for {
		payload, _, err := persistence.ReadFrame(f)
		if err == io.EOF {
			break
		}
		if errors.Is(err, persistence.ErrIncompleteFrame) {
			slog.Warn("AOF ends with a torn frame, discarding tail", "replayed", replayed)
			break
		}
		if err != nil {
			return fmt.Errorf("AOF replay at frame %d: %w", replayed+1, err)
		}

		if err := s.replayCommand(string(payload)); err != nil {
			return fmt.Errorf("AOF replay at frame %d: %w", replayed+1, err)
		}
		replayed++
	}

	if replayed > 0 {
		slog.Info("AOF replayed", "commands", replayed)
	}
	return nil
}

// saveSnapshot writes the full database state to a temp file and renames it
// over the snapshot path, then truncates the AOF: the log only needs to cover
// writes since the last snapshot.
func (s *Server) saveSnapshot() error {
	if s.cfg.SnapshotPath == "" {
		return fmt.Errorf("snapshotting is disabled (no snapshot_path configured)")
	}

	tmpPath := s.cfg.SnapshotPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	if err := s.db.SaveSnapshot(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	if s.aof != nil {
		if err := s.aof.Truncate(); err != nil {
			return fmt.Errorf("truncate AOF after snapshot: %w", err)
		}
	}

	s.dirtyCounter.Store(0)
	slog.Info("snapshot saved", "path", s.cfg.SnapshotPath)
	return nil
}

// rewriteAOF compacts the log by writing one command per live entry to a new
// file and atomically replacing the old log with it.
func (s *Server) rewriteAOF() error {
	if s.aof == nil {
		return fmt.Errorf("AOF is disabled")
	}

	tmpPath := s.aof.Path() + ".rewrite"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create rewrite file: %w", err)
	}

	fw := persistence.NewFrameWriter(f)
	writeCmd := func(cmd string) {
		if err == nil {
			err = fw.WriteFrame([]byte(cmd))
		}
	}

	s.db.IterateKV(func(pair core.KVPair) {
		writeCmd(fmt.Sprintf("SET %s %s", quoteArg(pair.Key), quoteArg(string(pair.Value))))
	})

	seen := make(map[string]bool)
	s.db.IterateVectorIndexes(func(indexName string, index *hnsw.Index, doc types.VectorDocument) {
		if !seen[indexName] {
			seen[indexName] = true
			var maint *hnsw.MaintenanceConfig
			if cfg, mErr := s.db.GetMaintenanceConfig(indexName); mErr == nil {
				maint = &cfg
			}
			writeCmd(buildVCreateCommand(indexName, index.Options(), maint))
		}
		writeCmd(buildVAddCommand(indexName, doc))
	})

	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write rewritten AOF: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.aof.ReplaceWith(tmpPath); err != nil {
		return err
	}
	slog.Info("AOF rewritten", "path", s.aof.Path())
	return nil
}
