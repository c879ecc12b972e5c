package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quillvec/quillvec/internal/protocol"
	"github.com/quillvec/quillvec/pkg/core/distance"
	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
)

func mustParse(t *testing.T, line string) *protocol.Command {
	t.Helper()
	cmd, err := protocol.Parse(line)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return cmd
}

// newMemoryServer builds a server with persistence and listeners disabled.
func newMemoryServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Maintenance.Interval = 0
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestExecuteKVCommands(t *testing.T) {
	srv := newMemoryServer(t)

	if reply := srv.executeLine("PING"); reply != "PONG" {
		t.Errorf("PING reply = %q, want PONG", reply)
	}
	if reply := srv.executeLine("SET city 'New York'"); reply != "OK" {
		t.Errorf("SET reply = %q, want OK", reply)
	}
	if reply := srv.executeLine("GET city"); reply != "New York" {
		t.Errorf("GET reply = %q, want New York", reply)
	}
	if reply := srv.executeLine("DEL city"); reply != "OK" {
		t.Errorf("DEL reply = %q, want OK", reply)
	}
	if reply := srv.executeLine("GET city"); !strings.HasPrefix(reply, "ERR ") {
		t.Errorf("GET after DEL = %q, want an ERR reply", reply)
	}
	if reply := srv.executeLine("BOGUS"); !strings.HasPrefix(reply, "ERR ") {
		t.Errorf("unknown command = %q, want an ERR reply", reply)
	}
}

func TestExecuteVectorCommands(t *testing.T) {
	srv := newMemoryServer(t)

	if reply := srv.executeLine("VCREATE docs METRIC euclidean M 16"); reply != "OK" {
		t.Fatalf("VCREATE reply = %q", reply)
	}
	if reply := srv.executeLine(`VADD docs a 0,0 OWNER alice META '{"color":"blue"}'`); reply != "OK" {
		t.Fatalf("VADD a reply = %q", reply)
	}
	if reply := srv.executeLine("VADD docs b 1,1"); reply != "OK" {
		t.Fatalf("VADD b reply = %q", reply)
	}
	if reply := srv.executeLine("VADD docs c 10,10"); reply != "OK" {
		t.Fatalf("VADD c reply = %q", reply)
	}

	reply := srv.executeLine("VSEARCH docs 0,1 2")
	var results []types.SearchResult
	if err := json.Unmarshal([]byte(reply), &results); err != nil {
		t.Fatalf("VSEARCH reply %q: %v", reply, err)
	}
	if len(results) != 2 || results[0].DocumentID != "a" || results[1].DocumentID != "b" {
		t.Fatalf("VSEARCH results = %+v, want [a b]", results)
	}
	if results[0].OwnerID != "alice" {
		t.Errorf("owner = %q, want alice", results[0].OwnerID)
	}

	reply = srv.executeLine(`VSEARCH docs 0,1 3 FILTER "color = blue"`)
	if err := json.Unmarshal([]byte(reply), &results); err != nil {
		t.Fatalf("filtered VSEARCH reply %q: %v", reply, err)
	}
	if len(results) != 1 || results[0].DocumentID != "a" {
		t.Fatalf("filtered results = %+v, want [a]", results)
	}

	if reply := srv.executeLine("VREM docs a"); reply != "OK" {
		t.Fatalf("VREM reply = %q", reply)
	}
	if reply := srv.executeLine("VREM docs a"); !strings.HasPrefix(reply, "ERR ") {
		t.Errorf("removing twice = %q, want an ERR reply", reply)
	}

	reply = srv.executeLine("VSTATS docs")
	var stats types.IndexStats
	if err := json.Unmarshal([]byte(reply), &stats); err != nil {
		t.Fatalf("VSTATS reply %q: %v", reply, err)
	}
	if stats.DocumentCount != 2 {
		t.Errorf("document count = %d, want 2", stats.DocumentCount)
	}
}

func TestAOFCommandRoundTrip(t *testing.T) {
	doc := types.VectorDocument{
		ID:       "doc-1",
		OwnerID:  "owner with spaces",
		Vector:   []float32{0.5, -1.25, 3},
		Metadata: map[string]string{"title": "hello world", "lang": "en", "note": `it's "quoted"`},
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	line := buildVAddCommand("docs", doc)
	cmd := mustParse(t, line)
	if cmd.Name != "VADD" {
		t.Fatalf("command name = %s", cmd.Name)
	}

	srv := newMemoryServer(t)
	if _, err := srv.execute(mustParse(t, "VCREATE docs"), false); err != nil {
		t.Fatalf("VCREATE: %v", err)
	}
	if _, err := srv.execute(cmd, false); err != nil {
		t.Fatalf("replaying built VADD: %v", err)
	}

	got, err := srv.db.GetVector("docs", "doc-1")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if got.OwnerID != doc.OwnerID {
		t.Errorf("owner = %q, want %q", got.OwnerID, doc.OwnerID)
	}
	if got.Metadata["title"] != "hello world" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Metadata["note"] != `it's "quoted"` {
		t.Errorf("metadata with quote characters = %q", got.Metadata["note"])
	}
	if !got.CreatedAt.Equal(doc.CreatedAt) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, doc.CreatedAt)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Maintenance.Interval = 0
	cfg.AOF.Path = filepath.Join(dir, "quillvec.aof")
	cfg.SnapshotPath = filepath.Join(dir, "quillvec.snap")

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mustOK := func(line string) {
		t.Helper()
		if reply := srv.executeLine(line); reply != "OK" {
			t.Fatalf("%q reply = %q", line, reply)
		}
	}
	mustOK("SET app quillvec")
	mustOK("VCREATE docs M 8")
	for i := 0; i < 10; i++ {
		mustOK(fmt.Sprintf("VADD docs doc-%d %d,%d", i, i, i))
	}
	mustOK("VREM docs doc-3")

	// Metadata with quote characters must survive the log round trip.
	if err := srv.applyAddDocument("docs", types.VectorDocument{
		ID:       "quoted",
		Vector:   []float32{40, 40},
		Metadata: map[string]string{"note": `it's "here"`},
	}, true); err != nil {
		t.Fatalf("applyAddDocument: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// A new server over the same files must replay to the same state.
	srv, err = New(cfg)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer srv.Shutdown(context.Background())

	if reply := srv.executeLine("GET app"); reply != "quillvec" {
		t.Errorf("GET after restart = %q, want quillvec", reply)
	}

	idx, ok := srv.db.GetVectorIndex("docs")
	if !ok {
		t.Fatal("index docs missing after restart")
	}
	if idx.Len() != 10 {
		t.Errorf("index size after restart = %d, want 10", idx.Len())
	}
	quoted, err := srv.db.GetVector("docs", "quoted")
	if err != nil {
		t.Fatalf("document with quoted metadata missing after restart: %v", err)
	}
	if quoted.Metadata["note"] != `it's "here"` {
		t.Errorf("quoted metadata after restart = %q", quoted.Metadata["note"])
	}
	if _, err := srv.db.GetVector("docs", "doc-3"); err == nil {
		t.Error("removed document survived the restart")
	}
	if _, err := srv.db.GetVector("docs", "doc-4"); err != nil {
		t.Errorf("doc-4 missing after restart: %v", err)
	}
}

func TestSnapshotTruncatesAOF(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Maintenance.Interval = 0
	cfg.AOF.Path = filepath.Join(dir, "quillvec.aof")
	cfg.SnapshotPath = filepath.Join(dir, "quillvec.snap")

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if reply := srv.executeLine("VCREATE docs"); reply != "OK" {
		t.Fatalf("VCREATE reply = %q", reply)
	}
	for i := 0; i < 5; i++ {
		if reply := srv.executeLine(fmt.Sprintf("VADD docs doc-%d %d,0", i, i)); reply != "OK" {
			t.Fatalf("VADD reply = %q", reply)
		}
	}

	if reply := srv.executeLine("SAVE"); reply != "OK" {
		t.Fatalf("SAVE reply = %q", reply)
	}

	info, err := os.Stat(cfg.AOF.Path)
	if err != nil {
		t.Fatalf("stat AOF: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("AOF size after SAVE = %d, want 0", info.Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	srv, err = New(cfg)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer srv.Shutdown(context.Background())

	idx, ok := srv.db.GetVectorIndex("docs")
	if !ok {
		t.Fatal("index docs missing after snapshot restart")
	}
	if idx.Len() != 5 {
		t.Errorf("index size = %d, want 5", idx.Len())
	}
}

func TestRewriteAOFCompactsLog(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Maintenance.Interval = 0
	cfg.AOF.Path = filepath.Join(dir, "quillvec.aof")

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if reply := srv.executeLine("VCREATE docs"); reply != "OK" {
		t.Fatalf("VCREATE reply = %q", reply)
	}
	for i := 0; i < 10; i++ {
		if reply := srv.executeLine(fmt.Sprintf("VADD docs doc-%d %d,0", i, i)); reply != "OK" {
			t.Fatalf("VADD reply = %q", reply)
		}
	}
	for i := 0; i < 5; i++ {
		if reply := srv.executeLine(fmt.Sprintf("VREM docs doc-%d", i)); reply != "OK" {
			t.Fatalf("VREM reply = %q", reply)
		}
	}

	if err := srv.aof.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	before, err := os.Stat(cfg.AOF.Path)
	if err != nil {
		t.Fatalf("stat AOF: %v", err)
	}

	if err := srv.rewriteAOF(); err != nil {
		t.Fatalf("rewriteAOF: %v", err)
	}

	after, err := os.Stat(cfg.AOF.Path)
	if err != nil {
		t.Fatalf("stat rewritten AOF: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Errorf("rewritten AOF size = %d, want smaller than %d", after.Size(), before.Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	srv, err = New(cfg)
	if err != nil {
		t.Fatalf("restart after rewrite: %v", err)
	}
	defer srv.Shutdown(context.Background())

	idx, ok := srv.db.GetVectorIndex("docs")
	if !ok {
		t.Fatal("index docs missing after rewrite restart")
	}
	if idx.Len() != 5 {
		t.Errorf("index size = %d, want 5", idx.Len())
	}
	if _, err := srv.db.GetVector("docs", "doc-2"); err == nil {
		t.Error("removed document reappeared after rewrite")
	}
}

func TestRewriteAOFPreservesIndexOptions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Maintenance.Interval = 0
	cfg.AOF.Path = filepath.Join(dir, "quillvec.aof")

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	opts := hnsw.Options{
		M:              12,
		MMax:           20,
		EfConstruction: 150,
		EfSearch:       64,
		MaxLevel:       10,
		Metric:         distance.Euclidean,
		Precision:      distance.Float32,
	}
	maint := hnsw.MaintenanceConfig{
		VacuumInterval:       hnsw.Duration(2 * time.Minute),
		DeleteThreshold:      0.25,
		RefineEnabled:        true,
		RefineInterval:       hnsw.Duration(5 * time.Minute),
		RefineBatchSize:      50,
		RefineEfConstruction: 120,
	}
	if err := srv.applyCreateIndex("docs", opts, &maint, true); err != nil {
		t.Fatalf("applyCreateIndex: %v", err)
	}
	for i := 0; i < 3; i++ {
		if reply := srv.executeLine(fmt.Sprintf("VADD docs doc-%d %d,0", i, i)); reply != "OK" {
			t.Fatalf("VADD reply = %q", reply)
		}
	}

	if err := srv.rewriteAOF(); err != nil {
		t.Fatalf("rewriteAOF: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	srv, err = New(cfg)
	if err != nil {
		t.Fatalf("restart after rewrite: %v", err)
	}
	defer srv.Shutdown(context.Background())

	idx, ok := srv.db.GetVectorIndex("docs")
	if !ok {
		t.Fatal("index docs missing after rewrite restart")
	}
	hnswIdx, ok := idx.(*hnsw.Index)
	if !ok {
		t.Fatalf("index docs has type %T, want *hnsw.Index", idx)
	}
	if got := hnswIdx.Options(); got != opts {
		t.Errorf("index options after rewrite = %+v, want %+v", got, opts)
	}
	gotMaint, err := srv.db.GetMaintenanceConfig("docs")
	if err != nil {
		t.Fatalf("GetMaintenanceConfig: %v", err)
	}
	if gotMaint != maint {
		t.Errorf("maintenance config after rewrite = %+v, want %+v", gotMaint, maint)
	}
}

func TestQuoteArg(t *testing.T) {
	cases := []string{
		"plain",
		"two words",
		"",
		"tab\tseparated",
		"it's got an apostrophe",
		`she said "hi"`,
		`back\slash`,
		`{"note":"it's \"quoted\" and has a \\ too"}`,
	}
	for _, in := range cases {
		line := "SET key " + quoteArg(in)
		cmd := mustParse(t, line)
		if len(cmd.Args) != 2 {
			t.Fatalf("quoteArg(%q): got %d args", in, len(cmd.Args))
		}
		if got := string(cmd.Args[1]); got != in {
			t.Errorf("quoteArg(%q) round-tripped to %q", in, got)
		}
	}
}
