// quillvec-mcp runs the Model Context Protocol server over stdio, giving LLM
// agents direct tool access to an in-process vector database. State is loaded
// from an optional snapshot at startup and written back on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quillvec/quillvec/internal/mcp"
	"github.com/quillvec/quillvec/pkg/core"
)

func main() {
	snapshotPath := flag.String("snapshot-path", "", "snapshot file to load at startup and save on exit")
	maintenanceInterval := flag.Duration("maintenance-interval", time.Minute, "background vacuum interval (0 disables)")
	flag.Parse()

	// stdout carries the MCP stream, so logs must go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	db := core.NewDB()
	if *snapshotPath != "" {
		if err := loadSnapshot(db, *snapshotPath); err != nil {
			slog.Error("failed to load snapshot", "error", err)
			os.Exit(1)
		}
	}

	if *maintenanceInterval > 0 {
		stop := db.StartMaintenance(*maintenanceInterval)
		defer stop()
	}

	srv := mcp.NewMCPServer(db)
	if err := srv.Run(context.Background(), &mcpsdk.StdioTransport{}); err != nil {
		slog.Error("mcp server exited", "error", err)
	}

	if *snapshotPath != "" {
		if err := saveSnapshot(db, *snapshotPath); err != nil {
			slog.Error("failed to save snapshot", "error", err)
			os.Exit(1)
		}
	}
}

func loadSnapshot(db *core.DB, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return db.LoadFromSnapshot(f)
}

func saveSnapshot(db *core.DB, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := db.SaveSnapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
