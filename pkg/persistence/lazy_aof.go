package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LazyAOFWriter provides asynchronous, batched writes for the AOF.
// It buffers operations and flushes them periodically or when the buffer
// fills, rather than on every write.
//
// Durability: data reaches the OS at least every flushInterval and is fsynced
// at least every forceSyncInterval, so the maximum loss window after a crash
// is roughly one forceSyncInterval. Close flushes and syncs everything.
type LazyAOFWriter struct {
	underlying *AOFWriter

	// buffer holds framed entries pending a flush; guarded by mu.
	buffer []string
	mu     sync.Mutex

	flushTicker *time.Ticker
	syncTicker  *time.Ticker
	stopCh      chan struct{}
	stopped     bool

	flushInterval     time.Duration
	forceSyncInterval time.Duration
	maxBufferSize     int
}

// Default configuration for LazyAOFWriter. These values balance throughput
// against the crash-loss window for typical workloads.
const (
	DefaultLazyFlushInterval = 100 * time.Millisecond
	DefaultForceSyncInterval = 1 * time.Second
	DefaultMaxBufferSize     = 1000
)

// NewLazyAOFWriter wraps an existing AOFWriter with the default batching
// configuration. The underlying writer should not be used directly afterwards.
func NewLazyAOFWriter(underlying *AOFWriter) *LazyAOFWriter {
	return NewLazyAOFWriterWithConfig(
		underlying,
		DefaultLazyFlushInterval,
		DefaultForceSyncInterval,
		DefaultMaxBufferSize,
	)
}

// NewLazyAOFWriterWithConfig wraps an existing AOFWriter with a custom
// durability/performance trade-off.
func NewLazyAOFWriterWithConfig(
	underlying *AOFWriter,
	flushInterval time.Duration,
	forceSyncInterval time.Duration,
	maxBufferSize int,
) *LazyAOFWriter {
	lw := &LazyAOFWriter{
		underlying:        underlying,
		buffer:            make([]string, 0, maxBufferSize),
		flushInterval:     flushInterval,
		forceSyncInterval: forceSyncInterval,
		maxBufferSize:     maxBufferSize,
		stopCh:            make(chan struct{}),
	}

	lw.flushTicker = time.NewTicker(flushInterval)
	go lw.flushRoutine()

	lw.syncTicker = time.NewTicker(forceSyncInterval)
	go lw.syncRoutine()

	slog.Info("lazy AOF writer initialized",
		"flush_interval", flushInterval,
		"sync_interval", forceSyncInterval,
		"max_buffer_size", maxBufferSize,
	)

	return lw
}

// Write appends data to the internal buffer and returns immediately; the disk
// write happens asynchronously. A full buffer triggers an immediate flush.
func (lw *LazyAOFWriter) Write(data string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.stopped {
		return fmt.Errorf("cannot write to closed LazyAOFWriter")
	}

	lw.buffer = append(lw.buffer, data)

	if len(lw.buffer) >= lw.maxBufferSize {
		go lw.Flush()
	}

	return nil
}

// Flush writes all buffered data to the underlying AOF writer. This only
// reaches the OS buffer; use Sync for disk durability.
func (lw *LazyAOFWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	return lw.flushUnlocked()
}

// flushUnlocked performs the actual flush. Caller must hold the mutex.
func (lw *LazyAOFWriter) flushUnlocked() error {
	if len(lw.buffer) == 0 {
		return nil
	}

	for _, data := range lw.buffer {
		if err := lw.underlying.Write(data); err != nil {
			return fmt.Errorf("failed to write to AOF: %w", err)
		}
	}

	if err := lw.underlying.Flush(); err != nil {
		return fmt.Errorf("failed to flush AOF buffer: %w", err)
	}

	lw.buffer = lw.buffer[:0]

	return nil
}

// Sync flushes any pending buffer and then fsyncs the underlying file.
func (lw *LazyAOFWriter) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushUnlocked(); err != nil {
		return err
	}

	return lw.underlying.Sync()
}

// Close stops the background routines, flushes pending data, and syncs to
// disk. No writes are accepted afterwards.
func (lw *LazyAOFWriter) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return fmt.Errorf("LazyAOFWriter already closed")
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	lw.flushTicker.Stop()
	lw.syncTicker.Stop()

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushUnlocked(); err != nil {
		slog.Error("failed to flush during close", "error", err)
		// still close the underlying file
	}

	return lw.underlying.Close()
}

// Path returns the file path of the underlying AOF writer.
func (lw *LazyAOFWriter) Path() string {
	return lw.underlying.Path()
}

// File returns the underlying OS file (read-only access recommended).
func (lw *LazyAOFWriter) File() *os.File {
	return lw.underlying.File()
}

// Truncate flushes any pending buffer and clears the file content.
func (lw *LazyAOFWriter) Truncate() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushUnlocked(); err != nil {
		return err
	}

	return lw.underlying.Truncate()
}

// ReplaceWith flushes pending data and atomically replaces the AOF file.
func (lw *LazyAOFWriter) ReplaceWith(newFilePath string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushUnlocked(); err != nil {
		return err
	}

	return lw.underlying.ReplaceWith(newFilePath)
}

func (lw *LazyAOFWriter) flushRoutine() {
	for {
		select {
		case <-lw.flushTicker.C:
			if err := lw.Flush(); err != nil {
				slog.Error("periodic AOF flush failed", "error", err)
			}
		case <-lw.stopCh:
			return
		}
	}
}

// syncRoutine periodically forces fsync so durability does not depend on the
// buffer filling up.
func (lw *LazyAOFWriter) syncRoutine() {
	for {
		select {
		case <-lw.syncTicker.C:
			if err := lw.Sync(); err != nil {
				slog.Error("periodic AOF sync failed", "error", err)
			}
		case <-lw.stopCh:
			return
		}
	}
}
