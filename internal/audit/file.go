package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashita-ai/shikumi/internal/model"
)

const (
	maxLineBytes        = 4 << 20 // 4 MB per record
	defaultSyncInterval = 10 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// FileConfig configures the JSON-lines backend.
type FileConfig struct {
	Path         string
	SyncMode     string        // "full", "batch", "none". Default: "batch".
	SyncInterval time.Duration // Sync interval for batch mode. Default: 10ms.
}

// line is one JSON-lines entry: the record plus a CRC32C of its encoding.
type line struct {
	CRC    uint32          `json:"crc"`
	Record json.RawMessage `json:"record"`
}

type span struct {
	offset int64
	length int
}

// File is an append-only JSON-lines Backend. Every line carries a CRC32C of
// the record bytes; a torn or corrupt tail found on open is truncated.
// An in-memory index maps each trace to the byte spans of its lines.
type File struct {
	path     string
	syncMode string
	logger   *slog.Logger

	mu     sync.Mutex // guards f, size, index and maxSeq
	f      *os.File
	size   int64
	index  map[string][]span
	maxSeq int64
	dirty  bool

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// OpenFile opens or creates the audit file at cfg.Path and rebuilds the index.
func OpenFile(logger *slog.Logger, cfg FileConfig) (*File, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = "batch"
	}
	switch cfg.SyncMode {
	case "full", "batch", "none":
	default:
		return nil, fmt.Errorf("audit: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", cfg.Path, err)
	}

	b := &File{
		path:     cfg.Path,
		syncMode: cfg.SyncMode,
		logger:   logger,
		f:        f,
		index:    map[string][]span{},
	}
	if err := b.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}

	if cfg.SyncMode == "none" {
		logger.Warn("audit: sync mode is 'none'; records may be lost on crash")
	}
	if cfg.SyncMode == "batch" {
		ctx, cancel := context.WithCancel(context.Background())
		b.syncCancel = cancel
		b.syncDone = make(chan struct{})
		go b.syncLoop(ctx, cfg.SyncInterval)
	}
	return b, nil
}

// recover scans the file, indexes valid lines and truncates a bad tail.
func (b *File) recover() error {
	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("audit: seek: %w", err)
	}
	r := bufio.NewReaderSize(b.f, 64<<10)
	var offset int64
	for {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(raw) > 0 {
				b.logger.Warn("audit: truncating torn final line", "path", b.path, "offset", offset, "bytes", len(raw))
			}
			break
		}
		if err != nil {
			return fmt.Errorf("audit: scan: %w", err)
		}
		rec, derr := decodeLine(raw)
		if derr != nil {
			b.logger.Warn("audit: truncating at corrupt line", "path", b.path, "offset", offset, "error", derr)
			break
		}
		b.index[rec.TraceID] = append(b.index[rec.TraceID], span{offset: offset, length: len(raw)})
		b.maxSeq = max(b.maxSeq, rec.Sequence)
		offset += int64(len(raw))
	}

	if err := b.f.Truncate(offset); err != nil {
		return fmt.Errorf("audit: truncate: %w", err)
	}
	if _, err := b.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("audit: seek end: %w", err)
	}
	b.size = offset
	return nil
}

func encodeLine(rec model.DecisionRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal record: %w", err)
	}
	out, err := json.Marshal(line{CRC: crc32.Checksum(payload, crc32cTable), Record: payload})
	if err != nil {
		return nil, fmt.Errorf("audit: marshal line: %w", err)
	}
	if len(out)+1 > maxLineBytes {
		return nil, fmt.Errorf("audit: record too large (%d bytes, max %d)", len(out), maxLineBytes)
	}
	return append(out, '\n'), nil
}

func decodeLine(raw []byte) (model.DecisionRecord, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("audit: parse line: %w", err)
	}
	if crc32.Checksum(l.Record, crc32cTable) != l.CRC {
		return model.DecisionRecord{}, fmt.Errorf("audit: crc mismatch")
	}
	var rec model.DecisionRecord
	if err := json.Unmarshal(l.Record, &rec); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("audit: parse record: %w", err)
	}
	return rec, nil
}

func (b *File) Append(_ context.Context, rec model.DecisionRecord) error {
	data, err := encodeLine(rec)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return fmt.Errorf("audit: file backend closed")
	}

	n, err := b.f.Write(data)
	if err != nil {
		// Roll back a partial write so the next append starts on a line boundary.
		_ = b.f.Truncate(b.size)
		_, _ = b.f.Seek(b.size, io.SeekStart)
		return fmt.Errorf("audit: write: %w", err)
	}
	if b.syncMode == "full" {
		if err := b.f.Sync(); err != nil {
			return fmt.Errorf("audit: fsync: %w", err)
		}
	} else {
		b.dirty = true
	}
	b.index[rec.TraceID] = append(b.index[rec.TraceID], span{offset: b.size, length: n})
	b.size += int64(n)
	b.maxSeq = max(b.maxSeq, rec.Sequence)
	return nil
}

func (b *File) Query(_ context.Context, traceID string) ([]model.DecisionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil, fmt.Errorf("audit: file backend closed")
	}

	spans := b.index[traceID]
	out := make([]model.DecisionRecord, 0, len(spans))
	for _, s := range spans {
		buf := make([]byte, s.length)
		if _, err := b.f.ReadAt(buf, s.offset); err != nil {
			return nil, fmt.Errorf("audit: read at %d: %w", s.offset, err)
		}
		rec, err := decodeLine(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *File) MaxSequence(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeq, nil
}

func (b *File) syncLoop(ctx context.Context, interval time.Duration) {
	defer close(b.syncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.dirty && b.f != nil {
				if err := b.f.Sync(); err != nil {
					b.logger.Warn("audit: batch sync failed", "error", err)
				}
				b.dirty = false
			}
			b.mu.Unlock()
		}
	}
}

// Close syncs and closes the file. Stops the batch sync goroutine.
func (b *File) Close() error {
	if b.syncCancel != nil {
		b.syncCancel()
		<-b.syncDone
		b.syncCancel = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	if err := b.f.Sync(); err != nil {
		b.logger.Warn("audit: final sync failed", "error", err)
	}
	err := b.f.Close()
	b.f = nil
	return err
}
