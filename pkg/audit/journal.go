// Package audit keeps an append-only journal of core events on disk.
package audit

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/events"
	"go.uber.org/zap"
)

// JournalConfig holds journal file and rotation settings.
type JournalConfig struct {
	// Directory holds the live file and rotated files.
	Directory string

	// FilePrefix names files <prefix>.log and <prefix>-<time>.log[.gz].
	// Default: "events"
	FilePrefix string

	// MaxSizeBytes rotates the live file once it reaches this size.
	// Default: 100 MB
	MaxSizeBytes int64

	// MaxAge rotates the live file once it is this old.
	// Default: 24 hours
	MaxAge time.Duration

	// MaxFiles is the number of rotated files kept.
	// Default: 30
	MaxFiles int

	// Retention removes rotated files older than this. Zero keeps them.
	Retention time.Duration

	// Compress gzips rotated files.
	Compress bool

	FileMode os.FileMode
	DirMode  os.FileMode
}

// JournalStats holds journal counters.
type JournalStats struct {
	CurrentFile string
	CurrentSize int64
	Writes      int64
	Rotations   int64
	Errors      int64
}

// Journal appends events as JSON lines to a rotating file.
type Journal struct {
	config JournalConfig
	logger *zap.Logger
	mu     sync.Mutex

	file     *os.File
	fileName string
	size     int64
	opened   time.Time

	writes    int64
	rotations int64
	errors    int64

	compressing sync.WaitGroup
	now         func() time.Time
}

// NewJournal opens (or continues) the live journal file in cfg.Directory.
func NewJournal(cfg JournalConfig, logger *zap.Logger) (*Journal, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("journal directory required")
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "events"
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 100 * 1024 * 1024
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = 30
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0640
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0750
	}

	if err := os.MkdirAll(cfg.Directory, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{config: cfg, logger: logger, now: time.Now}
	if err := j.open(); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	logger.Info("Event journal opened",
		zap.String("file", j.fileName),
		zap.Int64("max_size_bytes", cfg.MaxSizeBytes),
		zap.Duration("max_age", cfg.MaxAge),
		zap.Int("max_files", cfg.MaxFiles),
		zap.Bool("compress", cfg.Compress),
	)
	return j, nil
}

// Attach journals every event kind published on bus.
func (j *Journal) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe("journal", events.AllKinds, j.HandleEvent)
}

// HandleEvent is the bus handler.
func (j *Journal) HandleEvent(ctx context.Context, e events.Event) {
	if err := j.Write(ctx, e); err != nil {
		j.logger.Error("Failed to journal event",
			zap.String("event_id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}

// Write appends one event.
func (j *Journal) Write(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		j.mu.Lock()
		j.errors++
		j.mu.Unlock()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if j.shouldRotate() {
		if err := j.rotate(); err != nil {
			j.errors++
			// Keep writing to the live file.
			j.logger.Error("Failed to rotate journal", zap.Error(err))
		}
		if j.file == nil {
			return fmt.Errorf("journal unavailable after failed rotation")
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		j.errors++
		return fmt.Errorf("failed to write event: %w", err)
	}
	j.size += int64(n)
	j.writes++
	return nil
}

// Rotate forces a rotation.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rotate()
}

// Close syncs and closes the live file and waits for compression.
func (j *Journal) Close() error {
	j.mu.Lock()
	var err error
	if j.file != nil {
		if serr := j.file.Sync(); serr != nil {
			j.logger.Warn("Failed to sync journal", zap.Error(serr))
		}
		err = j.file.Close()
		j.file = nil
	}
	j.mu.Unlock()

	j.compressing.Wait()
	return err
}

// Stats returns journal counters.
func (j *Journal) Stats() JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JournalStats{
		CurrentFile: j.fileName,
		CurrentSize: j.size,
		Writes:      j.writes,
		Rotations:   j.rotations,
		Errors:      j.errors,
	}
}

func (j *Journal) shouldRotate() bool {
	if j.size == 0 {
		return false
	}
	return j.size >= j.config.MaxSizeBytes || j.now().Sub(j.opened) >= j.config.MaxAge
}

func (j *Journal) rotate() error {
	if j.file != nil {
		if err := j.file.Sync(); err != nil {
			j.logger.Warn("Failed to sync journal before rotation", zap.Error(err))
		}
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal: %w", err)
		}
		j.file = nil
	}

	rotated := j.rotatedName()
	if err := os.Rename(j.fileName, rotated); err != nil {
		// Reopen the live file so writes continue.
		if oerr := j.open(); oerr != nil {
			return fmt.Errorf("failed to reopen journal: %w", oerr)
		}
		return fmt.Errorf("failed to rename journal: %w", err)
	}
	if j.config.Compress {
		j.compressing.Add(1)
		go func() {
			defer j.compressing.Done()
			j.compress(rotated)
		}()
	}

	if err := j.open(); err != nil {
		return fmt.Errorf("failed to open new journal: %w", err)
	}
	j.rotations++
	j.cleanup()

	j.logger.Info("Journal rotated",
		zap.String("rotated", rotated),
		zap.Int64("rotations", j.rotations),
	)
	return nil
}

func (j *Journal) open() error {
	name := filepath.Join(j.config.Directory, j.config.FilePrefix+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, j.config.FileMode)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	j.file = f
	j.fileName = name
	j.size = info.Size()
	j.opened = j.now()
	return nil
}

func (j *Journal) rotatedName() string {
	stamp := j.now().UTC().Format("20060102-150405.000000000")
	return filepath.Join(j.config.Directory, fmt.Sprintf("%s-%s.log", j.config.FilePrefix, stamp))
}

func (j *Journal) compress(name string) {
	src, err := os.Open(name)
	if err != nil {
		j.logger.Warn("Failed to open journal for compression", zap.Error(err))
		return
	}
	defer src.Close()

	gzName := name + ".gz"
	dst, err := os.OpenFile(gzName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, j.config.FileMode)
	if err != nil {
		j.logger.Warn("Failed to create compressed journal", zap.Error(err))
		return
	}

	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		j.logger.Warn("Failed to compress journal", zap.String("file", name), zap.Error(err))
		os.Remove(gzName)
		return
	}

	if err := os.Remove(name); err != nil {
		j.logger.Warn("Failed to remove journal after compression", zap.Error(err))
	}
}

// cleanup enforces MaxFiles and Retention on rotated files. Rotated names
// sort by time.
func (j *Journal) cleanup() {
	files, err := filepath.Glob(filepath.Join(j.config.Directory, j.config.FilePrefix+"-*.log*"))
	if err != nil {
		j.logger.Warn("Failed to list journals for cleanup", zap.Error(err))
		return
	}

	// A file and its .gz are one rotation.
	seen := make(map[string][]string)
	var keys []string
	for _, f := range files {
		key := strings.TrimSuffix(f, ".gz")
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
		seen[key] = append(seen[key], f)
	}
	sort.Strings(keys)

	var remove []string
	if len(keys) > j.config.MaxFiles {
		remove = keys[:len(keys)-j.config.MaxFiles]
		keys = keys[len(keys)-j.config.MaxFiles:]
	}
	if j.config.Retention > 0 {
		cutoff := j.now().Add(-j.config.Retention)
		for _, key := range keys {
			info, err := os.Stat(seen[key][0])
			if err == nil && info.ModTime().Before(cutoff) {
				remove = append(remove, key)
			}
		}
	}

	for _, key := range remove {
		for _, f := range seen[key] {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				j.logger.Warn("Failed to remove old journal", zap.String("file", f), zap.Error(err))
			}
		}
	}
}
