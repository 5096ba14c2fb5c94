// Package journal provides the durable, append-only record of session
// lifecycle events and the snapshot files they reference.
//
// Write discipline: every mutation takes an exclusive file lock with bounded
// retries, writes the full updated index to a temporary file and atomically
// renames it over the index. If the lock cannot be acquired the write
// proceeds unlocked with a warning; concurrent writers are rare in this
// single-process design and last-writer-wins is accepted as degraded but
// available behavior.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/continuityd/internal/journal"

const (
	indexFile = "journal.jsonl"
	lockFile  = "journal.lock"

	criticalPrefix = "critical_"
	snapshotPrefix = "snapshot_"
	briefPrefix    = "brief_"
)

// Journal owns a directory holding the line-delimited index, one JSON
// snapshot file per persisted boundary and optional derived brief files.
// All durable access goes through this type; no component touches the files
// directly.
type Journal struct {
	dir         string
	lockRetries int
	lockBackoff time.Duration
	logger      *logging.Logger

	// mu serializes in-process writers; the file lock covers other
	// processes sharing the directory.
	mu sync.Mutex

	tracer        trace.Tracer
	appendCounter metric.Int64Counter
}

// New creates a journal rooted at cfg.Dir, creating the directory with 0700
// permissions if needed.
func New(cfg config.JournalConfig, logger *logging.Logger) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal dir is required")
	}
	if cfg.LockRetries < 1 {
		return nil, fmt.Errorf("lock retries must be >= 1, got %d", cfg.LockRetries)
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal dir %s: %w", cfg.Dir, err)
	}

	j := &Journal{
		dir:         cfg.Dir,
		lockRetries: cfg.LockRetries,
		lockBackoff: cfg.LockBackoff.Duration(),
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"continuityd.journal.appends_total",
		metric.WithDescription("Total number of journal entries appended"),
		metric.WithUnit("{entry}"),
	)
	if err == nil {
		j.appendCounter = counter
	}

	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Append appends an entry to the index. The full updated index is written to
// a temporary file and renamed over the old one, so readers never observe a
// partial write.
func (j *Journal) Append(ctx context.Context, entry Entry) error {
	ctx, span := j.tracer.Start(ctx, "journal.append")
	defer span.End()

	span.SetAttributes(
		attribute.String("kind", string(entry.Kind)),
		attribute.String("session_id", entry.SessionID),
	)

	j.mu.Lock()
	defer j.mu.Unlock()

	unlock := j.acquireFileLock(ctx)
	defer unlock()

	existing, err := j.readIndexLines()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read index: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	existing = append(existing, string(line))

	if err := j.writeIndexAtomic(existing); err != nil {
		span.RecordError(err)
		return err
	}

	if j.appendCounter != nil {
		j.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(entry.Kind)),
		))
	}

	j.logger.Debug(ctx, "journal entry appended",
		zap.String("kind", string(entry.Kind)),
		zap.String("session_id", entry.SessionID),
	)

	return nil
}

// LoadAll returns every parseable entry in the index. Malformed lines are
// skipped individually with a warning rather than failing the whole load.
func (j *Journal) LoadAll(ctx context.Context) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.load_all")
	defer span.End()

	j.mu.Lock()
	lines, err := j.readIndexLines()
	j.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	entries := make([]Entry, 0, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			j.logger.Warn(ctx, "skipping malformed journal line",
				zap.Int("line", i+1),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, e)
	}

	span.SetAttributes(attribute.Int("entry_count", len(entries)))
	return entries, nil
}

// SaveSnapshot writes a snapshot to its own JSON file, named by session id
// with a criticality prefix, and returns the file path. The write is
// temp-file-then-rename so a crash never leaves a torn snapshot.
func (j *Journal) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) (string, error) {
	ctx, span := j.tracer.Start(ctx, "journal.save_snapshot")
	defer span.End()

	if snap == nil {
		return "", fmt.Errorf("snapshot is required")
	}
	if snap.Metadata.SessionID == "" {
		return "", fmt.Errorf("snapshot session id is required")
	}

	span.SetAttributes(
		attribute.String("session_id", snap.Metadata.SessionID),
		attribute.Bool("critical", snap.IsCritical),
	)

	prefix := snapshotPrefix
	if snap.IsCritical {
		prefix = criticalPrefix
	}
	name := fmt.Sprintf("%s%s_%d.json", prefix, snap.Metadata.SessionID, snap.SerializedAt.UnixNano())
	path := filepath.Join(j.dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := j.writeFileAtomic(path, data); err != nil {
		span.RecordError(err)
		return "", err
	}

	j.logger.Info(ctx, "snapshot persisted",
		zap.String("session_id", snap.Metadata.SessionID),
		zap.String("path", path),
		zap.Bool("critical", snap.IsCritical),
		zap.Int("size_bytes", len(data)),
	)

	return path, nil
}

// LoadSnapshot returns the newest snapshot for a session. A miss is a typed
// result, not an error.
func (j *Journal) LoadSnapshot(ctx context.Context, sessionID string) (*snapshot.Snapshot, bool, error) {
	return j.latest(ctx, sessionID, false)
}

// LatestSnapshot returns the newest snapshot for sessionID; when none
// matches and anySession is true it falls back to the newest snapshot across
// all sessions.
func (j *Journal) LatestSnapshot(ctx context.Context, sessionID string, anySession bool) (*snapshot.Snapshot, bool, error) {
	return j.latest(ctx, sessionID, anySession)
}

func (j *Journal) latest(ctx context.Context, sessionID string, anySession bool) (*snapshot.Snapshot, bool, error) {
	ctx, span := j.tracer.Start(ctx, "journal.latest_snapshot")
	defer span.End()

	candidates, err := j.snapshotFiles()
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	// Newest first.
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].modTime.After(candidates[b].modTime)
	})

	if sessionID != "" {
		for _, c := range candidates {
			if c.sessionID == sessionID {
				return j.readSnapshot(ctx, c.path)
			}
		}
		if !anySession {
			return nil, false, nil
		}
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}
	return j.readSnapshot(ctx, candidates[0].path)
}

// Prune removes index entries and snapshot/brief files older than the
// retention period. Returns the number of files removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int, error) {
	ctx, span := j.tracer.Start(ctx, "journal.prune")
	defer span.End()

	if retention <= 0 {
		return 0, fmt.Errorf("retention period must be positive, got %v", retention)
	}

	cutoff := time.Now().Add(-retention)

	j.mu.Lock()
	defer j.mu.Unlock()

	unlock := j.acquireFileLock(ctx)
	defer unlock()

	lines, err := j.readIndexLines()
	if err != nil {
		return 0, fmt.Errorf("failed to read index: %w", err)
	}

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Malformed lines are dropped during pruning.
			continue
		}
		if e.Timestamp.After(cutoff) {
			kept = append(kept, line)
		}
	}
	if err := j.writeIndexAtomic(kept); err != nil {
		return 0, err
	}

	removed := 0
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return removed, fmt.Errorf("failed to read journal dir: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if name == indexFile || name == lockFile || de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
				j.logger.Warn(ctx, "failed to prune file",
					zap.String("file", name),
					zap.Error(err),
				)
				continue
			}
			removed++
		}
	}

	j.logger.Info(ctx, "journal pruned",
		zap.Int("entries_kept", len(kept)),
		zap.Int("files_removed", removed),
	)

	span.SetAttributes(attribute.Int("files_removed", removed))
	return removed, nil
}

// WriteBrief writes a derived resumption-brief file for inspection and
// returns its path.
func (j *Journal) WriteBrief(ctx context.Context, sessionID string, content []byte) (string, error) {
	_, span := j.tracer.Start(ctx, "journal.write_brief")
	defer span.End()

	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	path := filepath.Join(j.dir, briefPrefix+sessionID+".md")
	if err := j.writeFileAtomic(path, content); err != nil {
		span.RecordError(err)
		return "", err
	}
	return path, nil
}

// acquireFileLock tries the exclusive file lock with bounded retries and
// backoff. On exhaustion it warns and lets the write proceed unlocked.
// The returned func releases the lock (or is a no-op).
func (j *Journal) acquireFileLock(ctx context.Context) func() {
	fl := flock.New(filepath.Join(j.dir, lockFile))

	for attempt := 1; attempt <= j.lockRetries; attempt++ {
		locked, err := fl.TryLock()
		if err == nil && locked {
			return func() {
				if err := fl.Unlock(); err != nil {
					j.logger.Warn(ctx, "failed to release journal lock", zap.Error(err))
				}
			}
		}
		if err != nil {
			j.logger.Warn(ctx, "journal lock attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		if attempt < j.lockRetries {
			time.Sleep(j.lockBackoff)
		}
	}

	j.logger.Warn(ctx, "journal lock not acquired, proceeding unlocked",
		zap.Int("attempts", j.lockRetries),
	)
	return func() {}
}

func (j *Journal) indexPath() string {
	return filepath.Join(j.dir, indexFile)
}

// readIndexLines returns the raw index lines. A missing index is an empty
// journal, not an error.
func (j *Journal) readIndexLines() ([]string, error) {
	f, err := os.Open(j.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// writeIndexAtomic writes the full index to a temp file and renames it over
// the real one. Caller holds the mutex.
func (j *Journal) writeIndexAtomic(lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return j.writeFileAtomic(j.indexPath(), []byte(sb.String()))
}

func (j *Journal) writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(j.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

type snapshotFile struct {
	path      string
	sessionID string
	critical  bool
	modTime   time.Time
}

// snapshotFiles lists snapshot files with their parsed session ids.
func (j *Journal) snapshotFiles() ([]snapshotFile, error) {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal dir: %w", err)
	}

	var files []snapshotFile
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		var sessionID string
		var critical bool
		switch {
		case strings.HasPrefix(name, criticalPrefix):
			sessionID = trimSnapshotName(name, criticalPrefix)
			critical = true
		case strings.HasPrefix(name, snapshotPrefix):
			sessionID = trimSnapshotName(name, snapshotPrefix)
		default:
			continue
		}
		if sessionID == "" {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		files = append(files, snapshotFile{
			path:      filepath.Join(j.dir, name),
			sessionID: sessionID,
			critical:  critical,
			modTime:   info.ModTime(),
		})
	}
	return files, nil
}

// trimSnapshotName extracts the session id from
// {prefix}{sessionID}_{unixnano}.json.
func trimSnapshotName(name, prefix string) string {
	base := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
	idx := strings.LastIndex(base, "_")
	if idx <= 0 {
		return ""
	}
	return base[:idx]
}

func (j *Journal) readSnapshot(ctx context.Context, path string) (*snapshot.Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		j.logger.Warn(ctx, "malformed snapshot file",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, false, nil
	}
	return &snap, true, nil
}
