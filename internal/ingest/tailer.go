// Package ingest tails an agent transcript file and feeds the session
// manager: appended text is scanned for boundary markers and per-message
// usage counts become token deltas for the budget tracker.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/session"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// transcriptMessage is the subset of a transcript JSONL line the tailer
// cares about.
type transcriptMessage struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens          int `json:"input_tokens"`
			OutputTokens         int `json:"output_tokens"`
			CacheReadInputTokens int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// Tailer follows a transcript file like tail -f, starting at the current
// end of file so a restart does not replay history.
type Tailer struct {
	path    string
	manager *session.Manager
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	offset    int64
	remainder []byte
	lastTotal int

	stop chan struct{}
	done chan struct{}
}

// NewTailer creates a tailer for the configured transcript path.
func NewTailer(cfg config.IngestConfig, manager *session.Manager, logger *logging.Logger) (*Tailer, error) {
	if cfg.TranscriptPath == "" {
		return nil, errors.New("transcript path is required")
	}
	if manager == nil {
		return nil, errors.New("session manager is required")
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Tailer{
		path:    cfg.TranscriptPath,
		manager: manager,
		logger:  logger,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins following the transcript in a background goroutine. The
// parent directory is watched so rotation and late creation are picked up.
func (t *Tailer) Start(ctx context.Context) error {
	dir := filepath.Dir(t.path)
	if err := t.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching transcript directory %s: %w", dir, err)
	}

	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	}

	go t.run(context.WithoutCancel(ctx))

	t.logger.Info(ctx, "transcript tailer started",
		zap.String("path", t.path),
		zap.Int64("offset", t.offset),
	)
	return nil
}

// Stop shuts down the watcher and waits for the loop to drain.
func (t *Tailer) Stop() {
	close(t.stop)
	<-t.done
	_ = t.watcher.Close()
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)

	for {
		select {
		case <-t.stop:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name != t.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.drain(ctx)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn(ctx, "transcript watcher error", zap.Error(err))
		}
	}
}

// drain reads everything appended since the last offset. A shrinking file
// means rotation or truncation; reading restarts from the top.
func (t *Tailer) drain(ctx context.Context) {
	f, err := os.Open(t.path)
	if err != nil {
		t.logger.Warn(ctx, "opening transcript failed", zap.Error(err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.remainder = nil
		t.lastTotal = 0
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.logger.Warn(ctx, "reading transcript failed", zap.Error(err))
		return
	}
	t.offset += int64(len(data))

	data = append(t.remainder, data...)
	lines := bytes.Split(data, []byte("\n"))
	t.remainder = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.processLine(ctx, line)
	}
}

// processLine feeds the raw text to boundary detection and mines usage
// counts. The context estimate is the running max of per-message totals;
// only growth is fed as a delta.
func (t *Tailer) processLine(ctx context.Context, line []byte) {
	if _, _, err := t.manager.Ingest(ctx, string(line)); err != nil {
		t.logger.Warn(ctx, "transcript ingest failed", zap.Error(err))
		return
	}

	var msg transcriptMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return // free text lines are fine, markers were already scanned
	}

	u := msg.Message.Usage
	total := u.InputTokens + u.CacheReadInputTokens + u.OutputTokens
	if total < t.lastTotal {
		// The context shrank, so a compaction happened upstream and the
		// tracker has been (or is about to be) reset by the crossing.
		t.lastTotal = total
		return
	}
	if total == t.lastTotal {
		return
	}
	delta := total - t.lastTotal
	t.lastTotal = total

	if _, err := t.manager.AddTokens(ctx, delta); err != nil {
		t.logger.Warn(ctx, "token delta update failed", zap.Error(err))
	}
}
