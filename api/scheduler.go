/*
scheduler.go - Inbox directory importer

PURPOSE:
  Periodically picks up roster files dropped into an inbox directory and
  imports each through the same Reconciler as the upload endpoint.

DESIGN:
  - Runs a background goroutine with configurable poll interval
  - Files are imported one at a time, oldest name first
  - Committed files move to ArchiveDir
  - Unusable files (no rows, no header, unreadable) move to FailedDir
  - Retryable failures (timeout, conflict, store down) stay in the inbox
    and are retried on the next tick
  - Moved files are prefixed with the run ID so re-dropped files with the
    same name never overwrite each other

USAGE:
  scheduler := NewInboxScheduler(rec, "./inbox", "./inbox/archive", "./inbox/failed")
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Upload endpoint (manual import)
  - roster/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/warp/roster-engine/grid"
	"github.com/warp/roster-engine/roster"
)

// InboxOutcome is what happened to one inbox file.
type InboxOutcome string

const (
	OutcomeArchived InboxOutcome = "archived"
	OutcomeFailed   InboxOutcome = "failed"
	OutcomeRetry    InboxOutcome = "retry"
)

// InboxResult reports one processed file.
type InboxResult struct {
	File    string
	Outcome InboxOutcome
	Report  roster.Report
	Err     error
}

// InboxScheduler imports files from a directory on an interval.
type InboxScheduler struct {
	Reconciler   *roster.Reconciler
	Dir          string
	ArchiveDir   string
	FailedDir    string
	PollInterval time.Duration
	Enabled      bool
	Logger       *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // guards Start/Stop
	runMu  sync.Mutex // one RunOnce at a time
}

// NewInboxScheduler creates a new scheduler.
func NewInboxScheduler(rec *roster.Reconciler, dir, archiveDir, failedDir string) *InboxScheduler {
	return &InboxScheduler{
		Reconciler:   rec,
		Dir:          dir,
		ArchiveDir:   archiveDir,
		FailedDir:    failedDir,
		PollInterval: time.Minute,
		Enabled:      true,
		Logger:       slog.Default(),
	}
}

// Start begins the scheduler.
func (s *InboxScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("inbox scheduler disabled, not starting")
		return nil
	}
	if s.ticker != nil {
		return nil
	}
	for _, dir := range []string{s.Dir, s.ArchiveDir, s.FailedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	s.ticker = time.NewTicker(s.PollInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("inbox scheduler started", "dir", s.Dir, "interval", s.PollInterval)
	return nil
}

// Stop stops the scheduler and waits for an in-flight file to finish.
func (s *InboxScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("inbox scheduler stopped")
	}
}

func (s *InboxScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.tick(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *InboxScheduler) tick(ctx context.Context) {
	results, err := s.RunOnce(ctx)
	if err != nil {
		s.Logger.Error("inbox scan failed", "dir", s.Dir, "error", err)
		return
	}
	if len(results) > 0 {
		counts := map[InboxOutcome]int{}
		for _, r := range results {
			counts[r.Outcome]++
		}
		s.Logger.Info("inbox processed",
			"archived", counts[OutcomeArchived],
			"failed", counts[OutcomeFailed],
			"retry", counts[OutcomeRetry])
	}
}

// RunOnce imports every supported file currently in the inbox.
func (s *InboxScheduler) RunOnce(ctx context.Context) ([]InboxResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	files, err := s.pending()
	if err != nil {
		return nil, err
	}

	var results []InboxResult
	for _, name := range files {
		if ctx.Err() != nil {
			break
		}
		results = append(results, s.process(ctx, name))
	}
	return results, nil
}

// pending lists supported regular files in the inbox, sorted by name.
func (s *InboxScheduler) pending() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && grid.Supported(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *InboxScheduler) process(ctx context.Context, name string) InboxResult {
	path := filepath.Join(s.Dir, name)
	result := InboxResult{File: name}
	log := s.Logger.With("file", name)

	g, err := grid.ReadFile(path)
	if err != nil {
		result.Err = err
		result.Outcome = OutcomeFailed
		if mvErr := s.move(path, s.FailedDir, "", name); mvErr != nil {
			log.Error("moving unreadable file failed", "error", mvErr)
		}
		log.Warn("inbox file unreadable", "error", err)
		return result
	}

	report, err := s.Reconciler.Import(ctx, g, name)
	result.Report = report
	result.Err = err

	switch {
	case err == nil:
		result.Outcome = OutcomeArchived
		err = s.move(path, s.ArchiveDir, report.RunID, name)
	case isCommitted(err):
		// Only the post-commit count failed; the file is in the registry.
		result.Outcome = OutcomeArchived
		err = s.move(path, s.ArchiveDir, report.RunID, name)
	case roster.IsRetryable(err):
		result.Outcome = OutcomeRetry
		return result
	default:
		result.Outcome = OutcomeFailed
		err = s.move(path, s.FailedDir, report.RunID, name)
	}
	if err != nil {
		log.Error("moving inbox file failed", "error", err)
	}
	return result
}

// isCommitted reports whether err came after the batch committed.
func isCommitted(err error) bool {
	_, isBatch := roster.AsBatchError(err)
	return !isBatch && errors.Is(err, roster.ErrStoreUnavailable)
}

func (s *InboxScheduler) move(path, dir, prefix, name string) error {
	if prefix == "" {
		prefix = time.Now().UTC().Format("20060102T150405")
	}
	return os.Rename(path, filepath.Join(dir, prefix+"_"+name))
}
