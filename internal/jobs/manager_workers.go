package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/metrics"
)

const reasonInternal = "internal error"

// worker pulls ids until ctx is cancelled.
func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	logger := m.logger.With("worker", n)
	logger.Debug("download worker started")

	for {
		id, ok := m.queue.Pop(ctx.Done(), m.Policy().PollInterval)
		if !ok {
			logger.Debug("download worker stopping")
			return
		}
		m.process(ctx, id)
	}
}

// process runs one attempt for id. The retry timer, if any, is armed only
// after the in-flight slot is released so the re-pushed id can be acquired.
func (m *Manager) process(ctx context.Context, id string) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec, ok := m.store.Acquire(id, cancel)
	if !ok {
		m.logger.Debug("skipping id not available for work", "book_id", id)
		return
	}

	retry := m.attempt(ctx, attemptCtx, rec)
	after, cancelled := m.store.Release(id)

	switch {
	case cancelled:
		// Cancelled between the retry decision and the release.
		metrics.TransitionsTotal.WithLabelValues(string(books.StateCancelled)).Inc()
		m.logger.Info("download cancelled", "book_id", id)
	case retry:
		delay := m.Policy().RetryDelay
		m.timers.Schedule(id, delay, func() { m.requeue(id) })
	case after.State == books.StateQueued && ctx.Err() == nil:
		// Re-requested while this attempt still held the slot; the pop that
		// raced with us was dropped.
		m.requeue(id)
	}
}

// attempt carries a held record as far as it can go. parent is the manager's
// context; ctx is the per-attempt context a user cancel aborts.
func (m *Manager) attempt(parent, ctx context.Context, rec books.Record) (retry bool) {
	id := rec.ID
	logger := m.logger.With("book_id", id)
	policy := m.Policy()

	var temps []string
	defer func() {
		for _, p := range temps {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove temp file", "path", p, "error", err)
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("download worker panic", "panic", r, "stack", string(debug.Stack()))
			m.failActive(id, reasonInternal)
			retry = false
		}
	}()

	if rec.Attempt >= policy.MaxRetry {
		// Budget lowered while the record waited.
		if _, err := m.transition(id, books.StateQueued, books.StateDownloading, nil); err == nil {
			m.transition(id, books.StateDownloading, books.StateError, func(r *books.Record) {
				r.LastError = "retry budget exhausted"
			})
		}
		return false
	}

	rec, err := m.transition(id, books.StateQueued, books.StateDownloading, func(r *books.Record) {
		r.Attempt++
		r.Progress = 0
	})
	if err != nil {
		logger.Debug("could not start attempt", "error", err)
		return false
	}
	logger = logger.With("attempt", rec.Attempt)
	logger.Info("download attempt started", "title", rec.Title)

	if m.checkpoint(parent, id, books.StateDownloading) {
		return false
	}

	url, err := m.source.Resolve(ctx, id)
	if err != nil {
		return m.fail(parent, logger, id, books.StateDownloading, err)
	}
	if m.checkpoint(parent, id, books.StateDownloading) {
		return false
	}

	res, err := m.fetcher.Fetch(ctx, url, policy.TmpDir, func(written, total int64) {
		if total > 0 {
			m.store.SetProgress(id, float64(written)*100/float64(total))
		}
	})
	if err != nil {
		return m.fail(parent, logger, id, books.StateDownloading, err)
	}
	temps = append(temps, res.Path)
	if m.checkpoint(parent, id, books.StateDownloading) {
		return false
	}

	path := m.hintPath(logger, res.Path, policy.TmpDir, rec)
	temps = append(temps, path)

	if _, err := m.transition(id, books.StateDownloading, books.StateConverting, func(r *books.Record) {
		r.Progress = 100
	}); err != nil {
		logger.Warn("could not enter converting", "error", err)
		return false
	}

	start := time.Now()
	out, err := m.processor.Process(ctx, path)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.PostprocessDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if out.Path != "" {
		temps = append(temps, out.Path)
	}
	if err != nil {
		return m.fail(parent, logger, id, books.StateConverting, err)
	}
	if m.checkpoint(parent, id, books.StateConverting) {
		return false
	}

	format := out.Format
	if format == "" {
		format = books.Ext(out.Path)
	}
	final, err := promote(out.Path, policy.IngestDir, books.FileName(rec, policy.UseBookTitle, format))
	if err != nil {
		return m.fail(parent, logger, id, books.StateConverting, err)
	}

	if _, err := m.transition(id, books.StateConverting, books.StateAvailable, func(r *books.Record) {
		r.LastError = ""
		r.ResultPath = final
		r.Progress = 100
		r.CancelRequested = false
		if r.Format == "" {
			r.Format = format
		}
	}); err != nil {
		logger.Warn("could not mark download available", "error", err)
		return false
	}
	logger.Info("download available", "path", final)
	return false
}

// hintPath renames the fetched file so its extension reflects the expected
// format. Validators use the extension only as a tie-breaker.
func (m *Manager) hintPath(logger *slog.Logger, fetched, dir string, rec books.Record) string {
	ext := strings.TrimPrefix(strings.ToLower(rec.Format), ".")
	if ext == "" {
		ext = "part"
	}
	name := fmt.Sprintf("%s-%d.%s", books.SanitizeFileName(rec.ID), rec.Attempt, ext)
	target := filepath.Join(dir, name)
	if err := os.Rename(fetched, target); err != nil {
		logger.Debug("keeping fetched file name", "error", err)
		return fetched
	}
	return target
}

// checkpoint finishes the attempt if the manager is stopping or the user
// cancelled. Returns true when the caller must stop.
func (m *Manager) checkpoint(parent context.Context, id string, from books.State) bool {
	if parent.Err() != nil {
		m.interrupt(id, from)
		return true
	}
	if m.cancelRequested(id) {
		m.finishCancelled(id, from)
		return true
	}
	return false
}

// fail classifies err and moves the record on. Returns true if a retry
// should be scheduled.
func (m *Manager) fail(parent context.Context, logger *slog.Logger, id string, from books.State, err error) bool {
	switch {
	case parent.Err() != nil:
		m.interrupt(id, from)
		return false
	case m.cancelRequested(id), errors.Is(err, context.Canceled), errors.Is(err, books.ErrCancelled):
		m.finishCancelled(id, from)
		return false
	}

	reason := books.Reason(err)
	policy := m.Policy()

	if books.Retryable(err) {
		rec, getErr := m.store.Get(id)
		if getErr == nil && rec.Attempt < policy.MaxRetry {
			if _, terr := m.transition(id, from, books.StateQueued, func(r *books.Record) {
				r.LastError = reason
				r.Progress = 0
			}); terr != nil {
				logger.Warn("could not requeue for retry", "error", terr)
				return false
			}
			metrics.RetriesTotal.Inc()
			logger.Warn("download attempt failed, will retry",
				"error", err,
				"retry_in", policy.RetryDelay,
				"max_retry", policy.MaxRetry,
			)
			return true
		}
	}

	if _, terr := m.transition(id, from, books.StateError, func(r *books.Record) {
		r.LastError = reason
	}); terr != nil {
		logger.Warn("could not mark download failed", "error", terr)
		return false
	}
	logger.Error("download failed", "error", err, "reason", reason)
	return false
}

// interrupt returns a record to queued after a shutdown. The interrupted
// attempt does not count against the budget.
func (m *Manager) interrupt(id string, from books.State) {
	_, err := m.transition(id, from, books.StateQueued, func(r *books.Record) {
		if r.Attempt > 0 {
			r.Attempt--
		}
		r.Progress = 0
	})
	if err != nil {
		m.logger.Warn("could not requeue interrupted download", "book_id", id, "error", err)
		return
	}
	m.logger.Info("download interrupted by shutdown", "book_id", id)
}

func (m *Manager) finishCancelled(id string, from books.State) {
	_, err := m.transition(id, from, books.StateCancelled, func(r *books.Record) {
		r.CancelRequested = false
		r.Progress = 0
	})
	if err != nil {
		m.logger.Warn("could not cancel download", "book_id", id, "error", err)
		return
	}
	m.logger.Info("download cancelled", "book_id", id)
}

// failActive moves a record that a panicking worker held to error.
func (m *Manager) failActive(id, reason string) {
	rec, err := m.store.Get(id)
	if err != nil || !rec.State.Active() {
		return
	}
	m.transition(id, rec.State, books.StateError, func(r *books.Record) {
		r.LastError = reason
		r.CancelRequested = false
	})
}

func (m *Manager) cancelRequested(id string) bool {
	rec, err := m.store.Get(id)
	return err == nil && rec.CancelRequested
}
