package ingestion

import (
	"context"
	"errors"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/metrics"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

// ErrRunAlreadyClosed is returned by Run.Close after the first call.
var ErrRunAlreadyClosed = errors.New("run already closed")

// RunTracker opens and closes source runs.
type RunTracker struct {
	runs   repositories.SourceRunRepo
	logger ectologger.Logger
}

func NewRunTracker(runs repositories.SourceRunRepo, logger ectologger.Logger) *RunTracker {
	return &RunTracker{runs: runs, logger: logger}
}

// Run is one open ingestion attempt. Close transitions it to a terminal status exactly once.
type Run struct {
	*models.SourceRun

	tracker *RunTracker
	mu      sync.Mutex
	closed  bool
}

// Open records a running row before any processing starts.
func (t *RunTracker) Open(ctx context.Context, cc models.ConnectionContext, rowsIn int) (*Run, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.RunTracker.Open")
	defer span.End()

	run, err := t.runs.Open(ctx, cc.TenantID, cc.ConnectionID, rowsIn)
	if err != nil {
		return nil, err
	}
	metrics.RunsOpen.Inc()
	return &Run{SourceRun: run, tracker: t}, nil
}

// Close records the outcome. A second call returns ErrRunAlreadyClosed without touching storage.
func (r *Run) Close(ctx context.Context, outcome models.RunOutcome) error {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Run.Close")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunAlreadyClosed
	}
	r.closed = true

	if !outcome.Status.IsTerminal() {
		outcome.Status = models.RunStatusFailed
		if outcome.Error == "" {
			outcome.Error = "run closed without a terminal status"
		}
	}

	// The request context may already be cancelled; the audit row must still be written.
	ctx = context.WithoutCancel(ctx)
	err := r.tracker.runs.Close(ctx, r.TenantID, r.ID, outcome)
	metrics.RunsOpen.Dec()
	if err != nil {
		r.tracker.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": r.TenantID,
			"run_id":    r.ID,
			"status":    outcome.Status,
		}).Error("failed to close source run")
		return err
	}

	metrics.RecordRunClosed(string(outcome.Status))
	r.Status = outcome.Status
	r.RowsValid = outcome.RowsValid
	r.RowsInvalid = outcome.RowsInvalid
	if outcome.Error != "" {
		r.ErrorMessage = &outcome.Error
	}
	return nil
}
