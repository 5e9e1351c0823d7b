package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/fieldmapping"
	"github.com/clasak/compassiq/pkg/models"
)

type fakeRuns struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*models.SourceRun
	openErr error
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[uuid.UUID]*models.SourceRun{}}
}

func (f *fakeRuns) Open(_ context.Context, tenantID, connectionID uuid.UUID, rowsIn int) (*models.SourceRun, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &models.SourceRun{ID: uuid.New(), TenantID: tenantID, ConnectionID: connectionID, Status: models.RunStatusRunning, RowsIn: rowsIn, StartedAt: time.Now()}
	stored := *run
	f.runs[run.ID] = &stored
	return run, nil
}

func (f *fakeRuns) Close(_ context.Context, tenantID, runID uuid.UUID, outcome models.RunOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.TenantID != tenantID || run.Status != models.RunStatusRunning {
		return repositories.ErrRunNotRunning
	}
	now := time.Now()
	run.Status = outcome.Status
	run.RowsValid = outcome.RowsValid
	run.RowsInvalid = outcome.RowsInvalid
	run.FinishedAt = &now
	if outcome.Error != "" {
		msg := outcome.Error
		run.ErrorMessage = &msg
	}
	return nil
}

func (f *fakeRuns) ListByConnection(context.Context, uuid.UUID, uuid.UUID, int) ([]models.SourceRun, error) {
	return nil, nil
}

func (f *fakeRuns) ListStale(context.Context, uuid.UUID, time.Time, int) ([]models.SourceRun, error) {
	return nil, nil
}

func (f *fakeRuns) CountRunning(context.Context) (int, error) {
	return 0, nil
}

func (f *fakeRuns) get(id uuid.UUID) models.SourceRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.runs[id]
}

func (f *fakeRuns) countRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, run := range f.runs {
		if run.Status == models.RunStatusRunning {
			n++
		}
	}
	return n
}

type fakeRawEvents struct {
	mu     sync.Mutex
	events map[string]*models.RawEvent
	err    error
}

func newFakeRawEvents() *fakeRawEvents {
	return &fakeRawEvents{events: map[string]*models.RawEvent{}}
}

func rawKey(tenantID, connectionID uuid.UUID, dedupeKey string) string {
	return tenantID.String() + ":" + connectionID.String() + ":" + dedupeKey
}

func (f *fakeRawEvents) Insert(_ context.Context, event *models.RawEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rawKey(event.TenantID, event.ConnectionID, event.DedupeKey)
	if existing, ok := f.events[key]; ok {
		*event = *existing
		return false, nil
	}
	event.ID = uuid.New()
	event.CreatedAt = time.Now()
	stored := *event
	f.events[key] = &stored
	return true, nil
}

func (f *fakeRawEvents) GetByDedupeKey(_ context.Context, tenantID, connectionID uuid.UUID, dedupeKey string) (*models.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[rawKey(tenantID, connectionID, dedupeKey)]
	if !ok {
		return nil, repositories.NotFound("raw event %s does not exist", dedupeKey)
	}
	return event, nil
}

type fakeMappings struct {
	mu       sync.Mutex
	mappings map[uuid.UUID]*fieldmapping.FieldMapping
	err      error
	calls    int
}

func (f *fakeMappings) GetActive(_ context.Context, _ uuid.UUID, connectionID uuid.UUID, _ string) (*fieldmapping.FieldMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	fm, ok := f.mappings[connectionID]
	if !ok {
		return nil, repositories.NotFound("no active mapping")
	}
	return fm, nil
}

type fakeMetricValues struct {
	mu     sync.Mutex
	values []models.MetricValue
	err    error
}

func (f *fakeMetricValues) Insert(_ context.Context, value *models.MetricValue) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value.ID = uuid.New()
	f.values = append(f.values, *value)
	return nil
}

func (f *fakeMetricValues) LatestByKey(context.Context, uuid.UUID, *uuid.UUID, time.Time, time.Time) ([]models.MetricValue, error) {
	return nil, nil
}

type fakeInvalidator struct {
	tenants []uuid.UUID
	err     error
}

func (f *fakeInvalidator) InvalidateTenant(_ context.Context, tenantID uuid.UUID) error {
	f.tenants = append(f.tenants, tenantID)
	return f.err
}

type fakePublisher struct {
	values []models.MetricValue
	err    error
	panics bool
}

func (f *fakePublisher) PublishMetricRecorded(_ context.Context, _ string, value models.MetricValue) error {
	if f.panics {
		panic("publisher exploded")
	}
	f.values = append(f.values, value)
	return f.err
}
