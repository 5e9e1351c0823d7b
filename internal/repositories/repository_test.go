package repositories

import (
	"context"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
)

func newTestDB(t *testing.T) (database.DB, sqlmock.Sqlmock, ectologger.Logger) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return database.NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), logger), mock, logger
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, status, httperror.GetStatusCode(err))
}

func TestTenantRepository(t *testing.T) {
	tenantID := uuid.New()

	t.Run("should read the read-only flag", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewTenantRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, is_read_only FROM tenants WHERE id = $1")).
			WithArgs(tenantID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_read_only"}).AddRow(tenantID.String(), "Demo Co", true))

		tenant, err := repo.GetByID(context.Background(), tenantID)
		require.NoError(t, err)
		assert.True(t, tenant.IsReadOnly)
	})

	t.Run("should return 404 for an unknown tenant", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewTenantRepository(db, logger)

		mock.ExpectQuery("FROM tenants").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_read_only"}))

		_, err := repo.GetByID(context.Background(), tenantID)
		assertStatus(t, err, http.StatusNotFound)
	})
}

var connectionCols = []string{"id", "tenant_id", "type", "name", "status", "token_hash", "created_at", "updated_at", "is_read_only_tenant"}

func TestConnectionRepository(t *testing.T) {
	tenantID, connID := uuid.New(), uuid.New()
	now := time.Now()

	t.Run("should resolve an active webhook connection by token hash", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewConnectionRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("FROM source_connections c JOIN tenants t ON t.id = c.tenant_id WHERE c.token_hash = $1 AND c.type = $2 AND c.status = $3")).
			WithArgs("abc", "webhook", "active").
			WillReturnRows(sqlmock.NewRows(connectionCols).
				AddRow(connID.String(), tenantID.String(), "webhook", "crm", "active", "abc", now, now, true))

		conn, err := repo.GetActiveByTokenHash(context.Background(), "abc", models.ConnectionTypeWebhook)
		require.NoError(t, err)
		assert.Equal(t, connID, conn.ID)
		assert.Equal(t, tenantID, conn.TenantID)
		assert.True(t, conn.IsReadOnlyTenant)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should return 404 for an unknown token", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewConnectionRepository(db, logger)

		mock.ExpectQuery("FROM source_connections").WillReturnRows(sqlmock.NewRows(connectionCols))

		_, err := repo.GetActiveByTokenHash(context.Background(), "nope", models.ConnectionTypeWebhook)
		assertStatus(t, err, http.StatusNotFound)
	})

	t.Run("should scope lookups by id to the tenant", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewConnectionRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE c.tenant_id = $1 AND c.id = $2")).
			WithArgs(tenantID, connID).
			WillReturnRows(sqlmock.NewRows(connectionCols).
				AddRow(connID.String(), tenantID.String(), "webhook", "crm", "inactive", nil, now, now, false))

		conn, err := repo.GetByID(context.Background(), tenantID, connID)
		require.NoError(t, err)
		assert.False(t, conn.IsActive())
		assert.Nil(t, conn.TokenHash)
	})

	t.Run("should return 500 on driver failure", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewConnectionRepository(db, logger)

		mock.ExpectQuery("FROM source_connections").WillReturnError(assert.AnError)

		_, err := repo.GetByID(context.Background(), tenantID, connID)
		assertStatus(t, err, http.StatusInternalServerError)
	})
}

func TestSourceRunRepository(t *testing.T) {
	tenantID, connID, runID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	t.Run("should open a running row", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewSourceRunRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO source_runs (id, tenant_id, connection_id, status, rows_in, started_at) VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING started_at")).
			WithArgs(sqlmock.AnyArg(), tenantID, connID, "running", 1).
			WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(now))

		run, err := repo.Open(context.Background(), tenantID, connID, 1)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, run.ID)
		assert.Equal(t, models.RunStatusRunning, run.Status)
		assert.Equal(t, now, run.StartedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should close a running row once", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewSourceRunRepository(db, logger)

		query := regexp.QuoteMeta("UPDATE source_runs SET status = $1, rows_valid = $2, rows_invalid = $3, error_message = $4, finished_at = NOW() WHERE id = $5 AND tenant_id = $6 AND status = $7")
		mock.ExpectExec(query).
			WithArgs("failed", 0, 0, "boom", runID, tenantID, "running").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(query).
			WillReturnResult(sqlmock.NewResult(0, 0))

		outcome := models.RunOutcome{Status: models.RunStatusFailed, Error: "boom"}
		require.NoError(t, repo.Close(context.Background(), tenantID, runID, outcome))
		assert.ErrorIs(t, repo.Close(context.Background(), tenantID, runID, outcome), ErrRunNotRunning)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should list stale runs oldest first", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewSourceRunRepository(db, logger)
		cutoff := now.Add(-15 * time.Minute)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND status = $2 AND started_at < $3 ORDER BY started_at ASC")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "connection_id", "status", "rows_in", "rows_valid", "rows_invalid", "error_message", "started_at", "finished_at"}).
				AddRow(runID.String(), tenantID.String(), connID.String(), "running", 1, 0, 0, nil, cutoff.Add(-time.Hour), nil))

		runs, err := repo.ListStale(context.Background(), tenantID, cutoff, 50)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, runID, runs[0].ID)
		assert.Nil(t, runs[0].FinishedAt)
	})

	t.Run("should count running rows", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewSourceRunRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM source_runs WHERE status = $1")).
			WithArgs("running").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		count, err := repo.CountRunning(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})
}

var rawEventCols = []string{"id", "tenant_id", "connection_id", "run_id", "event_type", "payload", "occurred_on", "dedupe_key", "created_at"}

func TestRawEventRepository(t *testing.T) {
	tenantID, connID, runID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	newEvent := func() *models.RawEvent {
		return &models.RawEvent{
			TenantID:     tenantID,
			ConnectionID: connID,
			RunID:        runID,
			EventType:    "metric",
			Payload:      database.NewJSONB(map[string]any{"data": map[string]any{"v": 1.0}}),
			DedupeKey:    "fp",
		}
	}

	t.Run("should insert a new event", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewRawEventRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (tenant_id, connection_id, dedupe_key) DO NOTHING RETURNING created_at")).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

		event := newEvent()
		created, err := repo.Insert(context.Background(), event)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should return the stored event on a duplicate", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewRawEventRepository(db, logger)
		originalID, originalRun := uuid.New(), uuid.New()

		mock.ExpectQuery("INSERT INTO raw_events").
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
		mock.ExpectQuery("FROM raw_events").
			WithArgs(tenantID, connID, "fp").
			WillReturnRows(sqlmock.NewRows(rawEventCols).
				AddRow(originalID.String(), tenantID.String(), connID.String(), originalRun.String(), "metric", []byte(`{"data":{"v":1}}`), nil, "fp", now))

		event := newEvent()
		created, err := repo.Insert(context.Background(), event)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, originalID, event.ID)
		assert.Equal(t, originalRun, event.RunID)
		assert.Equal(t, map[string]any{"v": 1.0}, event.Payload.Data["data"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should return 500 when the insert fails", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewRawEventRepository(db, logger)

		mock.ExpectQuery("INSERT INTO raw_events").WillReturnError(assert.AnError)

		_, err := repo.Insert(context.Background(), newEvent())
		assertStatus(t, err, http.StatusInternalServerError)
	})

	t.Run("should write inside the context transaction", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewRawEventRepository(db, logger)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO raw_events").
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
		mock.ExpectRollback()

		ctx, tx, err := db.GetTx(context.Background(), nil)
		require.NoError(t, err)
		_, err = repo.Insert(ctx, newEvent())
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var fieldMappingCols = []string{"id", "tenant_id", "connection_id", "target", "revision", "document", "is_active", "created_at", "updated_at"}

func TestFieldMappingRepository(t *testing.T) {
	tenantID, connID, mappingID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	t.Run("should parse the active document", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewFieldMappingRepository(db, logger)

		doc := `{"version":1,"metrics":[{"metric_key":"revenue","value":{"path":"amount","kind":"number"}}]}`
		mock.ExpectQuery("FROM field_mappings").
			WithArgs(tenantID, connID, "metric_values", true).
			WillReturnRows(sqlmock.NewRows(fieldMappingCols).
				AddRow(mappingID.String(), tenantID.String(), connID.String(), "metric_values", 3, []byte(doc), true, now, now))

		fm, err := repo.GetActive(context.Background(), tenantID, connID, "metric_values")
		require.NoError(t, err)
		assert.Equal(t, mappingID, fm.ID)
		assert.Equal(t, 3, fm.Revision)
		require.Len(t, fm.Document.Metrics, 1)
		assert.Equal(t, "revenue", fm.Document.Metrics[0].MetricKey)
	})

	t.Run("should return 404 when no mapping is active", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewFieldMappingRepository(db, logger)

		mock.ExpectQuery("FROM field_mappings").WillReturnRows(sqlmock.NewRows(fieldMappingCols))

		_, err := repo.GetActive(context.Background(), tenantID, connID, "metric_values")
		assertStatus(t, err, http.StatusNotFound)
		assert.True(t, IsNotFound(err))
	})

	t.Run("should return 422 for a stored document with an unknown version", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewFieldMappingRepository(db, logger)

		mock.ExpectQuery("FROM field_mappings").
			WillReturnRows(sqlmock.NewRows(fieldMappingCols).
				AddRow(mappingID.String(), tenantID.String(), connID.String(), "metric_values", 1, []byte(`{"version":9}`), true, now, now))

		_, err := repo.GetActive(context.Background(), tenantID, connID, "metric_values")
		assertStatus(t, err, http.StatusUnprocessableEntity)
	})
}

var metricValueCols = []string{"id", "tenant_id", "workspace_id", "raw_event_id", "metric_key", "numeric_value", "text_value", "occurred_on", "source", "created_at"}

func TestMetricValueRepository(t *testing.T) {
	tenantID := uuid.New()
	now := time.Now()

	t.Run("should append a value", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewMetricValueRepository(db, logger)
		v := 150.0

		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO metric_values (id, tenant_id, workspace_id, raw_event_id, metric_key, numeric_value, text_value, occurred_on, source, created_at)")).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

		value := &models.MetricValue{TenantID: tenantID, MetricKey: "revenue", NumericValue: &v, OccurredOn: now, Source: "webhook"}
		require.NoError(t, repo.Insert(context.Background(), value))
		assert.NotEqual(t, uuid.Nil, value.ID)
		assert.Equal(t, now, value.CreatedAt)
	})

	t.Run("should select the latest row per key within the scope", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewMetricValueRepository(db, logger)
		scope := uuid.New()
		since := now.AddDate(0, 0, -90)
		until := now.AddDate(0, 0, 1)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT ON (metric_key) id, tenant_id")).
			WithArgs(tenantID, since, until, scope).
			WillReturnRows(sqlmock.NewRows(metricValueCols).
				AddRow(uuid.NewString(), tenantID.String(), scope.String(), nil, "revenue", 150.0, nil, now, "webhook", now))

		values, err := repo.LatestByKey(context.Background(), tenantID, &scope, since, until)
		require.NoError(t, err)
		require.Len(t, values, 1)
		n, ok := values[0].FiniteNumber()
		assert.True(t, ok)
		assert.Equal(t, 150.0, n)
	})

	t.Run("should order by occurrence then creation", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewMetricValueRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY metric_key, occurred_on DESC, created_at DESC")).
			WithArgs(tenantID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(metricValueCols))

		values, err := repo.LatestByKey(context.Background(), tenantID, nil, now, now.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("should include tenant-wide rows in a workspace scope and stop at until", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewMetricValueRepository(db, logger)
		scope := uuid.New()
		since, until := now.AddDate(0, 0, -90), now.AddDate(0, 0, 1)

		mock.ExpectQuery(regexp.QuoteMeta("occurred_on >= $2 AND occurred_on < $3 AND (workspace_id = $4 OR workspace_id IS NULL)")).
			WithArgs(tenantID, since, until, scope).
			WillReturnRows(sqlmock.NewRows(metricValueCols).
				AddRow(uuid.NewString(), tenantID.String(), nil, nil, "revenue", 150.0, nil, now, models.MetricSourceIngest, now))

		values, err := repo.LatestByKey(context.Background(), tenantID, &scope, since, until)
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.Nil(t, values[0].WorkspaceID)
	})
}

func TestOperationalKPIRepository(t *testing.T) {
	tenantID := uuid.New()
	q := models.KPIQuery{
		TenantID: tenantID,
		Window: models.KPIWindow{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	t.Run("should sum paid invoices in the window", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewOperationalKPIRepository(db, logger)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM invoices WHERE tenant_id = $1 AND status = $2 AND paid_on >= $3 AND paid_on < $4")).
			WithArgs(tenantID, "paid", q.Window.Start, q.Window.End).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("1250.50"))

		v, err := repo.Revenue(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, 1250.5, v)
	})

	t.Run("should narrow to the workspace scope", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewOperationalKPIRepository(db, logger)
		scope := uuid.New()
		scopedQuery := q
		scopedQuery.ScopeID = &scope

		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE tenant_id = $1 AND workspace_id = $2 AND health = $3")).
			WithArgs(tenantID, scope, "at_risk").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

		v, err := repo.AtRiskAccounts(context.Background(), scopedQuery)
		require.NoError(t, err)
		assert.Equal(t, 4.0, v)
	})

	t.Run("should return 500 on query failure", func(t *testing.T) {
		db, mock, logger := newTestDB(t)
		repo := NewOperationalKPIRepository(db, logger)

		mock.ExpectQuery("FROM work_orders").WillReturnError(assert.AnError)

		_, err := repo.OnTimeDelivery(context.Background(), q)
		assertStatus(t, err, http.StatusInternalServerError)
	})
}
