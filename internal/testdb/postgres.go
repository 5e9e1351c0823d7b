// Package testdb starts a disposable migrated PostgreSQL for integration tests.
package testdb

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/fingerprint"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresUser  = "compassiq"
)

// Postgres is a running container with the schema applied.
type Postgres struct {
	DB     database.DB
	SQL    *sqlx.DB
	Logger ectologger.Logger
}

// StartPostgres runs the container and applies the migrations found in migrationsDir. The container
// is terminated when the test finishes.
func StartPostgres(t *testing.T, migrationsDir string) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresUser,
				"POSTGRES_DB":       postgresUser,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port.Port(), postgresUser, postgresUser, postgresUser)
	sqlDB, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	folder, err := filepath.Abs(migrationsDir)
	require.NoError(t, err)
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: folder})
	require.NoError(t, migrations.MigratePostgres(postgresUser, sqlDB.DB))

	return &Postgres{
		DB:     database.NewDatabaseInstance(sqlDB, logger),
		SQL:    sqlDB,
		Logger: logger,
	}
}

// SeedConnection inserts a tenant and a webhook connection authenticated by token.
func (p *Postgres) SeedConnection(t *testing.T, readOnly bool, token string) (tenantID, connectionID uuid.UUID) {
	t.Helper()
	tenantID, connectionID = uuid.New(), uuid.New()
	_, err := p.SQL.Exec(`INSERT INTO tenants (id, name, is_read_only) VALUES ($1, 'Acme', $2)`, tenantID, readOnly)
	require.NoError(t, err)
	_, err = p.SQL.Exec(`INSERT INTO source_connections (id, tenant_id, type, name, token_hash) VALUES ($1, $2, 'webhook', 'hook', $3)`,
		connectionID, tenantID, fingerprint.HashToken(token))
	require.NoError(t, err)
	return tenantID, connectionID
}

// SeedMapping stores an active mapping document for the connection.
func (p *Postgres) SeedMapping(t *testing.T, tenantID, connectionID uuid.UUID, target string, document []byte) {
	t.Helper()
	_, err := p.SQL.Exec(`INSERT INTO field_mappings (tenant_id, connection_id, target, document) VALUES ($1, $2, $3, $4)`,
		tenantID, connectionID, target, string(document))
	require.NoError(t, err)
}
