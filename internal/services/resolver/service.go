// Package resolver authenticates ingestion requests and resolves the connection they write to.
package resolver

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/fingerprint"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const (
	ViaBearer  = "bearer"
	ViaSession = "session"
)

// Request is what the resolver needs from an inbound ingestion call.
type Request struct {
	// BearerToken is the raw credential, without the "Bearer " prefix.
	BearerToken string
	Session     *models.Session
	// ConnectionID is the connection query parameter used with a session.
	ConnectionID string
}

type Service struct {
	logger      ectologger.Logger
	connections repositories.ConnectionRepo
	tenants     repositories.TenantRepo
}

func NewService(logger ectologger.Logger, connections repositories.ConnectionRepo, tenants repositories.TenantRepo) *Service {
	return &Service{
		logger:      logger,
		connections: connections,
		tenants:     tenants,
	}
}

// Resolve returns the connection identity for req. It has no side effects; every failure is an
// *errors.IngestError except unexpected storage failures.
func (s *Service) Resolve(ctx context.Context, req Request) (models.ConnectionContext, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolve")
	defer span.End()

	if token := strings.TrimSpace(req.BearerToken); token != "" {
		return s.resolveBearer(ctx, token)
	}
	return s.resolveSession(ctx, req.Session, req.ConnectionID)
}

func (s *Service) resolveBearer(ctx context.Context, token string) (models.ConnectionContext, error) {
	conn, err := s.connections.GetActiveByTokenHash(ctx, fingerprint.HashToken(token), models.ConnectionTypeWebhook)
	if repositories.IsNotFound(err) {
		s.logger.WithContext(ctx).Warn("rejected ingestion with unknown or inactive credential")
		return models.ConnectionContext{}, errors.NewAuthenticationError("invalid credentials")
	}
	if err != nil {
		return models.ConnectionContext{}, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":     conn.TenantID,
		"connection_id": conn.ID,
		"via":           ViaBearer,
	}).Debug("resolved ingestion connection")

	return models.ConnectionContext{
		TenantID:         conn.TenantID,
		ConnectionID:     conn.ID,
		IsReadOnlyTenant: conn.IsReadOnlyTenant,
		Via:              ViaBearer,
	}, nil
}

func (s *Service) resolveSession(ctx context.Context, session *models.Session, rawConnectionID string) (models.ConnectionContext, error) {
	if session == nil || session.TenantID == uuid.Nil {
		return models.ConnectionContext{}, errors.NewAuthenticationError("authentication required")
	}

	fields := map[string]any{
		"tenant_id": session.TenantID,
		"user_id":   session.UserID,
		"via":       ViaSession,
	}

	if !session.HasAnyRole(models.AdminRoles...) {
		s.logger.WithContext(ctx).WithFields(fields).Warn("session lacks an admin role for ingestion")
		return models.ConnectionContext{}, errors.NewAuthorizationError("admin role required")
	}

	tenant, err := s.tenants.GetByID(ctx, session.TenantID)
	if repositories.IsNotFound(err) {
		return models.ConnectionContext{}, errors.NewAuthenticationError("authentication required")
	}
	if err != nil {
		return models.ConnectionContext{}, err
	}
	if tenant.IsReadOnly {
		s.logger.WithContext(ctx).WithFields(fields).Info("blocked ingestion for read-only tenant")
		return models.ConnectionContext{}, errors.NewDemoReadOnlyError()
	}

	connectionID, err := uuid.Parse(strings.TrimSpace(rawConnectionID))
	if err != nil {
		return models.ConnectionContext{}, errors.NewNotFoundError("connection not found")
	}

	conn, err := s.connections.GetByID(ctx, session.TenantID, connectionID)
	if repositories.IsNotFound(err) {
		return models.ConnectionContext{}, errors.NewNotFoundError("connection not found")
	}
	if err != nil {
		return models.ConnectionContext{}, err
	}
	if !conn.IsActive() {
		return models.ConnectionContext{}, errors.NewNotFoundError("connection not found")
	}

	s.logger.WithContext(ctx).WithFields(fields).WithField("connection_id", conn.ID).Debug("resolved ingestion connection")

	return models.ConnectionContext{
		TenantID:         conn.TenantID,
		ConnectionID:     conn.ID,
		IsReadOnlyTenant: tenant.IsReadOnly,
		Via:              ViaSession,
	}, nil
}
