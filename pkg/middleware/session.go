package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/clasak/compassiq/pkg/context"
	apperrors "github.com/clasak/compassiq/pkg/errors"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

const (
	// SessionCookie carries the session token for browser callers.
	SessionCookie = "session"
	// HeaderSessionToken carries the session token for non-browser callers.
	HeaderSessionToken = "X-Session-Token"

	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	sessionKey = "session"
)

var (
	ErrNoCredentials      = errors.New("no session credentials")
	ErrInvalidCredentials = errors.New("invalid session credentials")
)

// SessionVerifier establishes the session of a request.
type SessionVerifier interface {
	Verify(ctx context.Context, req *http.Request) (*models.Session, error)
}

type sessionClaims struct {
	Sub         string `json:"sub"`
	TenantID    string `json:"tenant_id"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// OIDCVerifier verifies session tokens issued by an OIDC provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, req *http.Request) (*models.Session, error) {
	raw := req.Header.Get(HeaderSessionToken)
	if raw == "" {
		if cookie, err := req.Cookie(SessionCookie); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		return nil, ErrNoCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, errors.Join(ErrInvalidCredentials, err)
	}

	var claims sessionClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Join(ErrInvalidCredentials, err)
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, errors.Join(ErrInvalidCredentials, err)
	}

	return &models.Session{UserID: claims.Sub, TenantID: tenantID, Roles: claims.RealmAccess.Roles}, nil
}

// HeaderVerifier trusts identity headers. It is used when AUTH_ENABLED is false.
type HeaderVerifier struct{}

func (HeaderVerifier) Verify(_ context.Context, req *http.Request) (*models.Session, error) {
	rawTenant := req.Header.Get(HeaderTenantID)
	if rawTenant == "" {
		return nil, ErrNoCredentials
	}

	tenantID, err := uuid.Parse(rawTenant)
	if err != nil {
		return nil, errors.Join(ErrInvalidCredentials, err)
	}

	var roles []string
	for _, role := range strings.Split(req.Header.Get(HeaderUserRole), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}

	return &models.Session{UserID: req.Header.Get(HeaderUserID), TenantID: tenantID, Roles: roles}, nil
}

// Session establishes the caller's session. When required is false a request without a valid
// session continues anonymously.
func Session(logger ectologger.Logger, verifier SessionVerifier, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracing.StartSpan(c.Request().Context(), "middleware.Session")
			defer span.End()

			session, err := verifier.Verify(ctx, c.Request())
			if err != nil {
				if !errors.Is(err, ErrNoCredentials) {
					logger.WithContext(ctx).WithError(err).Warn("session is invalid")
				}
				if required {
					return apperrors.NewAuthenticationError("authentication required")
				}
				return next(c)
			}

			ctx = c.Request().Context()
			ctx = appctx.SetTenantID(ctx, session.TenantID.String())
			ctx = appctx.SetUserID(ctx, session.UserID)
			ctx = appctx.SetRoles(ctx, session.Roles)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(sessionKey, session)

			return next(c)
		}
	}
}

// GetSession returns the session established by Session, or nil.
func GetSession(c echo.Context) *models.Session {
	session, _ := c.Get(sessionKey).(*models.Session)
	return session
}

// RequireRole rejects sessions that hold none of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !GetSession(c).HasAnyRole(roles...) {
				return apperrors.NewAuthorizationError("insufficient role")
			}
			return next(c)
		}
	}
}
