// Package context carries request-scoped values (request id, route, session identity) on a context.Context.
package context

import (
	"context"
	"strings"
)

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MethodKey    = ContextKey("X-Method")
	RouteKey     = ContextKey("X-Route")
	RemoteIPKey  = ContextKey("X-Remote-Ip")
	TenantIDKey  = ContextKey("X-Tenant-Id")
	UserIDKey    = ContextKey("X-User-Id")
	RolesKey     = ContextKey("X-User-Roles")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return getString(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return getString(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return getString(ctx, RemoteIPKey)
}

// SetTenantID binds the session tenant. Only the session middleware should call this;
// bearer-authenticated ingestion carries its tenant explicitly instead.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	return getString(ctx, TenantIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

func SetRoles(ctx context.Context, roles []string) context.Context {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" {
			normalized = append(normalized, role)
		}
	}
	return context.WithValue(ctx, RolesKey, normalized)
}

func GetRoles(ctx context.Context) []string {
	value, ok := ctx.Value(RolesKey).([]string)
	if !ok {
		return nil
	}
	return value
}

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}
