package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// ErrNoPrincipal is returned when the context carries no Principal.
var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// GetOrganizationID returns the organization bound to the context's Principal.
func GetOrganizationID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	if p.GetOrganizationID() == "" {
		return "", errors.New("principal has no organization binding")
	}
	return p.GetOrganizationID(), nil
}

// SystemActor is recorded when no principal is attached to the context.
const SystemActor = "system"

// ActorFromContext returns the acting principal's ID, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	p, err := GetPrincipal(ctx)
	if err != nil || p.GetID() == "" {
		return SystemActor
	}
	return p.GetID()
}

// SystemContext binds a system principal for orgID, used by CLI commands and jobs.
func SystemContext(ctx context.Context, orgID string) context.Context {
	return WithPrincipal(ctx, &BasePrincipal{ID: SystemActor, OrganizationID: orgID, Roles: []string{RoleAdmin}})
}
