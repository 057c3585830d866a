package model

import (
	"context"
	"errors"
	"slices"
)

// RequestContext is the actor behind an operation: a human subject acting
// for a tenant, or the scheduler acting for one. Treat it as read-only once
// built.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string

	// System marks the scheduler acting without a human actor.
	System bool
}

// SystemContext returns the actor used for auto-triggered transitions.
func SystemContext(tenantID string) *RequestContext {
	return &RequestContext{TenantID: tenantID, System: true}
}

var (
	errNoSubject = errors.New("subject is required")
	errNoTenant  = errors.New("tenant is required")
)

// Validate reports missing identity. Only the system actor may omit the
// subject.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" && !rc.System {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

// HasRole reports whether the actor holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (rc *RequestContext) HasAnyRole(roles []string) bool {
	return slices.ContainsFunc(roles, rc.HasRole)
}

// MayFire applies the role guard of tr to the actor. A nil AllowedRoles lets
// any authenticated actor through; an empty non-nil list admits no human.
// The system actor may always fire auto-trigger edges.
func (rc *RequestContext) MayFire(tr TransitionDefinition) bool {
	if tr.AutoTrigger && rc.System {
		return true
	}
	if tr.AllowedRoles == nil {
		return true
	}
	return rc.HasAnyRole(tr.AllowedRoles)
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the attached RequestContext, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
