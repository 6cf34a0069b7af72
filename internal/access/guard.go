package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/redirect"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// Outcome is the result of a guard decision.
type Outcome int

const (
	// Allow lets the request through.
	Allow Outcome = iota
	// Redirect sends the caller to Decision.Target.
	Redirect
)

func (o Outcome) String() string {
	if o == Allow {
		return "allow"
	}
	return "redirect"
}

// Requirement is what a route demands of the caller's organization.
type Requirement int

const (
	RequireShipper Requirement = iota
	RequireForwarder
	RequireNoOrganization
	RequireAnyOrganization
)

// String is the guard label used in metrics and logs.
func (r Requirement) String() string {
	switch r {
	case RequireShipper:
		return "require_shipper"
	case RequireForwarder:
		return "require_forwarder"
	case RequireNoOrganization:
		return "require_no_organization"
	case RequireAnyOrganization:
		return "require_any_organization"
	default:
		return "unknown"
	}
}

// orgType returns the organization type r demands, if any.
func (r Requirement) orgType() (models.OrgType, bool) {
	switch r {
	case RequireShipper:
		return models.OrgTypeShipper, true
	case RequireForwarder:
		return models.OrgTypeForwarder, true
	}
	return "", false
}

// Decision reasons.
const (
	ReasonOK              = "ok"
	ReasonUnauthenticated = "unauthenticated"
	ReasonNoOrganization  = "no_organization"
	ReasonWrongOrgType    = "wrong_org_type"
	ReasonHasOrganization = "has_organization"
	ReasonStoreError      = "store_error"
)

// OrgContext is the access context handed to downstream code on ALLOW.
// OrganizationID is empty only for RequireNoOrganization decisions.
type OrgContext struct {
	UserID           string
	OrganizationID   string
	OrganizationName string
	OrgType          models.OrgType
}

// Decision is the outcome of one guard evaluation.
type Decision struct {
	Outcome  Outcome
	Target   string
	Reason   string
	Identity *auth.Identity
	Access   *OrgContext

	// StaleClaim is set when the session's org-type claim disagrees with
	// the membership store.
	StaleClaim bool
}

// Guard evaluates route requirements against the request scope installed by
// auth.WithScope.
type Guard struct {
	memberships *MembershipResolver
}

// NewGuard creates a guard backed by memberships.
func NewGuard(memberships *MembershipResolver) *Guard {
	return &Guard{memberships: memberships}
}

// RequireForwarder allows members of a forwarder organization.
func (g *Guard) RequireForwarder(ctx context.Context) (Decision, error) {
	return g.Check(ctx, RequireForwarder)
}

// RequireShipper allows members of a shipper organization.
func (g *Guard) RequireShipper(ctx context.Context) (Decision, error) {
	return g.Check(ctx, RequireShipper)
}

// RequireNoOrganization allows signed-in users who have not onboarded yet.
func (g *Guard) RequireNoOrganization(ctx context.Context) (Decision, error) {
	return g.Check(ctx, RequireNoOrganization)
}

// RequireAnyOrganization allows members of any organization.
func (g *Guard) RequireAnyOrganization(ctx context.Context) (Decision, error) {
	return g.Check(ctx, RequireAnyOrganization)
}

// Check evaluates req. An error is returned only when the membership store
// fails or ctx is cancelled; it is never turned into a redirect.
func (g *Guard) Check(ctx context.Context, req Requirement) (Decision, error) {
	d, err := g.decide(ctx, req)
	if err != nil {
		telemetry.AccessDecisionsTotal.WithLabelValues(req.String(), "error", ReasonStoreError).Inc()
		return Decision{}, err
	}
	telemetry.AccessDecisionsTotal.WithLabelValues(req.String(), d.Outcome.String(), d.Reason).Inc()
	return d, nil
}

func (g *Guard) decide(ctx context.Context, req Requirement) (Decision, error) {
	scope, _ := auth.ScopeFromContext(ctx)
	var id *auth.Identity
	if scope != nil {
		id = scope.Identity(ctx)
	}
	if id == nil {
		target := redirect.SignInPath
		if scope != nil {
			if p, ok := redirect.CurrentPath(scope.Headers()); ok {
				target = redirect.BuildSignInURL(p)
			}
		}
		return Decision{Outcome: Redirect, Target: target, Reason: ReasonUnauthenticated}, nil
	}

	org, err := g.memberships.RequireOrganization(ctx, id.UserID)
	hasOrg := true
	if errors.Is(err, ErrNoActiveMembership) {
		hasOrg = false
	} else if err != nil {
		return Decision{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, fmt.Errorf("access decision abandoned: %w", err)
	}

	d := Decision{Identity: id, StaleClaim: claimIsStale(id.ClaimedOrgType, org, hasOrg)}
	if d.StaleClaim {
		telemetry.SessionClaimStaleTotal.Inc()
		slog.InfoContext(ctx, "session org-type claim disagrees with membership store",
			"user_id", id.UserID,
			"claimed", claimString(id.ClaimedOrgType),
			"effective", string(org.Type))
	}

	if req == RequireNoOrganization {
		if hasOrg {
			d.Outcome, d.Target, d.Reason = Redirect, redirect.DashboardPath, ReasonHasOrganization
			return d, nil
		}
		d.Outcome, d.Reason = Allow, ReasonOK
		d.Access = &OrgContext{UserID: id.UserID}
		return d, nil
	}

	if !hasOrg {
		d.Outcome, d.Target, d.Reason = Redirect, redirect.OnboardingPath, ReasonNoOrganization
		return d, nil
	}

	if want, ok := req.orgType(); ok && want != org.Type {
		d.Outcome, d.Target, d.Reason = Redirect, redirect.HomePath(org.Type), ReasonWrongOrgType
		return d, nil
	}

	d.Outcome, d.Reason = Allow, ReasonOK
	d.Access = &OrgContext{
		UserID:           id.UserID,
		OrganizationID:   org.ID,
		OrganizationName: org.Name,
		OrgType:          org.Type,
	}
	return d, nil
}

// claimIsStale compares the session hint against the store. A missing claim
// for a user who has since onboarded counts as stale, as does a claim for a
// user whose membership was removed.
func claimIsStale(claim *models.OrgType, org Organization, hasOrg bool) bool {
	if claim == nil {
		return hasOrg
	}
	return !hasOrg || *claim != org.Type
}

func claimString(claim *models.OrgType) string {
	if claim == nil {
		return ""
	}
	return string(*claim)
}

type orgContextKey struct{}

// WithOrgContext installs an allowed access context in ctx.
func WithOrgContext(ctx context.Context, oc *OrgContext) context.Context {
	return context.WithValue(ctx, orgContextKey{}, oc)
}

// OrgContextFrom returns the access context installed by WithOrgContext.
func OrgContextFrom(ctx context.Context) (*OrgContext, bool) {
	oc, ok := ctx.Value(orgContextKey{}).(*OrgContext)
	return oc, ok && oc != nil
}
