package server

import (
	"context"
	"errors"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
)

const reasonActorNotPermitted = "ACTOR_NOT_PERMITTED"

// requireActor returns the verified caller, which must hold one of roles.
func requireActor(ctx context.Context, roles ...string) (auth.Actor, error) {
	a, ok := auth.ActorFromContext(ctx)
	if !ok || a.ID == "" {
		return auth.Actor{}, unauthenticated()
	}
	if len(roles) > 0 && !a.Is(roles...) {
		return auth.Actor{}, ledger.Forbidden(reasonActorNotPermitted, "role %q may not perform this operation", a.Role).With("role", a.Role)
	}
	return a, nil
}

// requireVendorOwner admits the user owning vendorID, and admins when
// allowAdmin is set.
func (g *Gateway) requireVendorOwner(ctx context.Context, vendorID string, allowAdmin bool) (auth.Actor, ledger.Vendor, error) {
	a, err := requireActor(ctx)
	if err != nil {
		return auth.Actor{}, ledger.Vendor{}, err
	}
	v, err := g.Engine.Directory().Vendor(ctx, vendorID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return auth.Actor{}, ledger.Vendor{}, ledger.NotFound(ledger.ReasonVendorNotFound, "vendor %s not found", vendorID)
	}
	if err != nil {
		return auth.Actor{}, ledger.Vendor{}, err
	}
	if allowAdmin && a.Is(auth.RoleAdmin) {
		return a, v, nil
	}
	if v.OwnerUserID != a.ID {
		return auth.Actor{}, ledger.Vendor{}, ledger.Forbidden(reasonActorNotPermitted, "only the vendor owner may access vendor %s", vendorID)
	}
	return a, v, nil
}
