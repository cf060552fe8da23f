// Package shield resolves shield addresses (<prefix>@<service-domain>)
// to the owning user's real delivery address. The mapping itself is a
// read-only projection owned by user management; this package only
// looks it up.
package shield

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthmail/gateway/internal/email"
)

var (
	// ErrMalformedAddress is returned for recipients that are not local@domain.
	ErrMalformedAddress = errors.New("malformed recipient address")
	// ErrDomainNotServiced is returned when the domain is not a configured service domain.
	ErrDomainNotServiced = errors.New("domain not serviced")
	// ErrUnknownShield is returned when no shield address matches the recipient.
	ErrUnknownShield = errors.New("unknown shield address")
	// ErrInactiveUser is returned when the owning user is deactivated.
	ErrInactiveUser = errors.New("user inactive")
)

// Record is one row of the shield-address projection.
type Record struct {
	UserID          string
	DeliveryAddress string
	ShieldActive    bool
	UserActive      bool
}

// Resolver answers shield-address lookups. Implementations must respond
// quickly (the router applies a deadline) because lookups block a worker.
type Resolver interface {
	Lookup(ctx context.Context, prefix, domain string) (*Record, error)
}

// RoutingContext is the result of a successful resolution.
type RoutingContext struct {
	UserID          string
	DeliveryAddress string
	ShieldPrefix    string
}

// Router validates recipients against the configured service domains and
// resolves them through the projection.
type Router struct {
	domains  map[string]bool
	resolver Resolver
	timeout  time.Duration
}

// NewRouter creates a router for the given service domains.
func NewRouter(serviceDomains []string, resolver Resolver) *Router {
	domains := make(map[string]bool, len(serviceDomains))
	for _, d := range serviceDomains {
		domains[email.NormalizeAddress(d)] = true
	}
	return &Router{
		domains:  domains,
		resolver: resolver,
		timeout:  50 * time.Millisecond,
	}
}

// Resolve maps a recipient address to the owning user. Matching is
// case-insensitive on both local part and domain.
func (r *Router) Resolve(ctx context.Context, recipient string) (*RoutingContext, error) {
	normalized := email.NormalizeAddress(recipient)

	local, domain, ok := email.SplitAddress(normalized)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAddress, recipient)
	}
	if !r.domains[domain] {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotServiced, domain)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.resolver.Lookup(ctx, local, domain)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.ShieldActive {
		return nil, ErrUnknownShield
	}
	if !rec.UserActive {
		return nil, ErrInactiveUser
	}

	return &RoutingContext{
		UserID:          rec.UserID,
		DeliveryAddress: rec.DeliveryAddress,
		ShieldPrefix:    local,
	}, nil
}

// Serviced reports whether the domain is one of the configured service
// domains.
func (r *Router) Serviced(domain string) bool {
	return r.domains[email.NormalizeAddress(domain)]
}
