package tenant

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

var (
	// ErrTenantNotFound means the key is valid but maps to no tenant.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrLookupUnavailable means the lookup backend could not be reached.
	ErrLookupUnavailable = errors.New("tenant lookup unavailable")
)

// Identity attributes an event to an organization and a reporting host.
type Identity struct {
	TenantID string `json:"tenant_id"`
	HostID   string `json:"host_id"`
}

// Resolver maps an already-authenticated API key to a tenant identity.
// Key validation is not its concern; see auth.KeyValidator.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (Identity, error)
}

// StaticResolver returns the same identity for every key.
// It stands in until keys are backed by a lookup service.
type StaticResolver struct {
	identity Identity
}

func NewStaticResolver(tenantID, hostID string) *StaticResolver {
	return &StaticResolver{identity: Identity{TenantID: tenantID, HostID: hostID}}
}

func (r *StaticResolver) Resolve(_ context.Context, _ string) (Identity, error) {
	return r.identity, nil
}

// CachingResolver memoizes successful lookups of an inner resolver for ttl.
// Failures are never cached so a recovered backend is picked up on the next request.
type CachingResolver struct {
	inner Resolver
	cache *cache.Cache
}

func NewCachingResolver(inner Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, apiKey string) (Identity, error) {
	if v, ok := r.cache.Get(apiKey); ok {
		return v.(Identity), nil
	}
	id, err := r.inner.Resolve(ctx, apiKey)
	if err != nil {
		return Identity{}, err
	}
	r.cache.SetDefault(apiKey, id)
	return id, nil
}
