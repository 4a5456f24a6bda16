// Package tenant holds the namespace and quota model plus credential
// resolution. Token decoding itself is out of scope; keys are opaque
// strings mapped to tenants at configuration time.
package tenant

import (
	"net/http"
	"strings"
	"sync"

	"github.com/thebtf/vexdb/internal/ratelimit"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Quotas bound what a tenant may hold.
type Quotas struct {
	MaxDatasets          int   `json:"max_datasets" yaml:"max_datasets"`
	MaxVectorsPerDataset int   `json:"max_vectors_per_dataset" yaml:"max_vectors_per_dataset"`
	MaxBytes             int64 `json:"max_bytes" yaml:"max_bytes"`
}

// DefaultQuotas apply to tenants without explicit limits.
var DefaultQuotas = Quotas{MaxDatasets: 100, MaxVectorsPerDataset: 1_000_000, MaxBytes: 10 << 30}

// Tenant is the isolation and quota unit.
type Tenant struct {
	ID          string            `json:"id" yaml:"id"`
	Active      bool              `json:"active" yaml:"active"`
	Permissions []string          `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Quotas      Quotas            `json:"quotas" yaml:"quotas"`
	RateLimits  *ratelimit.Quota  `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
	APIKeys     []string          `json:"-" yaml:"api_keys,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Can reports whether the tenant holds a permission. An empty permission
// set grants everything.
func (t *Tenant) Can(permission string) bool {
	if len(t.Permissions) == 0 {
		return true
	}
	for _, p := range t.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// Resolver maps credentials to tenants.
type Resolver struct {
	mu      sync.RWMutex
	byKey   map[string]*Tenant
	byID    map[string]*Tenant
	limiter *ratelimit.Limiter
}

// NewResolver builds a resolver over a static tenant set. Rate-limit
// overrides are pushed into the limiter as tenants register.
func NewResolver(tenants []*Tenant, limiter *ratelimit.Limiter) *Resolver {
	r := &Resolver{
		byKey:   make(map[string]*Tenant),
		byID:    make(map[string]*Tenant),
		limiter: limiter,
	}
	for _, t := range tenants {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tenant.
func (r *Resolver) Register(t *Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[t.ID]; ok {
		for _, k := range old.APIKeys {
			delete(r.byKey, k)
		}
	}
	r.byID[t.ID] = t
	for _, k := range t.APIKeys {
		r.byKey[k] = t
	}
	if r.limiter != nil && t.RateLimits != nil {
		r.limiter.SetQuota(t.ID, *t.RateLimits)
	}
}

// ByID looks a tenant up by identifier.
func (r *Resolver) ByID(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// FromRequest authenticates an inbound HTTP request. Supported forms are
// "Authorization: ApiKey <k>" and "Authorization: Bearer <token>"; bearer
// tokens are resolved through the same opaque key table since token
// decoding is delegated to the gateway.
func (r *Resolver) FromRequest(req *http.Request) (*Tenant, error) {
	return r.FromAuthorization(req.Header.Get("Authorization"))
}

// FromAuthorization resolves a raw Authorization header value.
func (r *Resolver) FromAuthorization(header string) (*Tenant, error) {
	if header == "" {
		return nil, verrors.New(verrors.CodeUnauthenticated, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return nil, verrors.New(verrors.CodeUnauthenticated, "malformed authorization header")
	}
	scheme, credential := parts[0], strings.TrimSpace(parts[1])
	switch strings.ToLower(scheme) {
	case "apikey", "bearer":
	default:
		return nil, verrors.New(verrors.CodeUnauthenticated, "unsupported authorization scheme %q", scheme)
	}

	r.mu.RLock()
	t, ok := r.byKey[credential]
	r.mu.RUnlock()
	if !ok {
		return nil, verrors.New(verrors.CodeUnauthenticated, "unknown credential")
	}
	if !t.Active {
		return nil, verrors.New(verrors.CodePermissionDenied, "tenant %s is suspended", t.ID)
	}
	return t, nil
}

// Authorize checks that ownerID belongs to the caller. Cross-tenant access
// reports NotFound rather than PermissionDenied so dataset existence never
// leaks across tenants.
func Authorize(caller *Tenant, ownerID, resource, resourceID string) error {
	if caller == nil {
		return verrors.New(verrors.CodeUnauthenticated, "no tenant in request context")
	}
	if caller.ID != ownerID {
		return verrors.NotFound(resource, resourceID)
	}
	return nil
}
