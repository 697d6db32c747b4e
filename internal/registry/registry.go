package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
)

// Registry holds the currently enabled, classified consumers and answers
// discovery queries by tenant and role.
type Registry struct {
	logger zerolog.Logger

	mu    sync.Mutex
	byKey map[string]consumer.Identity
}

// New returns an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
		byKey:  make(map[string]consumer.Identity),
	}
}

// Apply classifies a manifest and upserts the consumer when enabled, or
// removes it when disabled. It returns the classified identity and whether
// the consumer is now enabled.
func (r *Registry) Apply(manifest Manifest) (consumer.Identity, bool, error) {
	id, err := manifest.Identity()
	if err != nil {
		return consumer.Identity{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !manifest.IsEnabled() {
		delete(r.byKey, id.Key())
		return id, false, nil
	}
	r.byKey[id.Key()] = id
	return id, true, nil
}

// Remove drops a consumer from the enabled set.
func (r *Registry) Remove(tenant callmodel.Tenant, process string) (consumer.Identity, bool) {
	key := string(tenant) + "/" + process
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if ok {
		delete(r.byKey, key)
	}
	return id, ok
}

// Lookup returns the enabled identity for one tenant/process pair.
func (r *Registry) Lookup(tenant callmodel.Tenant, process string) (consumer.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[string(tenant)+"/"+process]
	return id, ok
}

// Discover returns candidates for a tenant matching the role filter.
// Same-tenant candidates are returned first; consumers holding the
// cross-tenant grant are visible to every tenant's discovery and follow in
// deterministic order.
func (r *Registry) Discover(tenant callmodel.Tenant, roles ...consumer.Role) []consumer.Identity {
	wanted := make(map[consumer.Role]bool, len(roles))
	for _, role := range roles {
		wanted[role] = true
	}

	r.mu.Lock()
	all := make([]consumer.Identity, 0, len(r.byKey))
	for _, id := range r.byKey {
		all = append(all, id)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })

	sameTenant := make([]consumer.Identity, 0, len(all))
	crossTenant := make([]consumer.Identity, 0)
	for _, id := range all {
		if len(wanted) > 0 && !wanted[id.Role] {
			continue
		}
		if id.Tenant == tenant {
			sameTenant = append(sameTenant, id)
			continue
		}
		if id.Capabilities.CrossTenant {
			crossTenant = append(crossTenant, id)
		}
	}
	return append(sameTenant, crossTenant...)
}
