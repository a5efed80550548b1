package tenant

import (
	"fmt"
	"sync"

	"github.com/nulzo/model-publisher/internal/core/domain"
)

// Directory knows the tenants the platform serves and the namespace each one
// maps to.
type Directory struct {
	mu         sync.RWMutex
	namespaces map[string]string
}

func NewDirectory() *Directory {
	return &Directory{namespaces: make(map[string]string)}
}

// Register adds or replaces a tenant. An empty namespace defaults to the
// tenant ID, the usual one-namespace-per-tenant layout.
func (d *Directory) Register(tenantID, namespace string) {
	if namespace == "" {
		namespace = tenantID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.namespaces[tenantID] = namespace
}

// Namespace returns the cluster namespace for a known tenant.
func (d *Directory) Namespace(tenantID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ns, ok := d.namespaces[tenantID]
	return ns, ok
}

// Resolver performs the tenant authorization check. It is a pure decision:
// no side effects, no I/O.
type Resolver struct {
	directory *Directory
}

func NewResolver(directory *Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve determines which tenant the caller may act on.
//
// A regular tenant identity may only act on its own tenant. A platform admin
// may act on any known tenant but must say which one; there is no implicit
// default for admins.
func (r *Resolver) Resolve(id domain.Identity, requestedTenantID string) (string, error) {
	if id.Admin {
		if requestedTenantID == "" {
			return "", domain.ValidationError("tenant required for admin operations")
		}
		if _, ok := r.directory.Namespace(requestedTenantID); !ok {
			return "", domain.NotFoundError(fmt.Sprintf("unknown tenant %q", requestedTenantID))
		}
		return requestedTenantID, nil
	}

	if id.TenantID == "" {
		return "", domain.AuthorizationError("caller has no tenant identity")
	}

	// Absent tenant on a tenant call means "my own".
	if requestedTenantID == "" || requestedTenantID == id.TenantID {
		return id.TenantID, nil
	}

	return "", domain.AuthorizationError(
		fmt.Sprintf("tenant %q may not act on tenant %q", id.TenantID, requestedTenantID))
}
