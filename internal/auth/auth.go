// Package auth resolves bearer tokens to principals and enforces tenant
// scoping. Two modes: "none" (every request is an admin, for local dev)
// and "static" (a global admin key plus a YAML file of per-tenant keys).
package auth

import (
	"crypto/subtle"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowlexi/patchvec/internal/pverr"
)

// Principal is the resolved identity of a request.
type Principal struct {
	// Admin principals may operate on any tenant.
	Admin bool

	// Tenants holds the tenant slugs a non-admin key is scoped to.
	Tenants map[string]bool
}

// CanAccess reports whether the principal may operate on the tenant.
func (p *Principal) CanAccess(tenant string) bool {
	return p.Admin || p.Tenants[tenant]
}

// Authorize returns a forbidden error when the principal is not scoped to
// the tenant. Tenant existence is never revealed to unauthorized keys.
func (p *Principal) Authorize(tenant string) error {
	if !p.CanAccess(tenant) {
		return pverr.Forbidden("key is not authorized for tenant %q", tenant)
	}
	return nil
}

// Config mirrors the auth section of the service configuration.
type Config struct {
	Mode        string
	GlobalKey   string
	TenantsFile string
}

// Resolver maps bearer tokens to principals.
type Resolver struct {
	open      bool
	globalKey string
	keys      map[string]*Principal
}

// tenantsFile is the YAML shape of the static key file:
//
//	keys:
//	  sk-acme-rw:
//	    tenants: [acme]
//	  sk-ops:
//	    admin: true
type tenantsFile struct {
	Keys map[string]struct {
		Tenants []string `yaml:"tenants"`
		Admin   bool     `yaml:"admin"`
	} `yaml:"keys"`
}

// New builds a resolver from configuration.
func New(cfg Config) (*Resolver, error) {
	switch cfg.Mode {
	case "", "none":
		return &Resolver{open: true}, nil
	case "static":
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}

	r := &Resolver{globalKey: cfg.GlobalKey, keys: make(map[string]*Principal)}

	if cfg.TenantsFile != "" {
		data, err := os.ReadFile(cfg.TenantsFile)
		if err != nil {
			return nil, fmt.Errorf("reading tenants file %s: %w", cfg.TenantsFile, err)
		}
		var tf tenantsFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parsing tenants file %s: %w", cfg.TenantsFile, err)
		}
		for key, entry := range tf.Keys {
			if key == "" {
				return nil, fmt.Errorf("tenants file %s: empty key", cfg.TenantsFile)
			}
			p := &Principal{Admin: entry.Admin, Tenants: make(map[string]bool, len(entry.Tenants))}
			for _, tenant := range entry.Tenants {
				p.Tenants[tenant] = true
			}
			r.keys[key] = p
		}
	}

	if r.globalKey == "" && len(r.keys) == 0 {
		return nil, fmt.Errorf("static auth mode requires a global key or a tenants file")
	}
	return r, nil
}

// Resolve maps a bearer token to a principal. Unknown or missing tokens
// yield an unauthorized error.
func (r *Resolver) Resolve(token string) (*Principal, error) {
	if r.open {
		return &Principal{Admin: true}, nil
	}
	if token == "" {
		return nil, pverr.Unauthorized("missing bearer token")
	}
	if r.globalKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(r.globalKey)) == 1 {
		return &Principal{Admin: true}, nil
	}
	if p, ok := r.keys[token]; ok {
		return p, nil
	}
	return nil, pverr.Unauthorized("unknown bearer token")
}
