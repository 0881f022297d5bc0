// Package registry holds the host roster and transfer recipe tables.
//
// Both tables are loaded once at startup from a YAML roster file (see
// LoadFile) and are immutable afterwards. Lookups are O(1) map reads with no
// locking. A missing alias or recipe name is a domain error returned to the
// caller, never a panic.
package registry

import (
	"fmt"
	"sort"

	"github.com/ppops/stub-gateway/internal/protocol"
)

// HostConfig describes one SSH endpoint reachable through the gateway.
type HostConfig struct {
	Alias    string
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port dial string.
func (h HostConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// TransferRecipe describes a named server-to-server file copy.
type TransferRecipe struct {
	Name     string
	SrcAlias string
	SrcPath  string
	DstAlias string
	DstPath  string
}

// Registry is the immutable lookup table for hosts and transfer recipes.
type Registry struct {
	hosts     map[string]HostConfig
	transfers map[string]TransferRecipe
}

// New builds a Registry from the given hosts and recipes, validating every
// entry. Validation failures are returned as a single error so startup can
// fail with the full picture.
func New(hosts []HostConfig, transfers []TransferRecipe) (*Registry, error) {
	r := &Registry{
		hosts:     make(map[string]HostConfig, len(hosts)),
		transfers: make(map[string]TransferRecipe, len(transfers)),
	}

	for _, h := range hosts {
		if h.Alias == "" {
			return nil, fmt.Errorf("host entry with empty alias")
		}
		if _, dup := r.hosts[h.Alias]; dup {
			return nil, fmt.Errorf("duplicate host alias %q", h.Alias)
		}
		if h.Host == "" {
			return nil, fmt.Errorf("host %q: empty host address", h.Alias)
		}
		if h.Port < 1 || h.Port > 65535 {
			return nil, fmt.Errorf("host %q: port %d out of range 1..65535", h.Alias, h.Port)
		}
		if h.Username == "" {
			return nil, fmt.Errorf("host %q: empty username", h.Alias)
		}
		r.hosts[h.Alias] = h
	}

	for _, t := range transfers {
		if t.Name == "" {
			return nil, fmt.Errorf("transfer entry with empty name")
		}
		if _, dup := r.transfers[t.Name]; dup {
			return nil, fmt.Errorf("duplicate transfer name %q", t.Name)
		}
		if _, ok := r.hosts[t.SrcAlias]; !ok {
			return nil, fmt.Errorf("transfer %q: unknown source alias %q", t.Name, t.SrcAlias)
		}
		if _, ok := r.hosts[t.DstAlias]; !ok {
			return nil, fmt.Errorf("transfer %q: unknown destination alias %q", t.Name, t.DstAlias)
		}
		if t.SrcPath == "" || t.DstPath == "" {
			return nil, fmt.Errorf("transfer %q: empty source or destination path", t.Name)
		}
		r.transfers[t.Name] = t
	}

	return r, nil
}

// ResolveHost returns the configuration for a host alias.
func (r *Registry) ResolveHost(alias string) (HostConfig, error) {
	h, ok := r.hosts[alias]
	if !ok {
		return HostConfig{}, protocol.NewError(protocol.CodeSSHConnectFailed,
			fmt.Sprintf("server %q not found in configuration", alias))
	}
	return h, nil
}

// ResolveTransfer returns the configuration for a transfer recipe name.
func (r *Registry) ResolveTransfer(name string) (TransferRecipe, error) {
	t, ok := r.transfers[name]
	if !ok {
		return TransferRecipe{}, protocol.NewError(protocol.CodeSCPFailed,
			fmt.Sprintf("transfer %q not found in configuration", name))
	}
	return t, nil
}

// AllHosts returns every configured host, sorted by alias for stable output.
func (r *Registry) AllHosts() []HostConfig {
	hosts := make([]HostConfig, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Alias < hosts[j].Alias })
	return hosts
}
