package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Host is a converge target: one machine with its roles, its location tag
// and the resource names that apply to it.
type Host struct {
	Hostname string            `json:"hostname"`
	Address  string            `json:"address,omitempty"`
	Port     int               `json:"port,omitempty"`
	User     string            `json:"user,omitempty"`
	Roles    []string          `json:"roles"`
	Location string            `json:"location"`
	Props    map[string]string `json:"properties,omitempty"`

	// Packages is the ordered resource list derived from Roles.
	Packages []string `json:"packages"`
}

// HasRole reports whether the host carries role.
func (h *Host) HasRole(role string) bool {
	for _, r := range h.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DialAddress returns the address to connect to, falling back to the hostname.
func (h *Host) DialAddress() string {
	if h.Address != "" {
		return h.Address
	}
	return h.Hostname
}

// Property returns a named property, or "" if unset.
func (h *Host) Property(key string) string {
	if h.Props == nil {
		return ""
	}
	return h.Props[key]
}

// Params returns the placeholder values derived from the host.
func (h *Host) Params() Params {
	return Params{
		PlaceholderHostname: h.Hostname,
		PlaceholderLocation: h.Location,
	}
}

// String implements fmt.Stringer.
func (h *Host) String() string {
	return h.Hostname
}

// RoleMap maps a role to the resource names it brings in.
type RoleMap map[string][]string

// Resolve expands roles into an ordered resource list. Roles without an entry
// contribute nothing. A name brought in by several roles appears once, at the
// position of its first occurrence.
func (m RoleMap) Resolve(roles []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, role := range roles {
		for _, name := range m[role] {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Inventory is the ordered set of known hosts.
type Inventory struct {
	hosts []*Host
	index map[string]*Host
}

// NewInventory creates an inventory and resolves each host's packages from
// roles. Hostnames must be unique.
func NewInventory(roles RoleMap, hosts ...*Host) (*Inventory, error) {
	inv := &Inventory{
		hosts: make([]*Host, 0, len(hosts)),
		index: make(map[string]*Host, len(hosts)),
	}
	for _, h := range hosts {
		if h.Hostname == "" {
			return nil, NewConfigurationError("host has empty hostname", nil)
		}
		if _, exists := inv.index[h.Hostname]; exists {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate host '%s'", h.Hostname), nil)
		}
		h.Packages = roles.Resolve(h.Roles)
		inv.hosts = append(inv.hosts, h)
		inv.index[h.Hostname] = h
	}
	return inv, nil
}

// Hosts returns all hosts in declaration order.
func (inv *Inventory) Hosts() []*Host {
	out := make([]*Host, len(inv.hosts))
	copy(out, inv.hosts)
	return out
}

// Lookup returns the host with the given hostname.
func (inv *Inventory) Lookup(hostname string) (*Host, bool) {
	h, ok := inv.index[hostname]
	return h, ok
}

// WithRole returns the hosts carrying role, in declaration order.
func (inv *Inventory) WithRole(role string) []*Host {
	out := make([]*Host, 0)
	for _, h := range inv.hosts {
		if h.HasRole(role) {
			out = append(out, h)
		}
	}
	return out
}

// Locations returns the distinct location tags, sorted.
func (inv *Inventory) Locations() []string {
	seen := make(map[string]bool)
	for _, h := range inv.hosts {
		if h.Location != "" {
			seen[h.Location] = true
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// In filters hosts by location.
func In(hosts []*Host, location string) []*Host {
	out := make([]*Host, 0)
	for _, h := range hosts {
		if h.Location == location {
			out = append(out, h)
		}
	}
	return out
}

// Peer returns the first host carrying role in location.
func (inv *Inventory) Peer(role, location string) (*Host, bool) {
	matches := In(inv.WithRole(role), location)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Select returns hosts matching a selector: "all", a comma separated list of
// hostnames, or "role=<role>" / "location=<location>" terms joined by commas.
func (inv *Inventory) Select(selector string) ([]*Host, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "all" {
		return inv.Hosts(), nil
	}

	selected := make([]*Host, 0)
	var roleFilter, locationFilter string
	for _, term := range strings.Split(selector, ",") {
		term = strings.TrimSpace(term)
		key, value, ok := strings.Cut(term, "=")
		if !ok {
			h, found := inv.Lookup(term)
			if !found {
				return nil, NewConfigurationError(fmt.Sprintf("unknown host '%s'", term), nil)
			}
			selected = append(selected, h)
			continue
		}
		switch strings.TrimSpace(key) {
		case "role":
			roleFilter = strings.TrimSpace(value)
		case "location":
			locationFilter = strings.TrimSpace(value)
		default:
			return nil, NewConfigurationError(fmt.Sprintf("invalid selector term '%s'", term), nil)
		}
	}

	if roleFilter == "" && locationFilter == "" {
		return selected, nil
	}

	candidates := inv.hosts
	if roleFilter != "" {
		candidates = inv.WithRole(roleFilter)
	}
	if locationFilter != "" {
		candidates = In(candidates, locationFilter)
	}
	return append(selected, candidates...), nil
}
