// ABOUTME: Access policy snapshot derived from configuration
// ABOUTME: PolicyStore swaps snapshots atomically so reloads apply without restart

package config

import (
	"slices"
	"sync/atomic"
)

// Policy is an immutable view of the four access-policy lists.
type Policy struct {
	authorized   map[string]struct{}
	admins       map[string]struct{}
	servers      []string
	confirmTools map[string]struct{}
}

// NewPolicy builds a Policy from raw lists. Nil lists are treated as empty.
func NewPolicy(authorized, admins, servers, confirmTools []string) Policy {
	return Policy{
		authorized:   toSet(authorized),
		admins:       toSet(admins),
		servers:      slices.Clone(servers),
		confirmTools: toSet(confirmTools),
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// IsAuthorized reports whether username may log in at all.
func (p Policy) IsAuthorized(username string) bool {
	_, ok := p.authorized[username]
	return ok
}

// IsAdmin reports whether username is listed as an administrator.
func (p Policy) IsAdmin(username string) bool {
	_, ok := p.admins[username]
	return ok
}

// RequiresConfirmation reports whether tool is on the confirmation list.
func (p Policy) RequiresConfirmation(tool string) bool {
	_, ok := p.confirmTools[tool]
	return ok
}

// MCPServers returns the configured server URLs in file order.
func (p Policy) MCPServers() []string {
	return slices.Clone(p.servers)
}

// PolicyStore holds the current Policy and allows lock-free reads.
type PolicyStore struct {
	current atomic.Pointer[Policy]
}

// NewPolicyStore creates a store holding p.
func NewPolicyStore(p Policy) *PolicyStore {
	s := &PolicyStore{}
	s.Set(p)
	return s
}

// Set replaces the current policy.
func (s *PolicyStore) Set(p Policy) {
	s.current.Store(&p)
}

// Current returns the active policy snapshot.
func (s *PolicyStore) Current() Policy {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return Policy{}
}

func (s *PolicyStore) IsAuthorized(username string) bool {
	return s.Current().IsAuthorized(username)
}

func (s *PolicyStore) IsAdmin(username string) bool {
	return s.Current().IsAdmin(username)
}

func (s *PolicyStore) RequiresConfirmation(tool string) bool {
	return s.Current().RequiresConfirmation(tool)
}
