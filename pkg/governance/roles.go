// Package governance gates administrative ledger operations behind roles and
// a staged, multi-party timelock for capacity-cap changes.
package governance

import (
	"sync"

	"github.com/StudioSol/set"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/samber/lo"
)

// Roles is a core.Authorizer mapping each capability to the callers holding it
type Roles struct {
	mu      sync.RWMutex
	members map[core.Capability]*set.LinkedHashSetString
}

func NewRoles() *Roles {
	return &Roles{members: make(map[core.Capability]*set.LinkedHashSetString)}
}

// Grant gives capability to callers
func (r *Roles) Grant(capability core.Capability, callers ...core.AccountID) *Roles {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.members[capability]
	if !ok {
		members = set.NewLinkedHashSetString()
		r.members[capability] = members
	}
	for _, caller := range callers {
		members.Add(string(caller))
	}
	return r
}

// Revoke takes capability away from callers
func (r *Roles) Revoke(capability core.Capability, callers ...core.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.members[capability]; ok {
		for _, caller := range callers {
			members.Remove(string(caller))
		}
	}
}

// IsAuthorized implements core.Authorizer
func (r *Roles) IsAuthorized(caller core.AccountID, capability core.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.members[capability]
	return ok && members.InArray(string(caller))
}

// Members returns the callers holding capability in grant order
func (r *Roles) Members(capability core.Capability) []core.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.members[capability]
	if !ok {
		return nil
	}
	return lo.Map(members.AsSlice(), func(caller string, _ int) core.AccountID {
		return core.AccountID(caller)
	})
}
