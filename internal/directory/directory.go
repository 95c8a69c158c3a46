package directory

import (
	"context"
	"fmt"
	"sync"
)

// StaticDirectory resolves roles, groups, and supervisors from config.
// Municipal deployments with an external IdP wrap this with the Redis
// cache or replace it outright; the workflow package only sees the
// Directory interface.
type StaticDirectory struct {
	mu          sync.RWMutex
	members     map[string][]string // role/group id -> user ids
	supervisors map[string]string   // user id -> supervisor user id
}

// NewStatic creates a directory from config maps. Both maps may be nil.
func NewStatic(members map[string][]string, supervisors map[string]string) *StaticDirectory {
	if members == nil {
		members = make(map[string][]string)
	}
	if supervisors == nil {
		supervisors = make(map[string]string)
	}
	return &StaticDirectory{members: members, supervisors: supervisors}
}

// ResolveMembers returns the user ids behind a role or group id.
func (d *StaticDirectory) ResolveMembers(_ context.Context, roleOrGroupID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.members[roleOrGroupID]
	if !ok {
		return nil, fmt.Errorf("unknown role or group %q", roleOrGroupID)
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// Supervisor returns the user a given user escalates to, or "" if none.
func (d *StaticDirectory) Supervisor(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.supervisors[userID], nil
}

// SetMembers replaces a role's membership. Used by config reload.
func (d *StaticDirectory) SetMembers(roleOrGroupID string, members []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[roleOrGroupID] = members
}
