package reconcile

import (
	"sort"
	"time"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

// MembershipPlan is the membership half of one group's diff.
type MembershipPlan struct {
	// Add holds roster entries with no local row. Their users still need
	// local ids before rows can be written.
	Add []ow.RosterEntry
	// Update holds existing rows whose active state changed.
	Update []auth.Membership
	// Remove holds rows whose OW membership left the roster.
	Remove []auth.Membership
	// Kept maps OW membership id to local user id for rows that stay.
	Kept map[int64]string
}

// Empty reports whether the plan writes nothing.
func (p MembershipPlan) Empty() bool {
	return len(p.Add) == 0 && len(p.Update) == 0 && len(p.Remove) == 0
}

// DedupeRoster drops entries without a user and keeps one entry per OW
// user, preferring an active entry over a retired one.
func DedupeRoster(roster []ow.RosterEntry) []ow.RosterEntry {
	byUser := make(map[int64]int, len(roster))
	out := make([]ow.RosterEntry, 0, len(roster))
	for _, e := range roster {
		if e.User.ExternalID == 0 || e.ExternalMembershipID == 0 {
			continue
		}
		if i, ok := byUser[e.User.ExternalID]; ok {
			if out[i].Retired && !e.Retired {
				out[i] = e
			}
			continue
		}
		byUser[e.User.ExternalID] = len(out)
		out = append(out, e)
	}
	return out
}

// DroppedMembershipIDs returns the OW membership ids in full that
// DedupeRoster left out of kept.
func DroppedMembershipIDs(full, kept []ow.RosterEntry) map[int64]struct{} {
	keep := make(map[int64]struct{}, len(kept))
	for _, e := range kept {
		keep[e.ExternalMembershipID] = struct{}{}
	}
	out := make(map[int64]struct{})
	for _, e := range full {
		if e.ExternalMembershipID == 0 {
			continue
		}
		if _, ok := keep[e.ExternalMembershipID]; !ok {
			out[e.ExternalMembershipID] = struct{}{}
		}
	}
	return out
}

// DiffMemberships compares a deduplicated roster with the group's local
// rows, keyed by OW membership id. Local rows without an OW id are removed:
// a managed group only has members OW knows about.
func DiffMemberships(roster []ow.RosterEntry, local []auth.Membership, now time.Time) MembershipPlan {
	plan := MembershipPlan{Kept: make(map[int64]string)}
	byExternal := make(map[int64]auth.Membership, len(local))
	for _, m := range local {
		if m.ExternalMembershipID == 0 {
			plan.Remove = append(plan.Remove, m)
			continue
		}
		byExternal[m.ExternalMembershipID] = m
	}

	seen := make(map[int64]struct{}, len(roster))
	for _, e := range roster {
		seen[e.ExternalMembershipID] = struct{}{}
		m, ok := byExternal[e.ExternalMembershipID]
		if !ok {
			plan.Add = append(plan.Add, e)
			continue
		}
		plan.Kept[e.ExternalMembershipID] = m.UserID
		if m.Active == e.Retired {
			plan.Update = append(plan.Update, withActive(m, !e.Retired, now))
		}
	}

	for id, m := range byExternal {
		if _, ok := seen[id]; !ok {
			plan.Remove = append(plan.Remove, m)
		}
	}
	sort.Slice(plan.Remove, func(i, j int) bool { return plan.Remove[i].UserID < plan.Remove[j].UserID })
	return plan
}

// NewMemberships builds rows for added roster entries once their users
// have local ids.
func NewMemberships(groupID string, entries []ow.RosterEntry, userIDs map[int64]string, now time.Time) []auth.Membership {
	out := make([]auth.Membership, 0, len(entries))
	for _, e := range entries {
		uid, ok := userIDs[e.User.ExternalID]
		if !ok {
			continue
		}
		m := auth.Membership{
			GroupID:              groupID,
			UserID:               uid,
			ExternalMembershipID: e.ExternalMembershipID,
			AddedAt:              now,
		}
		out = append(out, withActive(m, !e.Retired, now))
	}
	return out
}

func withActive(m auth.Membership, active bool, now time.Time) auth.Membership {
	m.Active = active
	if active {
		m.InactiveAt = nil
	} else {
		t := now
		m.InactiveAt = &t
	}
	return m
}

// DesiredGrants maps every active roster member's roles to auto grants.
// Retired members hold no auto grants.
func DesiredGrants(groupID string, roster []ow.RosterEntry, userIDs map[int64]string, roles RoleMapper) []auth.Grant {
	var out []auth.Grant
	for _, e := range roster {
		if e.Retired {
			continue
		}
		uid, ok := userIDs[e.User.ExternalID]
		if !ok {
			continue
		}
		for _, label := range roles.Privileges(e.Roles) {
			out = append(out, auth.Grant{GroupID: groupID, UserID: uid, Privilege: label})
		}
	}
	return out
}

type grantKey struct {
	userID    string
	privilege string
}

// DiffGrants returns what to insert and delete so current becomes desired.
// Callers pass auto grants only.
func DiffGrants(desired, current []auth.Grant) (add, remove []auth.Grant) {
	want := make(map[grantKey]struct{}, len(desired))
	for _, g := range desired {
		want[grantKey{g.UserID, g.Privilege}] = struct{}{}
	}
	have := make(map[grantKey]struct{}, len(current))
	for _, g := range current {
		k := grantKey{g.UserID, g.Privilege}
		have[k] = struct{}{}
		if _, ok := want[k]; !ok {
			remove = append(remove, g)
		}
	}
	for _, g := range desired {
		k := grantKey{g.UserID, g.Privilege}
		if _, ok := have[k]; ok {
			continue
		}
		have[k] = struct{}{}
		add = append(add, g)
	}
	return add, remove
}
