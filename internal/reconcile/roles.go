package reconcile

import (
	"sort"
	"strings"
)

// RoleMapper turns OW roles into privilege labels.
type RoleMapper struct {
	roles map[string][]string
}

// NewRoleMapper copies table; role names are matched case-insensitively.
func NewRoleMapper(table map[string][]string) RoleMapper {
	m := RoleMapper{roles: make(map[string][]string, len(table))}
	for role, labels := range table {
		key := normalizeRole(role)
		m.roles[key] = append(m.roles[key], labels...)
	}
	return m
}

// Privileges returns the sorted, de-duplicated labels granted by roles.
// Unknown roles contribute nothing.
func (m RoleMapper) Privileges(roles []string) []string {
	set := make(map[string]struct{})
	for _, r := range roles {
		for _, label := range m.roles[normalizeRole(r)] {
			set[label] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for label := range set {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

func normalizeRole(r string) string {
	return strings.ToLower(strings.TrimSpace(r))
}
