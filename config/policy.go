package config

import (
	"fmt"
	"strings"

	"claimsync/models"
)

// ContactPolicy maps a role to the roles it may contact.
type ContactPolicy map[models.Role][]models.Role

// DefaultContactPolicy mirrors the back office dashboards: admins reach
// everyone, HR reaches staff, agents and employees reach each other and HR.
func DefaultContactPolicy() ContactPolicy {
	return ContactPolicy{
		models.RoleAdmin:    {models.RoleAdmin, models.RoleHR, models.RoleAgent, models.RoleEmployee},
		models.RoleHR:       {models.RoleAdmin, models.RoleAgent, models.RoleEmployee},
		models.RoleAgent:    {models.RoleHR, models.RoleEmployee},
		models.RoleEmployee: {models.RoleHR, models.RoleAgent},
	}
}

// ContactableRoles returns the roles role may contact.
func (p ContactPolicy) ContactableRoles(role models.Role) []models.Role {
	return append([]models.Role(nil), p[role]...)
}

// ParseContactPolicy parses "role=a|b;role2=c". An empty string yields the
// default policy.
func ParseContactPolicy(s string) (ContactPolicy, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultContactPolicy(), nil
	}

	policy := ContactPolicy{}
	for _, rule := range strings.Split(s, ";") {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		from, to, ok := strings.Cut(rule, "=")
		if !ok {
			return nil, fmt.Errorf("contact policy rule %q: missing '='", rule)
		}
		role := models.Role(strings.TrimSpace(from))
		if !role.Valid() {
			return nil, fmt.Errorf("contact policy rule %q: unknown role %q", rule, from)
		}
		policy[role] = models.ParseRoles(strings.ReplaceAll(to, "|", ","))
	}
	return policy, nil
}
