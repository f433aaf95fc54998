package auth

import (
	"fmt"
	"sort"

	"leadline/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves permissions from the roles declared in leadline.yml.
type Service struct {
	Config *config.Config
}

// Permissions returns the sorted permissions granted by roles, merged with
// any permissions carried directly by the credential.
func (s Service) Permissions(roles, direct []string) []string {
	set := map[string]bool{}
	if s.Config != nil {
		set = s.Config.Permissions(roles)
	}
	for _, p := range direct {
		set[p] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless roles or direct grant perm.
func (s Service) Require(roles, direct []string, perm string) error {
	for _, p := range s.Permissions(roles, direct) {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}

// KnownRole reports whether the role is declared in config.
func (s Service) KnownRole(role string) bool {
	if s.Config == nil {
		return false
	}
	_, ok := s.Config.RBAC.Roles[role]
	return ok
}
