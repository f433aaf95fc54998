package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"leadline/internal/config"
)

func TestRequireUsesConfiguredRoles(t *testing.T) {
	s := Service{Config: config.Default()}

	assert.NoError(t, s.Require([]string{"professional"}, nil, "lead.respond"))
	err := s.Require([]string{"professional"}, nil, "intake.offer")
	var fe ForbiddenError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, "intake.offer", fe.Permission)

	assert.NoError(t, s.Require(nil, []string{"intake.offer"}, "intake.offer"))
	assert.Error(t, s.Require([]string{"nobody"}, nil, "lead.list"))
}

func TestPermissionsAreSortedAndDeduplicated(t *testing.T) {
	s := Service{Config: config.Default()}
	perms := s.Permissions([]string{"professional", "intake"}, []string{"lead.list"})
	assert.Equal(t, []string{"case.read", "intake.create", "lead.list", "lead.respond"}, perms)
	assert.True(t, s.KnownRole("admin"))
	assert.False(t, s.KnownRole("root"))
}
