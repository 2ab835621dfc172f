package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tke/internal/config"
	"tke/internal/model"
	"tke/internal/tkerr"
)

func newGate(strict bool) *Gate {
	return NewGate(config.RBACConfig{
		Strict: strict,
		ProtectedTools: map[string][]string{
			"ingest_case": {"Admin", "engineer"},
			"delete_case": {"admin"},
		},
	})
}

func TestUnprotectedToolAlwaysAllowed(t *testing.T) {
	g := newGate(true)
	assert.NoError(t, g.Check("search", nil))
	assert.NoError(t, g.Check("search", &model.UserContext{UserID: "u1"}))
}

func TestNullContextPolicy(t *testing.T) {
	assert.NoError(t, newGate(false).Check("delete_case", nil))
	assert.ErrorIs(t, newGate(true).Check("delete_case", nil), tkerr.ErrPermission)
}

func TestRoleIntersectionCaseInsensitive(t *testing.T) {
	g := newGate(true)

	// config role "Admin" matches user role "ADMIN"
	assert.NoError(t, g.Check("ingest_case", &model.UserContext{
		UserID: "u1", Roles: []string{"ADMIN"},
	}))
	assert.NoError(t, g.Check("ingest_case", &model.UserContext{
		UserID: "u2", Roles: []string{"viewer", "Engineer"},
	}))
	assert.ErrorIs(t, g.Check("delete_case", &model.UserContext{
		UserID: "u3", Roles: []string{"engineer"},
	}), tkerr.ErrPermission)
	assert.ErrorIs(t, g.Check("ingest_case", &model.UserContext{
		UserID: "u4", Roles: nil,
	}), tkerr.ErrPermission)
}
