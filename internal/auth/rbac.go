package auth

import (
	"strings"

	"tke/internal/config"
	"tke/internal/model"
	"tke/internal/tkerr"
)

// Gate enforces tool-level role checks. Tools absent from the protected map
// are open to everyone.
type Gate struct {
	strict    bool
	protected map[string]map[string]bool // tool → lowercase role set
}

// NewGate builds the gate from static configuration.
func NewGate(cfg config.RBACConfig) *Gate {
	protected := make(map[string]map[string]bool, len(cfg.ProtectedTools))
	for tool, roles := range cfg.ProtectedTools {
		set := make(map[string]bool, len(roles))
		for _, r := range roles {
			set[strings.ToLower(strings.TrimSpace(r))] = true
		}
		protected[tool] = set
	}
	return &Gate{strict: cfg.Strict, protected: protected}
}

// Check returns ErrPermission when the user may not invoke the tool.
func (g *Gate) Check(tool string, user *model.UserContext) error {
	allowed, isProtected := g.protected[tool]
	if !isProtected {
		return nil
	}
	if user == nil {
		if g.strict {
			return tkerr.Permissionf("tool %s requires an authenticated user", tool)
		}
		return nil
	}
	for _, role := range user.Roles {
		if allowed[strings.ToLower(strings.TrimSpace(role))] {
			return nil
		}
	}
	return tkerr.Permissionf("user %s lacks a required role for tool %s", user.UserID, tool)
}
