package session

import (
	"net/http"
	"slices"

	"github.com/noah-isme/printease/internal/common"
)

// Capability names a reachable surface.
type Capability string

const (
	CapTrack     Capability = "track"
	CapUpload    Capability = "upload"
	CapDashboard Capability = "dashboard"
	CapAdmin     Capability = "admin"
)

// Gate decides which roles may reach which capability.
type Gate struct {
	rules map[Capability][]Role
}

// DefaultGate mirrors the route table of the print shop: anyone holding a
// token may track it, uploads need an account, the dashboard is for regular
// users and the admin panel for operators.
func DefaultGate() Gate {
	return Gate{rules: map[Capability][]Role{
		CapTrack:     {RoleGuest, RoleUser, RoleAdmin},
		CapUpload:    {RoleUser, RoleAdmin},
		CapDashboard: {RoleUser},
		CapAdmin:     {RoleAdmin},
	}}
}

// Allows reports whether id may reach capability. Roles other than guest need a credential.
func (g Gate) Allows(id Identity, capability Capability) bool {
	roles, ok := g.rules[capability]
	if !ok {
		return false
	}
	role := id.Role
	if role == "" || !id.Authenticated() {
		role = RoleGuest
	}
	return slices.Contains(roles, role)
}

// Require returns middleware rejecting identities that cannot reach capability.
func (g Gate) Require(capability Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if g.Allows(id, capability) {
				next.ServeHTTP(w, r)
				return
			}
			if !id.Authenticated() {
				common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "login required", nil)
				return
			}
			common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "insufficient permissions", nil)
		})
	}
}
