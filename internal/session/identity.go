// Package session models the acting identity and which capabilities it may reach.
package session

import (
	"context"
	"strings"
)

// Role is the privilege level attached to an identity.
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole normalises a role string; unknown values map to guest.
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleUser:
		return RoleUser
	default:
		return RoleGuest
	}
}

// Identity is the opaque acting identity. Subject is the stable owner id the
// order service records; it is empty for guests.
type Identity struct {
	Credential  string
	Role        Role
	DisplayName string
	Subject     string
}

// Guest returns the identity used when no credential is presented.
func Guest() Identity {
	return Identity{Role: RoleGuest}
}

// Authenticated reports whether a credential is present.
func (i Identity) Authenticated() bool {
	return strings.TrimSpace(i.Credential) != ""
}

// AuthorizationHeader returns the header value forwarded to downstream services.
func (i Identity) AuthorizationHeader() string {
	cred := strings.TrimSpace(i.Credential)
	if cred == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(cred), "bearer ") {
		return cred
	}
	return "Bearer " + cred
}

// Owner is the owner label recorded on orders.
func (i Identity) Owner() string {
	if s := strings.TrimSpace(i.Subject); s != "" {
		return s
	}
	return string(RoleGuest)
}

type ctxKey struct{}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the identity, defaulting to a guest.
func FromContext(ctx context.Context) Identity {
	if ctx == nil {
		return Guest()
	}
	if id, ok := ctx.Value(ctxKey{}).(Identity); ok {
		return id
	}
	return Guest()
}
