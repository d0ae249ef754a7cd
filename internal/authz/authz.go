// Package authz defines the capability-check collaborator consulted before
// administrative mutations. The core knows actions, not roles; role lookup
// lives behind the Authorizer interface.
package authz

import (
	"context"
)

// Administrative actions the core guards.
const (
	ActionLicenseBlock   = "license.block"
	ActionLicenseUnblock = "license.unblock"
	ActionLicenseCancel  = "license.cancel"
	ActionMachineBlock   = "machine.block"
	ActionMachineUnblock = "machine.unblock"
)

// Authorizer decides whether an actor may perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, action, actor string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, action, actor string) bool

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, action, actor string) bool {
	return f(ctx, action, actor)
}

// AllowAll permits every action. Used by the standalone daemon and tests.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string) bool { return true })
}

// DenyAll rejects every action.
func DenyAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string) bool { return false })
}
