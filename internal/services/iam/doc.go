// Package iam resolves the principal of a request.
//
// Each Authenticator handles one credential type and carries an explicit
// auth.AuthType tag. Service tries them in registration order and stamps
// the winning authenticator's tag on the resulting auth.AuthContext:
//
//	Request → Service.AuthenticateRequest → Authenticator.Authenticate() → Principal
//	       ↓
//	AuthContext{User, Type, Token, Scopes} → requirement check → handler
package iam
