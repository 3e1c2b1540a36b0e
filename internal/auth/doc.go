// Package auth provides authentication and authorization for chatgate.
//
// # Authentication Methods
//
//   - Password login: a Binder (LDAP or static bcrypt hashes) verifies the
//     password for users on the authorized_users list. Failures are counted
//     per (username, ip); reaching the threshold locks the account for every
//     address. A successful Login issues an opaque bearer token.
//
//   - Bearer tokens: 64 hex characters from crypto/rand. A token stays valid
//     while it is used at least once per idle window (12h by default); each
//     use slides the window. Issuing a new token replaces the old one.
//
//   - Operator JWTs: HS256 tokens minted by `chatgate token` with subject
//     "operator:<name>". They grant access to the admin API only.
//
// # Error Handling
//
// Internally the package distinguishes ErrUnauthorized, ErrLocked,
// ErrTokenInvalid and ErrBinderUnavailable. HTTP handlers collapse the first
// two into one generic 401 so responses do not reveal account state.
//
// # HTTP Middleware
//
//	r.Use(auth.HTTPAuthMiddleware(tokens, verifier, policy, logger))
//	r.With(auth.RequireAdminHTTP()).Get("/api/admin/status", ...)
//
// Handlers read the identity with FromContext or MustFromContext.
package auth
