// Package contextkey defines the keys used to pass request-scoped values
// through the HTTP middleware chain.
package contextkey

type contextKey string

// UserIDKey carries the authenticated user's id, as set by the JWT middleware.
const UserIDKey contextKey = "userID"

// JwtErrorKey carries a JWT parsing/validation error, when one occurred.
const JwtErrorKey contextKey = "jwtError"
