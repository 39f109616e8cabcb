// Package auth authenticates the three kinds of switchboard connections.
//
// # Identities
//
// Every connection resolves to a state.Identity. Operators must carry id,
// username, displayName and picture; customers additionally a session_id;
// agents only an id. ValidateIdentity reports every missing key at once:
//
//	user invalid, keys missing: picture, session_id
//
// # Tokens
//
// JWTAuthenticator verifies HS256 tokens signed with the configured
// jwt_secret. The subject is the identity id, profile fields are claims and
// the role claim must match the channel the token is presented on.
//
// # Transports
//
// HTTPAuthMiddleware guards HTTP and WebSocket endpoints, reading the token
// from the Authorization header or a token query parameter.
// StreamInterceptor does the same for the agent gRPC channel using the
// authorization metadata key.
package auth
