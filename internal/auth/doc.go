// Package auth verifies bearer tokens for the bridge's local API.
//
// Tokens are HS256 JWTs signed with the site's shared secret, normally
// issued by Gray Logic Core. Each token carries a role; roles map to a
// fixed set of permissions, so authorisation needs no database lookup.
package auth
