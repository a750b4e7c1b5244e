// Package auth verifies the token a client presents in connection.init.
//
// Tokens are HS256 JWTs signed with the gateway's jwt_secret; the "sub"
// claim names the principal. Any failure is reported to the client as an
// AUTH_EXPIRED error, which the client treats as terminal.
//
//	v := auth.NewJWTVerifier(secret)
//	token, _ := v.Generate("alice", 24*time.Hour)
//	principal, err := v.Verify(token)
//
// After a successful handshake the gateway attaches an Identity to the
// session context with WithIdentity.
package auth
