package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/chainlog-io/chainlog/internal/keyring"
)

// requireToken gates a route on a valid bearer token. A nil issuer leaves
// the route open, which is how single-operator deployments without a
// keyring run.
func requireToken(tokens *keyring.TokenIssuer) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return keyring.RequireToken(tokens)
}

// requireAdmin gates a route on a valid bearer token carrying the admin
// role. A nil issuer leaves the route open.
func requireAdmin(tokens *keyring.TokenIssuer) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return keyring.RequireAdmin(tokens)
}
