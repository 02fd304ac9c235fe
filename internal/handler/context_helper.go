package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/cryptohub-academy/enrollment-api/internal/middleware"
	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

// currentClaims extracts the authenticated user's claims from the context.
func currentClaims(c *gin.Context) (*models.JWTClaims, bool) {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.JWTClaims)
	return claims, ok
}

func isAdmin(claims *models.JWTClaims) bool {
	return claims != nil && (claims.Role == models.RoleAdmin || claims.Role == models.RoleSuperAdmin)
}

// callerScope returns the user id that read operations must be scoped to.
// Admins get the empty string, meaning unrestricted.
func callerScope(claims *models.JWTClaims) string {
	if isAdmin(claims) {
		return ""
	}
	return claims.UserID
}
