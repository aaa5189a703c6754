package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"eventsite/api/models"
	"eventsite/api/tracker"
	"eventsite/api/utils"
)

const (
	CapabilityRead   = "telemetry:read"
	CapabilityRollup = "telemetry:rollup"

	claimsKey = "claims"
)

// CapabilitiesFor maps an account role to what it may do on the admin surface.
func CapabilitiesFor(role string) []string {
	if role == models.RoleAdmin {
		return []string{CapabilityRead, CapabilityRollup}
	}
	return nil
}

func tokenFromRequest(c *gin.Context) string {
	if token, err := c.Cookie("jwt_token"); err == nil && token != "" {
		return token
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// Identity resolves the optional caller identity from the JWT cookie or
// bearer header and attaches it to the request context for the telemetry
// recorders. Requests without a valid token continue as anonymous.
func Identity(issuer *utils.TokenIssuer, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			c.Next()
			return
		}
		claims, err := issuer.ValidateJWT(token)
		if err != nil {
			logger.Debug("ignoring invalid identity token", "error", err)
			c.Next()
			return
		}
		c.Set(claimsKey, claims)
		c.Set("user_id", claims.UserID)
		c.Set("user_email", claims.Email)
		id := models.Identified{ID: strconv.Itoa(claims.UserID)}
		c.Request = c.Request.WithContext(tracker.ContextWithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// AdminRequired lets the request through when the caller holds capability,
// either through the static API key or an account role. Run it after Identity.
func AdminRequired(capability, apiKey string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-KEY"); apiKey != "" && key != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			c.Next()
			return
		}

		v, ok := c.Get(claimsKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: No valid token provided"})
			return
		}
		claims := v.(*utils.Claims)
		if !slices.Contains(CapabilitiesFor(claims.Role), capability) {
			logger.Warn("admin request denied", "user_id", claims.UserID, "role", claims.Role, "capability", capability)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden: missing capability " + capability})
			return
		}
		c.Next()
	}
}
