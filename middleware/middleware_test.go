package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"eventsite/api/middleware"
	"eventsite/api/models"
	"eventsite/api/testutil"
	"eventsite/api/tracker"
	"eventsite/api/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const apiKey = "static-admin-key"

func newRouter(t *testing.T) (*gin.Engine, *utils.TokenIssuer) {
	t.Helper()
	issuer, err := utils.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	logger := testutil.Logger(t)

	r := gin.New()
	r.Use(middleware.CORSMiddleware("https://party.example"), middleware.Identity(issuer, logger))
	r.GET("/whoami", func(c *gin.Context) {
		id := tracker.IdentityFrom(c.Request.Context())
		userID, ok := id.UserID()
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "identified": ok})
	})
	r.GET("/admin", middleware.AdminRequired(middleware.CapabilityRead, apiKey, logger), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, issuer
}

func token(t *testing.T, issuer *utils.TokenIssuer, role string) string {
	t.Helper()
	tok, err := issuer.GenerateJWT(&models.User{ID: 42, Email: "host@party.example", Role: role})
	require.NoError(t, err)
	return tok
}

func TestIdentityAttachesUser(t *testing.T) {
	t.Parallel()
	r, issuer := newRouter(t)

	cases := []struct {
		name   string
		header func(req *http.Request)
		want   string
	}{
		{"anonymous", func(*http.Request) {}, `{"identified":false,"user_id":""}`},
		{"bearer", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token(t, issuer, models.RoleGuest))
		}, `{"identified":true,"user_id":"42"}`},
		{"cookie", func(req *http.Request) {
			req.AddCookie(&http.Cookie{Name: "jwt_token", Value: token(t, issuer, models.RoleGuest)})
		}, `{"identified":true,"user_id":"42"}`},
		{"invalid token is anonymous", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer not-a-jwt")
		}, `{"identified":false,"user_id":""}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			c.header(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)
			require.JSONEq(t, c.want, w.Body.String())
		})
	}
}

func TestAdminRequired(t *testing.T) {
	t.Parallel()
	r, issuer := newRouter(t)

	cases := []struct {
		name   string
		header func(req *http.Request)
		want   int
	}{
		{"no credentials", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong api key", func(req *http.Request) { req.Header.Set("X-API-KEY", "nope") }, http.StatusUnauthorized},
		{"api key", func(req *http.Request) { req.Header.Set("X-API-KEY", apiKey) }, http.StatusOK},
		{"guest", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token(t, issuer, models.RoleGuest))
		}, http.StatusForbidden},
		{"admin", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token(t, issuer, models.RoleAdmin))
		}, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			c.header(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, c.want, w.Code)
		})
	}
}

func TestEmptyAPIKeyNeverMatches(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.GET("/admin", middleware.AdminRequired(middleware.CapabilityRead, "", testutil.Logger(t)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-API-KEY", "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://party.example", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()
	require.ElementsMatch(t, []string{middleware.CapabilityRead, middleware.CapabilityRollup}, middleware.CapabilitiesFor(models.RoleAdmin))
	require.Empty(t, middleware.CapabilitiesFor(models.RoleGuest))
}
