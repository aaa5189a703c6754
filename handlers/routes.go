// api/handlers/routes.go
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"eventsite/api/middleware"
	"eventsite/api/utils"
)

type Routes struct {
	Auth   *AuthHandlers
	Track  *TrackHandlers
	Stats  *StatsHandlers
	Issuer *utils.TokenIssuer
	APIKey string
	Logger *slog.Logger
	// Metrics is served at /api/admin/metrics when set.
	Metrics http.Handler
}

// Register mounts the account, ingestion and admin routes under /api.
func (rt Routes) Register(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(middleware.Identity(rt.Issuer, rt.Logger))
	{
		api.POST("/signup", rt.Auth.Signup)
		api.POST("/login", rt.Auth.Login)
		api.POST("/logout", rt.Auth.Logout)

		track := api.Group("/track")
		{
			track.POST("/sessions", rt.Track.StartSession)
			track.POST("/sessions/:id/progress", rt.Track.RecordProgress)
			track.POST("/sessions/:id/end", rt.Track.EndSession)
			track.POST("/pageviews", rt.Track.RecordPageView)
			track.POST("/pageviews/:id/close", rt.Track.ClosePageView)
			track.POST("/activities", rt.Track.RecordActivity)
			track.POST("/interactions", rt.Track.RecordInteraction)
		}

		read := middleware.AdminRequired(middleware.CapabilityRead, rt.APIKey, rt.Logger)
		rollup := middleware.AdminRequired(middleware.CapabilityRollup, rt.APIKey, rt.Logger)
		admin := api.Group("/admin")
		{
			admin.GET("/stats/summary", read, rt.Stats.GetSummary)
			admin.GET("/stats/popular-pages", read, rt.Stats.GetPopularPages)
			admin.GET("/stats/event-counts", read, rt.Stats.GetEventCounts)
			admin.POST("/rollups/backfill", rollup, rt.Stats.Backfill)
			admin.POST("/rollups/:date", rollup, rt.Stats.RollupDate)
			admin.POST("/sessions/reconcile", rollup, rt.Stats.ReconcileSessions)
			if rt.Metrics != nil {
				admin.GET("/metrics", read, gin.WrapH(rt.Metrics))
			}
		}
	}
}
