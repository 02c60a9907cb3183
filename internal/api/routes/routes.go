package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/kbswarm/agentstate/internal/api/handlers"
	"github.com/kbswarm/agentstate/internal/api/middleware"
)

type Deps struct {
	State   *handlers.StateHandler
	Content *handlers.ContentHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Content hierarchy lookups are read-only and unauthenticated.
	r.GET("/content/articles/root", d.Content.RootArticles)
	r.GET("/content/articles", d.Content.ArticlesByParents)

	// State operations require an authenticated agent identity: mutations
	// are attributed to it in the audit log.
	auth := r.Group("/")
	auth.Use(middleware.AgentAuth())

	auth.POST("/state/:session_id/init", d.State.Initialize)
	auth.GET("/state/:session_id", d.State.Get)
	auth.PATCH("/state/:session_id/session", d.State.UpdateSession)
	auth.PATCH("/state/:session_id/agent", d.State.UpdateAgent)
	auth.POST("/state/:session_id/messages", d.State.AppendMessage)
	auth.GET("/state/:session_id/history", d.State.History)
	auth.GET("/state/:session_id/audit", d.State.AuditTrail)
	auth.POST("/state/:session_id/merge", d.State.Merge)
	auth.GET("/state/:session_id/export", d.State.Export)
	auth.POST("/state/:session_id/clear", d.State.Clear)
	auth.POST("/state/:session_id/intent", d.State.ClassifyIntent)
	auth.GET("/state/:session_id/summary", d.State.Summary)
}
