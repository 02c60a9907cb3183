package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/kbswarm/agentstate/config"
	"github.com/kbswarm/agentstate/internal/api/handlers"
	"github.com/kbswarm/agentstate/internal/api/middleware"
	"github.com/kbswarm/agentstate/internal/api/routes"
	"github.com/kbswarm/agentstate/internal/cache"
	"github.com/kbswarm/agentstate/internal/content"
	"github.com/kbswarm/agentstate/internal/logger"
	"github.com/kbswarm/agentstate/internal/services"
	"github.com/kbswarm/agentstate/internal/state"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	var (
		db  *gorm.DB
		err error
	)
	switch os.Getenv("STATE_BACKEND") {
	case "", "postgres":
		db, err = config.NewPostgres()
	case "sqlite":
		db, err = config.NewSQLite("")
	default:
		log.Fatalf("unknown STATE_BACKEND %q", os.Getenv("STATE_BACKEND"))
	}
	if err != nil {
		log.WithError(err).Fatal("backend init failed")
	}
	log.Info("state backend connected")

	store := state.NewStore(db, log)
	if err := store.Migrate(); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	// The export cache is optional; without Redis every export reads the
	// backend directly.
	var c cache.Cache
	if os.Getenv("REDIS_ADDR") != "" || os.Getenv("REDIS_URI") != "" || os.Getenv("REDIS_URL") != "" {
		rdb, err := config.NewRedis(context.Background())
		if err != nil {
			log.WithError(err).Fatal("redis init failed")
		}
		c = cache.NewRedisCache(rdb)
		log.Info("redis connected")
	}

	stateSvc := services.NewStateService(store, c, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		State:   handlers.NewStateHandler(stateSvc),
		Content: handlers.NewContentHandler(content.NewRepo(db)),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
