package api

import (
	"github.com/gin-gonic/gin"

	"github.com/bookmarked/rostercache/internal/api/handler"
	"github.com/bookmarked/rostercache/internal/api/middleware"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/metrics"
	"github.com/bookmarked/rostercache/internal/oneroster"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/snapshot"
)

// RouterDeps bundles the services the router wires into handlers.
type RouterDeps struct {
	Manager  *snapshot.Manager
	Fetcher  *snapshot.Fetcher
	Client   *oneroster.Client
	Sessions *repository.FetchSessionRepository
	Log      *logger.Logger
	Version  string
	CORS     middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Log))
	r.Use(middleware.CORS(deps.CORS))

	healthHandler := handler.NewHealthHandler(deps.Version)
	snapshotHandler := handler.NewSnapshotHandler(deps.Manager, deps.Fetcher, deps.Client, deps.Sessions)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/upstream/test", snapshotHandler.TestConnection)

		snapshots := v1.Group("/snapshots/:district")
		{
			snapshots.POST("/fetch", snapshotHandler.TriggerFetch)
			snapshots.GET("", snapshotHandler.GetSnapshot)
			snapshots.DELETE("", snapshotHandler.DeleteOld)
			snapshots.GET("/search", snapshotHandler.Search)
			snapshots.GET("/parents/:id/children", snapshotHandler.ParentChildren)
			snapshots.GET("/sessions", snapshotHandler.ListSessions)
		}
	}

	return r
}
