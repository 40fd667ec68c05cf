package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/logging"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
)

// RouterConfig collects what the HTTP surface is built from.
type RouterConfig struct {
	ServiceName   string
	Logger        *zap.Logger
	Verifier      *auth.Verifier
	Conversations *ConversationHandler
	WebSocket     gin.HandlerFunc
	DB            Pinger
}

// NewRouter assembles the gin engine with ops routes, the websocket endpoint and
// the authenticated API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(cfg.ServiceName),
		observability.HTTPMetricsMiddleware(),
		logging.GinMiddleware(cfg.Logger),
	)

	router.GET("/healthz", Healthz(cfg.DB))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.WebSocket != nil {
		router.GET("/ws", cfg.WebSocket)
	}

	api := router.Group("/", middleware.AuthMiddleware(cfg.Verifier))
	cfg.Conversations.Register(api)
	return router
}
