package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"pulsechat-backend/internal/config"
	"pulsechat-backend/internal/realtime"
	"pulsechat-backend/internal/store"
)

// Server serves the websocket endpoint and the tiny HTTP surface around
// it (liveness probe, CORS preflight).
type Server struct {
	config config.Config
	store  *store.Store
	hub    *realtime.Hub
	router *gin.Engine
}

func NewServer(config config.Config, st *store.Store, hub *realtime.Hub) (*Server, error) {
	server := &Server{
		config: config,
		store:  st,
		hub:    hub,
	}
	if err := server.setupRouter(); err != nil {
		return nil, err
	}
	return server, nil
}

func (server *Server) setupRouter() error {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	rate, err := limiter.NewRateFromFormatted(server.config.RateLimit)
	if err != nil {
		return err
	}
	router.Use(mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)))

	router.GET("/health", server.health)
	router.GET("/ws", server.handleWS)
	router.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	server.router = router
	return nil
}

// Start runs the HTTP server on a specific address.
func (server *Server) Start(address string) error {
	return server.router.Run(address)
}

// Router exposes the handler for tests.
func (server *Server) Router() http.Handler {
	return server.router
}

func (server *Server) health(ctx *gin.Context) {
	users, online := server.store.Counts()
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"users":  users,
		"online": online,
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusOK)
			return
		}
		ctx.Next()
	}
}
