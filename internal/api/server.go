// Package api serves the chat operations over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/citeline/internal/chat"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/observability"
)

// ChatService is the set of chat operations the API exposes.
type ChatService interface {
	GetOrCreateActiveSession(ctx context.Context, owner chat.Owner) (*models.Session, error)
	CreateSession(ctx context.Context, owner chat.Owner, opts chat.SessionOpts) (*models.Session, error)
	GetSession(ctx context.Context, owner chat.Owner, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, owner chat.Owner, includeArchived bool) ([]models.Session, error)
	ListMessages(ctx context.Context, owner chat.Owner, sessionID string) ([]models.Message, error)
	SendMessage(ctx context.Context, owner chat.Owner, sessionID string, req chat.SendRequest) (*models.Message, error)
	ArchiveSession(ctx context.Context, owner chat.Owner, sessionID string) error
	DeleteSession(ctx context.Context, owner chat.Owner, sessionID string) error
}

// RouterOpts holds the dependencies of the HTTP handlers.
type RouterOpts struct {
	Chat     ChatService
	Gatherer prometheus.Gatherer           // serves /metrics when set
	Ping     func(ctx context.Context) error // backs /healthz when set
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts RouterOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog())

	router.GET("/healthz", handleHealth(opts.Ping))
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1", identity())
	registerRoutes(v1, opts.Chat)
	return router
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Chat     ChatService
	Gatherer prometheus.Gatherer
	Ping     func(ctx context.Context) error
	Port     int
	Out      io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Chat == nil {
		return fmt.Errorf("api: chat service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(RouterOpts{Chat: opts.Chat, Gatherer: opts.Gatherer, Ping: opts.Ping})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Citeline API listening on http://localhost:%d\n", opts.Port)
	}
	observability.Logger().Info("api server started", "port", opts.Port)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func handleHealth(ping func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				observability.LoggerFromContext(c.Request.Context()).Error("health check failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
