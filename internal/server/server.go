// Package server exposes the audiobook service over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"

	"github.com/book-expert/audiobook-service/internal/library"
	"github.com/book-expert/audiobook-service/internal/scanner"
	"github.com/book-expert/audiobook-service/internal/status"
	"github.com/book-expert/audiobook-service/internal/streaming"
)

const (
	serviceName        = "audiobook-service"
	healthProbeTimeout = 5 * time.Second
	readHeaderTimeout  = 10 * time.Second
)

// JobStarter starts a conversion and returns its job id.
type JobStarter interface {
	StartJob(ctx context.Context, userID, bookTitle string, source []byte) (string, error)
}

// HealthChecker probes an external dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the components served by the router. Scanner and TTSHealth may be nil.
type Dependencies struct {
	Jobs         JobStarter
	Status       *status.Service
	Library      *library.Library
	Streaming    *streaming.Server
	Scanner      *scanner.Scanner
	TTSHealth    HealthChecker
	StorageName  string
	JobStateName string
	Logger       *logger.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	deps Dependencies
}

// NewRouter builds the gin engine with every route and middleware.
func NewRouter(deps Dependencies) *gin.Engine {
	handler := &Handler{deps: deps}

	router := gin.New()
	router.Use(RequestLogger(deps.Logger))
	router.Use(RecoveryMiddleware(deps.Logger))
	router.Use(CORSMiddleware())

	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		api.GET("/audiobooks/:userId", handler.ListAudiobooks)
		api.GET("/download/:audiobookId", handler.DownloadAudiobook)
		api.POST("/process-epub", handler.ProcessEpub)
		api.POST("/scan-r2", handler.ScanStorage)
		api.GET("/processing-status", handler.ProcessingStatus)
		api.GET("/job-status/:jobId", handler.JobStatus)
		api.GET("/stream/*storageKey", handler.Stream)
		api.HEAD("/stream/*storageKey", handler.Stream)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "Not found"})
	})

	return router
}

// NewHTTPServer wraps router in an http.Server listening on addr.
func NewHTTPServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
