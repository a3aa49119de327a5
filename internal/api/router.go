// Package api wires together all HTTP routes for the asset repository.
//
// Route grouping:
//   - Download routes are public. /api/v1/download is protected by the HMAC
//     token carried in the query string; /download is the untokenized rewrite
//     route and is only registered when delivery.allow_untokenized is set.
//   - Admin routes (/api/v1/assets, /api/v1/regenerate, /api/v1/log,
//     /api/v1/events) always require a JWT or admin API key.
//   - Probes (/health, /ready, /version) are public.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/live-assets/asset-repository/internal/api/admin"
	"github.com/live-assets/asset-repository/internal/api/downloads"
	"github.com/live-assets/asset-repository/internal/auth"
	"github.com/live-assets/asset-repository/internal/config"
	"github.com/live-assets/asset-repository/internal/delivery"
	"github.com/live-assets/asset-repository/internal/kvstore"
	"github.com/live-assets/asset-repository/internal/middleware"
)

// Dependencies are the components the router serves.
type Dependencies struct {
	Config     *config.Config
	Repository admin.Repository
	Downloads  downloads.Opener
	Store      kvstore.Store
	// Tokens validates admin JWTs. Nil when no JWT secret is configured.
	Tokens *auth.TokenIssuer
	// Redis backs the distributed rate limiter. Nil unless
	// security.rate_limiting.distributed is set.
	Redis   *redis.Client
	Version string
}

// BackgroundServices holds goroutines started by the router that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Dependencies) (*gin.Engine, *BackgroundServices) {
	cfg := deps.Config
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.SecurityHeadersFor(&cfg.Security)))

	router.GET("/health", healthCheckHandler(deps.Store))
	router.GET("/ready", readinessHandler(deps.Store, cfg.Repository.DownloadDir))
	router.GET("/version", versionHandler(deps.Version))

	var limited []gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfigFrom(cfg.Security.RateLimiting)
		var limiter middleware.Limiter
		if cfg.Security.RateLimiting.Distributed && deps.Redis != nil {
			limiter = middleware.NewRedisRateLimiter(deps.Redis, rlCfg, cfg.Redis.KeyPrefix)
			slog.Info("rate limiting enabled", "backend", "redis", "requests_per_minute", rlCfg.RequestsPerMinute)
		} else {
			rl := middleware.NewRateLimiter(rlCfg)
			bg.rateLimiters = append(bg.rateLimiters, rl)
			limiter = rl
			slog.Info("rate limiting enabled", "backend", "memory", "requests_per_minute", rlCfg.RequestsPerMinute)
		}
		limited = append(limited, middleware.RateLimitMiddleware(limiter))
	}

	// Downloads
	guard := middleware.NewTokenGuard()
	router.GET(delivery.DownloadPath,
		append(append([]gin.HandlerFunc{}, limited...),
			middleware.TokenGuardMiddleware(guard),
			downloads.TokenizedHandler(deps.Downloads))...)
	if cfg.Delivery.AllowUntokenized {
		router.GET("/download",
			append(append([]gin.HandlerFunc{}, limited...),
				downloads.RewriteHandler(deps.Downloads))...)
	}

	// Admin
	assets := admin.NewAssetsHandler(deps.Repository)
	adminGroup := router.Group("/api/v1")
	adminGroup.Use(limited...)
	adminGroup.Use(middleware.AuthMiddleware(auth.NewKeySet(cfg.Auth.AdminAPIKeyHashes), deps.Tokens))
	{
		adminGroup.GET("/assets", assets.ListAssets)
		adminGroup.POST("/regenerate", assets.Regenerate)
		adminGroup.GET("/log", assets.GetLog)
		adminGroup.POST("/events", assets.HandleEvent)
	}

	return router, bg
}

// @Summary      Health check
// @Description  Returns the health status of the service, including key/value store connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: store connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(store kvstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "store connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the key/value store and the download directory.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: ..."
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks that the download
// directory exists so that a readiness gate fails when downloads would 404.
func readinessHandler(store kvstore.Store, downloadDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			checks["store"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "store not ready",
			})
			return
		}
		checks["store"] = "healthy"

		if info, err := os.Stat(downloadDir); err != nil || !info.IsDir() {
			checks["download_dir"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "download directory not ready",
			})
			return
		}
		checks["download_dir"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the build version and API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler(version string) gin.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging. Download tokens are redacted
// from the logged query string.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := redactQuery(c.Request.URL.RawQuery)

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest logs a request as a structured slog record. The output format
// follows the global handler installed by telemetry.SetupLogger.
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	level := slog.LevelInfo
	switch {
	case c.Writer.Status() >= http.StatusInternalServerError:
		level = slog.LevelError
	case path == "/health" || path == "/ready":
		level = slog.LevelDebug
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// redactQuery hides download tokens from request logs.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "<unparseable>"
	}
	if _, ok := values["token"]; !ok {
		return raw
	}
	values.Set("token", "REDACTED")
	return values.Encode()
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Expose-Headers", "Content-Disposition, X-Checksum-SHA256, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
