// Package downloads streams repository archives to clients.
//
// Two routes share the same streaming code:
//   - GET /api/v1/download?filename=&token= checks the HMAC download token.
//   - GET /download?type=&slug= is the untokenized rewrite route kept for
//     sites that link archives by slug. It can be disabled in configuration.
package downloads

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/delivery"
	"github.com/live-assets/asset-repository/internal/telemetry"
)

const (
	routeTokenized = "tokenized"
	routeRewrite   = "rewrite"
)

// Opener opens archives for streaming. *delivery.Server implements it.
type Opener interface {
	Open(filename, token string) (*delivery.Download, error)
	OpenBySlug(kind, slug string) (*delivery.Download, error)
}

// TokenizedHandler serves GET /api/v1/download
func TokenizedHandler(srv Opener) gin.HandlerFunc {
	return func(c *gin.Context) {
		dl, err := srv.Open(c.Query("filename"), c.Query("token"))
		serve(c, routeTokenized, dl, err)
	}
}

// RewriteHandler serves GET /download
func RewriteHandler(srv Opener) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, slug := c.Query("type"), c.Query("slug")
		if kind == "" || slug == "" {
			telemetry.ArchiveDownloadsTotal.WithLabelValues(routeRewrite, "bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "type and slug are required"})
			return
		}
		dl, err := srv.OpenBySlug(kind, slug)
		serve(c, routeRewrite, dl, err)
	}
}

func serve(c *gin.Context, route string, dl *delivery.Download, err error) {
	if err != nil {
		status, result, msg := classify(err)
		if status == http.StatusInternalServerError {
			slog.Error("failed to open archive", "route", route, "error", err)
		}
		telemetry.ArchiveDownloadsTotal.WithLabelValues(route, result).Inc()
		c.JSON(status, gin.H{"error": msg})
		return
	}
	defer dl.Close()

	telemetry.ArchiveDownloadsTotal.WithLabelValues(route, "ok").Inc()
	c.DataFromReader(http.StatusOK, dl.Size, "application/zip", dl.File, map[string]string{
		"Content-Description": "File Transfer",
		"Content-Disposition": `attachment; filename="` + dl.Filename + `"`,
		"Cache-Control":       "must-revalidate",
		"Expires":             "0",
		"Pragma":              "public",
		"X-Checksum-SHA256":   dl.Checksum,
	})
}

func classify(err error) (status int, result, msg string) {
	switch {
	case errors.Is(err, delivery.ErrForbidden):
		return http.StatusForbidden, "forbidden", "Access denied"
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound, "not_found", "Archive not found"
	case errors.Is(err, delivery.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request", "Invalid type or slug"
	default:
		return http.StatusInternalServerError, "error", "Failed to open archive"
	}
}
