package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// ZerologLogger is a Gin middleware that logs requests using zerolog.
// Status polling is logged at debug level since clients call it every few seconds.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()

		var evt *zerolog.Event
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		case route == "/api/v1/tasks/:id" && c.Request.Method == "GET", route == "/healthz":
			evt = log.Debug()
		default:
			evt = log.Info()
		}

		if id := c.Param("id"); id != "" {
			evt = evt.Str("task_id", id)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.RequestURI()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int64("content_length", c.Request.ContentLength).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}
