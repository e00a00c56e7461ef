package logger

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	Init("info")
}

// Init configures the process logger. Unknown or empty levels fall back to info.
// The debug level writes a human-readable console format.
func Init(level string) {
	InitWithWriter(level, nil)
}

// InitWithWriter is Init with an explicit sink. A nil w means stdout.
func InitWithWriter(level string, w io.Writer) {
	lvl := parseLevel(level)
	if w == nil {
		w = os.Stdout
		if lvl == zerolog.DebugLevel {
			w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
		}
	}
	log = zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
}

func parseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

// Fatal events exit the process once sent.
func Fatal() *zerolog.Event { return log.Fatal() }

// Component returns a child logger carrying a "component" field.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// GinLogger writes one line per request. Only the path is logged; the query
// string may hold tokens.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := eventForStatus(status).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start))
		if route := c.FullPath(); route != "" && route != path {
			event = event.Str("route", route)
		}
		if id, ok := c.Get("user_id"); ok {
			if uid, ok := id.(uint); ok && uid != 0 {
				event = event.Uint("user_id", uid)
			}
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("request")
	}
}

func eventForStatus(status int) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return log.Error()
	case status >= http.StatusBadRequest:
		return log.Warn()
	default:
		return log.Info()
	}
}

// GinRecovery turns a handler panic into a 500 in the API envelope.
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error().
			Interface("panic", recovered).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "internal server error",
		})
	})
}
