// Package admin serves the HTTP side channel operators use to check on a
// running server: liveness, counters and the ledger of pending timers.
package admin

import (
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/luma/reveille/scheduler"
	"github.com/luma/reveille/storage"
)

// StatsSource reports scheduler counters.
type StatsSource interface {
	Stats() scheduler.Stats
}

// SessionCounter reports how many client connections are open.
type SessionCounter interface {
	ActiveSessions() int64
}

type Options struct {
	Debug bool

	Scheduler StatsSource
	Sessions  SessionCounter
	Store     storage.Store

	Log *zap.Logger
}

type statsResponse struct {
	scheduler.Stats
	Sessions int64 `json:"sessions"`
}

func NewRouter(options Options) *gin.Engine {
	gin.DisableConsoleColor()
	if !options.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(options.Log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health", "/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(options.Log, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/stats", func(c *gin.Context) {
		resp := statsResponse{Stats: options.Scheduler.Stats()}
		if options.Sessions != nil {
			resp.Sessions = options.Sessions.ActiveSessions()
		}

		c.JSON(http.StatusOK, resp)
	})

	r.GET("/timers", func(c *gin.Context) {
		if options.Store == nil {
			c.Data(http.StatusOK, "application/json", []byte("{}"))
			return
		}

		doc, err := options.Store.Backup()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		c.Data(http.StatusOK, "application/json", doc)
	})

	r.GET("/timers/:key", func(c *gin.Context) {
		if options.Store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": storage.ErrNotFound.Error()})
			return
		}

		value, err := options.Store.Get(c.Request.Context(), []byte(c.Param("key")))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		c.Data(http.StatusOK, "application/json", value)
	})

	return r
}
