// Package server exposes the job registry over HTTP: start a migration and
// stream its events, stop it, query its status and history, and read the
// process-wide counters.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pepperpark/mailshift/internal/connect"
	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/stats"
)

// Options configure a Server.
type Options struct {
	// ConnectTimeout bounds a test-connection request.
	ConnectTimeout time.Duration
	// RateLimit is the number of /api requests one client IP may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Server serves the job-control API over a jobs.Manager.
type Server struct {
	manager *jobs.Manager
	stats   *stats.Stats
	dial    mailstore.Dialer
	opts    Options
	limiter *rateLimiter
	engine  *gin.Engine
}

// New builds the gin engine and its routes. Call Close when done.
func New(manager *jobs.Manager, st *stats.Stats, dial mailstore.Dialer, opts Options) *Server {
	s := &Server{manager: manager, stats: st, dial: dial, opts: opts}

	engine := gin.New()
	engine.Use(loggerMiddleware(), recoveryMiddleware())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	if opts.RateLimit > 0 && opts.RateWindow > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, opts.RateWindow)
		api.Use(s.limiter.middleware())
	}
	api.POST("/sync", s.handleSync)
	api.POST("/stop", s.handleStop)
	api.GET("/status/:id", s.handleStatus)
	api.GET("/logs/:id", s.handleLogs)
	api.GET("/stats", s.handleStats)
	api.POST("/stats/reset", s.handleStatsReset)
	api.POST("/test-connection", s.handleTestConnection)

	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close releases the server's background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.stop()
	}
}

// Serve listens on addr until ctx is done, then shuts the listener down.
// Running jobs are not touched; stopping them is the manager's business.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// open event streams keep Shutdown waiting; drop them
		_ = srv.Close()
	}
	return nil
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SimpleApiResp{Status: RespFailed, Msg: fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	cfg, err := req.config()
	if err != nil {
		c.JSON(http.StatusBadRequest, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	}

	job, sub, err := s.manager.Start(cfg)
	switch {
	case errors.Is(err, jobs.ErrDuplicateJob):
		c.JSON(http.StatusConflict, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	case errors.Is(err, eventlog.ErrInvalidJobID):
		c.JSON(http.StatusBadRequest, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	case errors.Is(err, jobs.ErrShutdown):
		c.JSON(http.StatusServiceUnavailable, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	}
	defer sub.Close()
	log.WithFields(log.Fields{"jobID": job.ID, "ip": c.ClientIP()}).Info("Sync requested")

	c.Header("X-Sync-Id", job.ID)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	gone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			b, err := json.Marshal(toStreamEvent(ev))
			if err != nil {
				log.WithError(err).WithField("jobID", job.ID).Warn("Failed to encode event")
				return true
			}
			// browser clients match on the exact "data: " prefix
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			return true
		case <-gone:
			// the job keeps running; its log has the rest
			log.WithField("jobID", job.ID).Debug("Observer disconnected")
			return false
		}
	})
}

func (s *Server) handleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.SyncID != "" {
		s.manager.Stop(req.SyncID)
	}
	c.JSON(http.StatusOK, SimpleApiResp{Status: RespOK})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.manager.Status(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, SimpleApiResp{Status: RespFailed, Msg: "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleLogs(c *gin.Context) {
	events, err := s.manager.Logs(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, SimpleApiResp{Status: RespFailed, Msg: "Logs not found"})
		return
	}
	if err != nil {
		log.WithError(err).WithField("jobID", c.Param("id")).Error("Failed to read job log")
		c.JSON(http.StatusInternalServerError, SimpleApiResp{Status: RespFailed, Msg: "Read error"})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleStatsReset(c *gin.Context) {
	s.stats.Reset()
	c.JSON(http.StatusOK, StatsResetResp{Success: true})
}

func (s *Server) handleTestConnection(c *gin.Context) {
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SimpleApiResp{Status: RespFailed, Msg: fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	if req.Host == "" || req.User == "" || req.Pass == "" {
		c.JSON(http.StatusOK, TestConnectionResp{Error: "Missing Host, User or Password"})
		return
	}

	ctx := c.Request.Context()
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	ep := endpoint(req.Host, req.Port, req.User, req.Pass, req.Secure, req.StartTLS)
	folders, err := connect.Test(ctx, s.dial, ep)
	if err != nil {
		log.WithError(err).WithField("endpoint", ep.String()).Info("Test connection failed")
		c.JSON(http.StatusOK, TestConnectionResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TestConnectionResp{Success: true, Folders: folders})
}
