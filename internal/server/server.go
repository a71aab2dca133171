// Package server provides the hotspotmon dashboard: a gin REST API over the
// usage store plus the embedded web page.
//
//	Public:          POST /api/login, GET /api/health
//	Protected (JWT): every other /api/* route
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vesaa/hotspotmon/internal/config"
	"github.com/vesaa/hotspotmon/internal/store"
)

// Server serves the dashboard for one store.
type Server struct {
	store *store.Store
	log   *zap.Logger
	clock quartz.Clock
	addr  string

	secret    []byte
	adminUser string
	adminPass string
}

// New returns a dashboard server reading from st.
func New(st *store.Store, cfg *config.Config, log *zap.Logger) *Server {
	return &Server{
		store:     st,
		log:       log.Named("server"),
		clock:     quartz.NewReal(),
		addr:      net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort)),
		secret:    []byte(cfg.JWTSecret),
		adminUser: cfg.AdminUser,
		adminPass: cfg.AdminPass,
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), cors)
	s.registerRoutes(r)
	s.registerStaticFiles(r)
	return r
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log.Info("shutting down dashboard")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.clock.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", s.clock.Since(start)),
		)
	}
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}
