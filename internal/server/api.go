package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vesaa/hotspotmon/internal/store"
)

const (
	topDevicesLimit     = 5
	historyDefaultLimit = 50
	historyMaxLimit     = 500
)

func (s *Server) registerRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", s.handleHealth)

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.requireToken())
	{
		auth.GET("/dashboard-stats", s.handleDashboardStats)
		auth.GET("/usage-over-time", s.handleUsageOverTime)
		auth.GET("/top-devices", s.handleTopDevices)
		// Path used by earlier dashboard builds.
		auth.GET("/top-devices-today", s.handleTopDevices)

		auth.GET("/users", s.handleUsers)
		auth.GET("/devices", s.handleDevices)
		auth.GET("/devices/:id/history", s.handleDeviceHistory)
		auth.DELETE("/devices/:id", s.handleDeviceDelete)
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !s.checkCredentials(body.Username, body.Password) {
		s.log.Warn("rejected login", zap.String("username", body.Username), zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.issueToken(body.Username)
	if err != nil {
		s.internalError(c, "signing token", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "time": s.clock.Now().UTC()})
}

// handleDashboardStats returns the headline counters.
//
//	{ "connectedDevices": 3, "totalUsageGB": 1.25, "topDevice": { "name": "...", "usageGB": 0.8 } }
func (s *Server) handleDashboardStats(c *gin.Context) {
	st, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.internalError(c, "dashboard stats", err)
		return
	}

	top := gin.H{"name": "N/A", "usageGB": 0.0}
	if st.Top != nil {
		top = gin.H{"name": st.Top.Name, "usageGB": toGB(st.Top.TotalMB)}
	}
	c.JSON(http.StatusOK, gin.H{
		"connectedDevices": st.ConnectedDevices,
		"totalUsageGB":     toGB(st.TotalMB),
		"topDevice":        top,
	})
}

// handleUsageOverTime returns cumulative usage per hour for the line chart.
func (s *Server) handleUsageOverTime(c *gin.Context) {
	logs, err := s.store.LogsWithUsage(c.Request.Context())
	if err != nil {
		s.internalError(c, "usage over time", err)
		return
	}
	c.JSON(http.StatusOK, hourlyCumulative(logs))
}

// handleTopDevices returns the heaviest devices for the bar chart.
func (s *Server) handleTopDevices(c *gin.Context) {
	top, err := s.store.TopDevices(c.Request.Context(), topDevicesLimit)
	if err != nil {
		s.internalError(c, "top devices", err)
		return
	}
	out := series{Labels: make([]string, 0, len(top)), Data: make([]float64, 0, len(top))}
	for _, d := range top {
		out.Labels = append(out.Labels, d.Name)
		out.Data = append(out.Data, toGB(d.TotalMB))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleUsers(c *gin.Context) {
	users, err := s.store.ListUsers(c.Request.Context())
	if err != nil {
		s.internalError(c, "listing users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users})
}

func (s *Server) handleDevices(c *gin.Context) {
	devs, err := s.store.ListDevices(c.Request.Context())
	if err != nil {
		s.internalError(c, "listing devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": devs})
}

// handleDeviceHistory returns the latest log+usage rows of a device.
//
//	GET /api/devices/:id/history?limit=50
func (s *Server) handleDeviceHistory(c *gin.Context) {
	limit := historyDefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > historyMaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be within 1..500"})
			return
		}
		limit = n
	}

	logs, err := s.store.DeviceHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.internalError(c, "device history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}

// handleDeviceDelete removes a device together with its logs and usages.
func (s *Server) handleDeviceDelete(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteDevice(c.Request.Context(), id); err != nil {
		if store.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		s.internalError(c, "deleting device", err)
		return
	}
	s.log.Info("device deleted", zap.String("device_id", id), zap.String("by", c.GetString("username")))
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) internalError(c *gin.Context, what string, err error) {
	s.log.Error(what, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
