package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZephrFish/OmniProx/internal/fleet"
	"github.com/ZephrFish/OmniProx/internal/metrics"
	"github.com/ZephrFish/OmniProx/internal/types"
)

// AdminServer exposes the fleet lifecycle API.
type AdminServer struct {
	*BaseServer
	manager *fleet.Manager
}

func NewAdminServer(config *Config, manager *fleet.Manager, logger *logrus.Logger) *AdminServer {
	return &AdminServer{
		BaseServer: NewBaseServer(config, logger),
		manager:    manager,
	}
}

func (s *AdminServer) setupRoutes() {
	s.setupHealthCheck()
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api/v1")
	if s.config.AdminAPIKey != "" {
		api.Use(s.requireAdminKey())
	}
	{
		proxies := api.Group("/proxies")
		{
			proxies.POST("", s.createProxies)
			proxies.GET("", s.listProxies)
			proxies.DELETE("/:proxy_id", s.deleteProxy)
			proxies.GET("/:proxy_id/test", s.testProxy)
			proxies.POST("/cleanup", s.cleanupProxies)
		}
	}
}

func (s *AdminServer) Run() error {
	s.setupRoutes()
	return s.router.Run(fmt.Sprintf("%s:%d", s.config.Host, s.config.AdminPort))
}

// requireAdminKey guards the lifecycle API behind a shared key. The health
// and metrics endpoints stay open for probes and scrapers.
func (s *AdminServer) requireAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Key") != s.config.AdminAPIKey {
			s.logger.WithField("path", c.FullPath()).Warn("Invalid admin key attempt")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// createProxies provisions a batch of forwarding endpoints. A fully
// successful batch returns 201; a batch with any failed units returns 207
// with both halves in the body.
func (s *AdminServer) createProxies(c *gin.Context) {
	var req types.CreateProxiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.WithError(err).Error("Failed to bind request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider, err := types.ParseProvider(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"provider": provider,
		"count":    req.Count,
		"region":   req.Region,
	}).Info("Creating proxies")

	result, err := s.manager.Create(c.Request.Context(), provider, req.TargetURL, req.Count, req.Region)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create proxies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusCreated
	if result.FailureCount() > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

func (s *AdminServer) listProxies(c *gin.Context) {
	scope := types.ProviderAll
	if raw := c.Query("provider"); raw != "" {
		parsed, err := types.ParseProvider(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		scope = parsed
	}

	resources, err := s.manager.List(c.Request.Context(), scope)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list proxies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(resources),
		"resources": resources,
	})
}

func (s *AdminServer) deleteProxy(c *gin.Context) {
	id := c.Param("proxy_id")

	if err := s.manager.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Proxy not found"})
			return
		}
		s.logger.WithError(err).WithField("proxy_id", id).Error("Failed to delete proxy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// testProxy sends one request through a deployed endpoint and reports
// whether it forwarded. An unhealthy endpoint is a 200 with healthy=false;
// only an unknown id is an error.
func (s *AdminServer) testProxy(c *gin.Context) {
	id := c.Param("proxy_id")

	result, err := s.manager.Test(c.Request.Context(), id, c.Query("url"))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Proxy not found"})
			return
		}
		s.logger.WithError(err).WithField("proxy_id", id).Error("Failed to test proxy")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// cleanupProxies tears down every resource in the requested scope.
// Failures never abort the sweep; the response always carries both halves.
func (s *AdminServer) cleanupProxies(c *gin.Context) {
	var req types.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scope, err := types.ParseProvider(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.WithField("provider", scope).Info("Cleaning up proxies")

	result, err := s.manager.Cleanup(c.Request.Context(), scope)
	if err != nil {
		s.logger.WithError(err).Error("Cleanup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if result.FailureCount() > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}
