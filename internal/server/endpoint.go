package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZephrFish/OmniProx/internal/forward"
	"github.com/ZephrFish/OmniProx/internal/metrics"
)

// EndpointServer runs one deployed forwarding endpoint. Every inbound
// request on any path and method is forwarded through the engine; only the
// status and health paths are handled locally.
type EndpointServer struct {
	*BaseServer
	engine *forward.Engine
}

func NewEndpointServer(config *Config, engineCfg forward.EngineConfig, logger *logrus.Logger) *EndpointServer {
	return &EndpointServer{
		BaseServer: NewBaseServer(config, logger),
		engine:     forward.NewEngine(engineCfg, logger),
	}
}

func (s *EndpointServer) setupRoutes() {
	s.router.GET("/__health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	s.router.GET("/__status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "omniprox",
			"type":    "forwarding-endpoint",
			"status":  "running",
		})
	})
	s.router.GET("/__metrics", gin.WrapH(metrics.Handler()))

	// Everything else, every method, is forwarded.
	s.router.NoRoute(s.engine.Handle)
}

func (s *EndpointServer) Run() error {
	s.setupRoutes()
	s.logger.WithFields(logrus.Fields{
		"port": s.config.EndpointPort,
	}).Info("Starting forwarding endpoint")
	return s.router.Run(fmt.Sprintf("%s:%d", s.config.Host, s.config.EndpointPort))
}
