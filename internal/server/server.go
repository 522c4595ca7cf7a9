package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server interface defines the common behavior for all servers
type Server interface {
	Run() error
}

// Config holds the listen configuration shared by both server modes.
type Config struct {
	Host         string
	AdminPort    int
	EndpointPort int
	AdminAPIKey  string
}

type BaseServer struct {
	config *Config
	logger *logrus.Logger
	router *gin.Engine
}

func init() {
	// Set Gin mode to release by default
	gin.SetMode(gin.ReleaseMode)
}

func NewBaseServer(config *Config, logger *logrus.Logger) *BaseServer {
	router := gin.New()
	router.Use(gin.Recovery())

	return &BaseServer{
		config: config,
		logger: logger,
		router: router,
	}
}

// setupHealthCheck adds a health check endpoint to the server
func (s *BaseServer) setupHealthCheck() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
}
