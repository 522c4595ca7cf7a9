package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZephrFish/OmniProx/internal/metrics"
	"github.com/ZephrFish/OmniProx/internal/types"
)

// Shared transport for connection reuse across requests. Compression is
// disabled so upstream bodies pass through byte-for-byte.
var transport = &http.Transport{
	MaxIdleConns:        2000,
	IdleConnTimeout:     120 * time.Second,
	DisableCompression:  true,
	MaxIdleConnsPerHost: 100,
	DialContext: (&net.Dialer{
		Timeout:   3 * time.Second,
		KeepAlive: 60 * time.Second,
	}).DialContext,
}

// EngineConfig describes one deployed endpoint's forwarding behavior.
type EngineConfig struct {
	// BaseTargetURL is the default forwarding target; optional except for
	// managed gateway deployments where it is the only addressing form.
	BaseTargetURL string

	// AllowHeaderTarget enables X-Target-URL addressing.
	AllowHeaderTarget bool

	// BaseTargetOnly pins every request to BaseTargetURL and disables the
	// per-request addressing forms. Set for managed gateway deployments.
	BaseTargetOnly bool

	// RotateIdentity generates fresh identity headers per request.
	RotateIdentity bool

	// BlockPrivateTargets rejects targets addressing loopback or RFC1918
	// hosts with 403.
	BlockPrivateTargets bool

	// UpstreamTimeout bounds the outbound call. Zero means 30s.
	UpstreamTimeout time.Duration
}

// Engine composes target resolution, header rewriting and method/body
// passthrough into the per-request behavior of a deployed endpoint. It is
// stateless and safe for concurrent use.
type Engine struct {
	resolver *Resolver
	rewriter *Rewriter
	client   *http.Client
	logger   *logrus.Logger
	timeout  time.Duration
	cfg      EngineConfig
}

func NewEngine(cfg EngineConfig, logger *logrus.Logger) *Engine {
	timeout := cfg.UpstreamTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		resolver: &Resolver{
			BaseTargetURL:     cfg.BaseTargetURL,
			AllowHeaderTarget: cfg.AllowHeaderTarget,
			BaseTargetOnly:    cfg.BaseTargetOnly,
		},
		rewriter: &Rewriter{Rotate: cfg.RotateIdentity},
		client:   &http.Client{Transport: transport},
		logger:   logger,
		timeout:  timeout,
		cfg:      cfg,
	}
}

// Handle forwards one inbound request to its resolved target and relays the
// upstream response with status code and body unchanged.
func (e *Engine) Handle(c *gin.Context) {
	start := time.Now()

	target, err := e.resolver.Resolve(c.Request)
	if err != nil {
		if errors.Is(err, types.ErrUnresolvableTarget) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "No target URL provided",
				"usage": "?url=https://example.com or /https://example.com or " + TargetHeader + " header",
			})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid URL format"})
		}
		e.observe(c.Request.Method, http.StatusBadRequest, start)
		return
	}

	if e.cfg.BlockPrivateTargets && isPrivateHost(target.URL.Hostname()) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Private IPs not allowed"})
		e.observe(c.Request.Method, http.StatusForbidden, start)
		return
	}

	// Inherit the inbound context so a client disconnect aborts the
	// in-flight upstream call instead of leaking it.
	ctx, cancel := context.WithTimeout(c.Request.Context(), e.timeout)
	defer cancel()

	outbound, err := http.NewRequestWithContext(ctx, c.Request.Method, target.URL.String(), c.Request.Body)
	if err != nil {
		e.logger.WithError(err).Error("Failed to build outbound request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process request"})
		e.observe(c.Request.Method, http.StatusInternalServerError, start)
		return
	}
	outbound.Header = e.rewriter.Rewrite(c.Request.Header)
	outbound.Host = target.URL.Host
	outbound.ContentLength = c.Request.ContentLength

	resp, err := e.client.Do(outbound)
	if err != nil {
		status := http.StatusBadGateway
		message := "Failed to reach target"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			message = "Request timeout"
		}
		// TLS validation failures land here too; they are surfaced as a
		// gateway error, never silently bypassed.
		e.logger.WithError(err).WithFields(logrus.Fields{
			"target": target.URL.Redacted(),
			"method": c.Request.Method,
		}).Warn("Upstream call failed")
		c.JSON(status, gin.H{"error": message})
		e.observe(c.Request.Method, status, start)
		return
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		if excludedHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		e.logger.WithError(err).Debug("Response copy interrupted")
	}
	e.observe(c.Request.Method, resp.StatusCode, start)
}

func (e *Engine) observe(method string, status int, start time.Time) {
	metrics.ForwardRequestTotal.WithLabelValues(method, metrics.StatusClass(status)).Inc()
	metrics.ForwardLatency.WithLabelValues(method).Observe(float64(time.Since(start).Milliseconds()))
}

func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
