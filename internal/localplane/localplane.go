// Package localplane is an in-process control plane. Instead of calling a
// cloud vendor it launches real forwarding endpoints on loopback ports, so
// the full lifecycle works on a single machine. Vendor control planes plug
// in behind the same interfaces.
//
// Use one Plane per adapter; a Plane holds the deployments of exactly one
// provider variant.
package localplane

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZephrFish/OmniProx/internal/forward"
	"github.com/ZephrFish/OmniProx/internal/provider"
	"github.com/ZephrFish/OmniProx/internal/types"
)

type unit struct {
	name      string
	address   string
	targetURL string
	region    string
	server    *http.Server
	createdAt time.Time
}

// Plane deploys forwarding endpoints as loopback HTTP servers. It
// implements the edge, container and gateway control-plane interfaces; the
// variants differ only in the engine configuration each deployment gets.
type Plane struct {
	mu     sync.Mutex
	units  map[string]*unit
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Plane {
	return &Plane{
		units:  make(map[string]*unit),
		logger: logger,
	}
}

// Close tears down every running deployment.
func (p *Plane) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, u := range p.units {
		p.shutdown(u)
		delete(p.units, name)
	}
}

func (p *Plane) deploy(name, targetURL, region string, cfg forward.EngineConfig) (*unit, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for %s: %w", name, err)
	}

	engine := forward.NewEngine(cfg, p.logger)
	router := gin.New()
	router.Use(gin.Recovery())
	router.NoRoute(engine.Handle)

	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.logger.WithError(err).WithField("name", name).Warn("Deployment server stopped")
		}
	}()

	u := &unit{
		name:      name,
		address:   fmt.Sprintf("http://%s", listener.Addr().String()),
		targetURL: targetURL,
		region:    region,
		server:    srv,
		createdAt: time.Now(),
	}

	p.mu.Lock()
	if _, exists := p.units[name]; exists {
		p.mu.Unlock()
		p.shutdown(u)
		return nil, fmt.Errorf("deployment %s already exists", name)
	}
	p.units[name] = u
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": u.address,
	}).Info("Deployed local endpoint")
	return u, nil
}

func (p *Plane) shutdown(u *unit) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.server.Shutdown(ctx); err != nil {
		p.logger.WithError(err).WithField("name", u.name).Warn("Deployment shutdown failed")
	}
}

func (p *Plane) remove(name string) error {
	p.mu.Lock()
	u, ok := p.units[name]
	if ok {
		delete(p.units, name)
	}
	p.mu.Unlock()

	if !ok {
		return types.ErrNotFound
	}
	p.shutdown(u)
	return nil
}

func (p *Plane) snapshot() []*unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*unit, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, u)
	}
	return out
}

// EdgeControlPlane

func (p *Plane) DeployScript(_ context.Context, name string, spec provider.EdgeDeploySpec) (provider.EdgeDeployment, error) {
	u, err := p.deploy(name, spec.TargetURL, "", forward.EngineConfig{
		BaseTargetURL:     spec.TargetURL,
		AllowHeaderTarget: true,
		RotateIdentity:    spec.RotateIdentity,
	})
	if err != nil {
		return provider.EdgeDeployment{}, err
	}
	return provider.EdgeDeployment{
		Name:      u.name,
		URL:       u.address,
		TargetURL: u.targetURL,
		CreatedAt: u.createdAt,
	}, nil
}

func (p *Plane) ListScripts(_ context.Context) ([]provider.EdgeDeployment, error) {
	var out []provider.EdgeDeployment
	for _, u := range p.snapshot() {
		out = append(out, provider.EdgeDeployment{
			Name:      u.name,
			URL:       u.address,
			TargetURL: u.targetURL,
			CreatedAt: u.createdAt,
		})
	}
	return out, nil
}

func (p *Plane) DeleteScript(_ context.Context, name string) error {
	return p.remove(name)
}

// ContainerControlPlane

func (p *Plane) LaunchContainer(_ context.Context, name string, spec provider.ContainerSpec) (provider.ContainerUnit, error) {
	region := spec.Region
	if region == "" {
		region = "local"
	}
	u, err := p.deploy(name, spec.TargetURL, region, forward.EngineConfig{
		BaseTargetURL:     spec.TargetURL,
		AllowHeaderTarget: true,
		RotateIdentity:    true,
	})
	if err != nil {
		return provider.ContainerUnit{}, err
	}
	return provider.ContainerUnit{
		Name:      u.name,
		Address:   u.address,
		Region:    u.region,
		TargetURL: u.targetURL,
		Running:   true,
		CreatedAt: u.createdAt,
	}, nil
}

func (p *Plane) ListContainers(_ context.Context) ([]provider.ContainerUnit, error) {
	var out []provider.ContainerUnit
	for _, u := range p.snapshot() {
		out = append(out, provider.ContainerUnit{
			Name:      u.name,
			Address:   u.address,
			Region:    u.region,
			TargetURL: u.targetURL,
			Running:   true,
			CreatedAt: u.createdAt,
		})
	}
	return out, nil
}

func (p *Plane) TerminateContainer(_ context.Context, name string) error {
	return p.remove(name)
}

// GatewayControlPlane

func (p *Plane) CreateGateway(_ context.Context, name string, spec provider.GatewaySpec) (provider.GatewayDeployment, error) {
	// Gateway deployments bind the target at creation time; per-request
	// addressing and identity rotation stay off.
	u, err := p.deploy(name, spec.TargetURL, spec.Region, forward.EngineConfig{
		BaseTargetURL:  spec.TargetURL,
		BaseTargetOnly: true,
	})
	if err != nil {
		return provider.GatewayDeployment{}, err
	}
	return provider.GatewayDeployment{
		ID:        u.name,
		Endpoint:  u.address,
		Region:    u.region,
		TargetURL: u.targetURL,
		State:     "active",
		CreatedAt: u.createdAt,
	}, nil
}

func (p *Plane) ListGateways(_ context.Context) ([]provider.GatewayDeployment, error) {
	var out []provider.GatewayDeployment
	for _, u := range p.snapshot() {
		out = append(out, provider.GatewayDeployment{
			ID:        u.name,
			Endpoint:  u.address,
			Region:    u.region,
			TargetURL: u.targetURL,
			State:     "active",
			CreatedAt: u.createdAt,
		})
	}
	return out, nil
}

func (p *Plane) DeleteGateway(_ context.Context, id string) error {
	return p.remove(id)
}
