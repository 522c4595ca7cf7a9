package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// GatewaySpec configures one managed gateway deployment. The target URL is
// fixed at creation time: the routing configuration is static and cannot
// change without a redeploy.
type GatewaySpec struct {
	TargetURL string
	Region    string
}

// GatewayDeployment is the control plane's view of one deployed gateway.
type GatewayDeployment struct {
	ID        string
	Endpoint  string
	Region    string
	TargetURL string
	State     string
	CreatedAt time.Time
}

// GatewayControlPlane is the vendor client boundary for managed API
// gateway backends.
type GatewayControlPlane interface {
	CreateGateway(ctx context.Context, name string, spec GatewaySpec) (GatewayDeployment, error)
	ListGateways(ctx context.Context) ([]GatewayDeployment, error)
	DeleteGateway(ctx context.Context, id string) error
}

// ManagedGatewayAdapter deploys static routing configurations. Dynamic
// target addressing and header rotation are unavailable on this backend;
// deployed gateways pass identity headers through unmodified.
type ManagedGatewayAdapter struct {
	cp            GatewayControlPlane
	sem           *semaphore.Weighted
	logger        *logrus.Logger
	defaultRegion string
}

func NewManagedGatewayAdapter(cp GatewayControlPlane, defaultRegion string, maxConcurrent int64, logger *logrus.Logger) *ManagedGatewayAdapter {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &ManagedGatewayAdapter{
		cp:            cp,
		sem:           semaphore.NewWeighted(maxConcurrent),
		logger:        logger,
		defaultRegion: defaultRegion,
	}
}

func (a *ManagedGatewayAdapter) Provider() types.Provider {
	return types.ProviderManagedGateway
}

func (a *ManagedGatewayAdapter) Create(ctx context.Context, opts CreateOptions) ([]types.ProxyResource, error) {
	if opts.TargetURL == "" {
		return nil, errors.New("managed gateway requires a target URL at creation time")
	}

	region := opts.Region
	if region == "" {
		region = a.defaultRegion
	}

	resources, failures := runBatch(ctx, a.Provider(), opts.Count, a.sem,
		func(ctx context.Context, _ int) (types.ProxyResource, error) {
			name := gatewayName(opts.TargetURL)
			a.logger.WithFields(logrus.Fields{
				"name":   name,
				"region": region,
				"target": opts.TargetURL,
			}).Info("Creating managed gateway")

			deployment, err := a.cp.CreateGateway(ctx, name, GatewaySpec{
				TargetURL: opts.TargetURL,
				Region:    region,
			})
			if err != nil {
				return types.ProxyResource{}, fmt.Errorf("create gateway %s: %w", name, err)
			}
			return gatewayResource(deployment), nil
		})
	return batchError(resources, failures)
}

func (a *ManagedGatewayAdapter) List(ctx context.Context) ([]types.ProxyResource, error) {
	deployments, err := a.cp.ListGateways(ctx)
	if err != nil {
		return nil, fmt.Errorf("list managed gateways: %w", err)
	}

	resources := make([]types.ProxyResource, 0, len(deployments))
	for _, d := range deployments {
		resources = append(resources, gatewayResource(d))
	}
	return resources, nil
}

func (a *ManagedGatewayAdapter) Delete(ctx context.Context, id string) error {
	if err := a.cp.DeleteGateway(ctx, id); err != nil {
		return err
	}
	a.logger.WithField("id", id).Info("Deleted managed gateway")
	return nil
}

func gatewayResource(d GatewayDeployment) types.ProxyResource {
	status := types.StatusActive
	switch d.State {
	case "creating", "pending":
		status = types.StatusProvisioning
	case "deleting":
		status = types.StatusDeleting
	case "failed":
		status = types.StatusDegraded
	}
	return types.ProxyResource{
		ID:              d.ID,
		Provider:        types.ProviderManagedGateway,
		PublicAddresses: []string{d.Endpoint},
		Region:          d.Region,
		BaseTargetURL:   d.TargetURL,
		Status:          status,
		CreatedAt:       d.CreatedAt,
	}
}

// gatewayName derives "omniprox-{domain}-{timestamp}-{suffix}" from the
// target, e.g. "omniprox-example-20250113094512-3f9c". The suffix keeps
// batch-created names unique within one second.
func gatewayName(targetURL string) string {
	domain := "target"
	if u, err := url.Parse(targetURL); err == nil && u.Hostname() != "" {
		labels := strings.Split(u.Hostname(), ".")
		if len(labels) >= 2 {
			domain = labels[len(labels)-2]
		} else {
			domain = labels[0]
		}
	}
	return fmt.Sprintf("omniprox-%s-%s-%s", domain, timestamp(), uniqueSuffix(4))
}
