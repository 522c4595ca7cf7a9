package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// ContainerSpec configures one pooled compute unit. Each unit runs the
// omniprox endpoint image with its own forwarding engine.
type ContainerSpec struct {
	TargetURL string
	Region    string
}

// ContainerUnit is the control plane's view of one running container.
type ContainerUnit struct {
	Name      string
	Address   string
	Region    string
	TargetURL string
	Running   bool
	CreatedAt time.Time
}

// ContainerControlPlane is the vendor client boundary for container
// backends.
type ContainerControlPlane interface {
	LaunchContainer(ctx context.Context, name string, spec ContainerSpec) (ContainerUnit, error)
	ListContainers(ctx context.Context) ([]ContainerUnit, error)
	TerminateContainer(ctx context.Context, name string) error
}

// ContainerPoolAdapter deploys batches of independently addressable
// compute units. Every unit gets its own public address, so this is the
// one backend where network-layer IP diversity actually holds.
type ContainerPoolAdapter struct {
	cp            ContainerControlPlane
	sem           *semaphore.Weighted
	logger        *logrus.Logger
	defaultRegion string
}

func NewContainerPoolAdapter(cp ContainerControlPlane, defaultRegion string, maxConcurrent int64, logger *logrus.Logger) *ContainerPoolAdapter {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &ContainerPoolAdapter{
		cp:            cp,
		sem:           semaphore.NewWeighted(maxConcurrent),
		logger:        logger,
		defaultRegion: defaultRegion,
	}
}

func (a *ContainerPoolAdapter) Provider() types.Provider {
	return types.ProviderContainerPool
}

func (a *ContainerPoolAdapter) Create(ctx context.Context, opts CreateOptions) ([]types.ProxyResource, error) {
	region := opts.Region
	if region == "" {
		region = a.defaultRegion
	}

	resources, failures := runBatch(ctx, a.Provider(), opts.Count, a.sem,
		func(ctx context.Context, index int) (types.ProxyResource, error) {
			name := fmt.Sprintf("omniprox-pool-%s-%d-%s", timestamp(), index, uniqueSuffix(6))
			a.logger.WithFields(logrus.Fields{
				"name":   name,
				"region": region,
				"target": opts.TargetURL,
			}).Info("Launching pool container")

			unit, err := a.cp.LaunchContainer(ctx, name, ContainerSpec{
				TargetURL: opts.TargetURL,
				Region:    region,
			})
			if err != nil {
				return types.ProxyResource{}, fmt.Errorf("launch %s: %w", name, err)
			}
			return containerResource(unit), nil
		})
	return batchError(resources, failures)
}

func (a *ContainerPoolAdapter) List(ctx context.Context) ([]types.ProxyResource, error) {
	units, err := a.cp.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pool containers: %w", err)
	}

	resources := make([]types.ProxyResource, 0, len(units))
	for _, unit := range units {
		resources = append(resources, containerResource(unit))
	}
	return resources, nil
}

// Delete terminates a single pooled unit; the rest of the pool keeps
// running.
func (a *ContainerPoolAdapter) Delete(ctx context.Context, id string) error {
	if err := a.cp.TerminateContainer(ctx, id); err != nil {
		return err
	}
	a.logger.WithField("name", id).Info("Terminated pool container")
	return nil
}

func containerResource(unit ContainerUnit) types.ProxyResource {
	status := types.StatusActive
	if !unit.Running {
		status = types.StatusDegraded
	}
	return types.ProxyResource{
		ID:              unit.Name,
		Provider:        types.ProviderContainerPool,
		PublicAddresses: []string{unit.Address},
		Region:          unit.Region,
		BaseTargetURL:   unit.TargetURL,
		Status:          status,
		CreatedAt:       unit.CreatedAt,
	}
}
