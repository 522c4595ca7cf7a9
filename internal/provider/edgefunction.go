package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// EdgeDeploySpec configures one edge function deployment.
type EdgeDeploySpec struct {
	// TargetURL is the optional default forwarding target baked into the
	// deployed script. Empty means the target is supplied per request.
	TargetURL string

	// RotateIdentity enables per-request identity header rotation in the
	// deployed unit.
	RotateIdentity bool
}

// EdgeDeployment is the control plane's view of one deployed script.
type EdgeDeployment struct {
	Name      string
	URL       string
	TargetURL string
	CreatedAt time.Time
}

// EdgeControlPlane is the vendor client boundary for edge function
// backends. Authentication, API versioning and quota handling live behind
// this interface.
type EdgeControlPlane interface {
	DeployScript(ctx context.Context, name string, spec EdgeDeploySpec) (EdgeDeployment, error)
	ListScripts(ctx context.Context) ([]EdgeDeployment, error)
	DeleteScript(ctx context.Context, name string) error
}

// EdgeFunctionAdapter deploys one globally distributed forwarding unit per
// create call. Region is meaningless here: the backend is global by
// construction.
type EdgeFunctionAdapter struct {
	cp     EdgeControlPlane
	sem    *semaphore.Weighted
	logger *logrus.Logger
}

func NewEdgeFunctionAdapter(cp EdgeControlPlane, maxConcurrent int64, logger *logrus.Logger) *EdgeFunctionAdapter {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &EdgeFunctionAdapter{
		cp:     cp,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger,
	}
}

func (a *EdgeFunctionAdapter) Provider() types.Provider {
	return types.ProviderEdgeFunction
}

func (a *EdgeFunctionAdapter) Create(ctx context.Context, opts CreateOptions) ([]types.ProxyResource, error) {
	resources, failures := runBatch(ctx, a.Provider(), opts.Count, a.sem,
		func(ctx context.Context, _ int) (types.ProxyResource, error) {
			name := edgeFunctionName()
			a.logger.WithFields(logrus.Fields{
				"name":   name,
				"target": opts.TargetURL,
			}).Info("Deploying edge function")

			deployment, err := a.cp.DeployScript(ctx, name, EdgeDeploySpec{
				TargetURL:      opts.TargetURL,
				RotateIdentity: true,
			})
			if err != nil {
				return types.ProxyResource{}, fmt.Errorf("deploy %s: %w", name, err)
			}
			return edgeResource(deployment), nil
		})
	return batchError(resources, failures)
}

func (a *EdgeFunctionAdapter) List(ctx context.Context) ([]types.ProxyResource, error) {
	deployments, err := a.cp.ListScripts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list edge functions: %w", err)
	}

	resources := make([]types.ProxyResource, 0, len(deployments))
	for _, d := range deployments {
		resources = append(resources, edgeResource(d))
	}
	return resources, nil
}

func (a *EdgeFunctionAdapter) Delete(ctx context.Context, id string) error {
	if err := a.cp.DeleteScript(ctx, id); err != nil {
		return err
	}
	a.logger.WithField("name", id).Info("Deleted edge function")
	return nil
}

func edgeResource(d EdgeDeployment) types.ProxyResource {
	return types.ProxyResource{
		ID:              d.Name,
		Provider:        types.ProviderEdgeFunction,
		PublicAddresses: []string{d.URL},
		BaseTargetURL:   d.TargetURL,
		Status:          types.StatusActive,
		CreatedAt:       d.CreatedAt,
	}
}

// edgeFunctionName builds a deployment name that does not advertise what
// it is, e.g. "worker-20250113094512-a3f9c1".
func edgeFunctionName() string {
	prefix := namePrefixes[rand.Intn(len(namePrefixes))]
	return fmt.Sprintf("%s-%s-%s", prefix, timestamp(), uniqueSuffix(6))
}
