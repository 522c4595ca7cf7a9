package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// CreateOptions parameterizes a batch creation. Count below 1 is treated
// as 1. Region is ignored by globally distributed backends.
type CreateOptions struct {
	TargetURL string
	Count     int
	Region    string
}

// Adapter translates lifecycle verbs into provider-specific control-plane
// operations. Adapters are stateless: List rebuilds provider truth on every
// call and nothing is retained between calls.
//
// Create may return *types.PartialFailure carrying both the created
// resources and the per-attempt errors; callers must not discard the
// created half. Delete returns types.ErrNotFound for unknown or already
// deleted ids.
type Adapter interface {
	Provider() types.Provider
	Create(ctx context.Context, opts CreateOptions) ([]types.ProxyResource, error)
	List(ctx context.Context) ([]types.ProxyResource, error)
	Delete(ctx context.Context, id string) error
}

// Credentials are resolved from a profile before adapter construction.
// Adapters never read configuration files directly.
type Credentials struct {
	APIToken  string `mapstructure:"api_token"`
	AccountID string `mapstructure:"account_id"`
	Project   string `mapstructure:"project"`
	Region    string `mapstructure:"region"`
}

// CredentialStore resolves named credential profiles per provider. Returns
// types.ErrNotFound for unknown profiles.
type CredentialStore interface {
	GetProfile(provider types.Provider, name string) (Credentials, error)
}

// OPSEC prefix pool for edge function names; generic words blend in with
// ordinary deployments.
var namePrefixes = []string{"proxy", "worker", "api", "service", "app", "edge"}

func uniqueSuffix(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func timestamp() string {
	return time.Now().Format("20060102150405")
}

// runBatch issues up to count create calls concurrently, bounded by the
// adapter's semaphore, and collects the outcome only after all calls have
// settled. Each attempt is independent; a failure never rolls back siblings.
func runBatch(
	ctx context.Context,
	p types.Provider,
	count int,
	sem *semaphore.Weighted,
	create func(ctx context.Context, index int) (types.ProxyResource, error),
) ([]types.ProxyResource, []types.AttemptFailure) {
	if count < 1 {
		count = 1
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		resources = make([]types.ProxyResource, 0, count)
		failures  []types.AttemptFailure
	)

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				failures = append(failures, types.AttemptFailure{Provider: p, Reason: err.Error()})
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			resource, err := create(ctx, index)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, types.AttemptFailure{Provider: p, Reason: err.Error()})
				return
			}
			resources = append(resources, resource)
		}(i)
	}

	wg.Wait()
	return resources, failures
}

// batchError folds batch failures into the adapter Create contract.
func batchError(resources []types.ProxyResource, failures []types.AttemptFailure) ([]types.ProxyResource, error) {
	if len(failures) == 0 {
		return resources, nil
	}
	return resources, &types.PartialFailure{Created: resources, Failures: failures}
}
