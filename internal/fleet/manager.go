package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZephrFish/OmniProx/internal/metrics"
	"github.com/ZephrFish/OmniProx/internal/provider"
	"github.com/ZephrFish/OmniProx/internal/types"
)

// RecordCache is the optional read-through cache in front of the store.
// cache.Cache implements it; a nil cache disables caching.
type RecordCache interface {
	SaveResource(ctx context.Context, resource *types.ProxyResource) error
	RemoveResource(ctx context.Context, id string, provider types.Provider) error
	InvalidateListings(ctx context.Context, provider types.Provider) error
}

// Manager orchestrates batch lifecycle operations across the configured
// provider adapters and owns the fleet state store.
type Manager struct {
	adapters map[types.Provider]provider.Adapter
	store    Store
	cache    RecordCache
	logger   *logrus.Logger
	client   *http.Client
	locks    keyedMutex
}

func NewManager(adapters []provider.Adapter, store Store, cache RecordCache, logger *logrus.Logger) *Manager {
	byProvider := make(map[types.Provider]provider.Adapter, len(adapters))
	for _, a := range adapters {
		byProvider[a.Provider()] = a
	}
	return &Manager{
		adapters: byProvider,
		store:    store,
		cache:    cache,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Create fans out batch creation to the selected adapters. Each provider's
// batch is independent: one provider failing completely does not abort the
// others, and partial failures inside a batch keep their created half.
func (m *Manager) Create(ctx context.Context, scope types.Provider, targetURL string, count int, region string) (*types.BatchResult, error) {
	adapters, err := m.scoped(scope)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = &types.BatchResult{}
	)

	for _, adapter := range adapters {
		wg.Add(1)
		go func(a provider.Adapter) {
			defer wg.Done()

			resources, err := a.Create(ctx, provider.CreateOptions{
				TargetURL: targetURL,
				Count:     count,
				Region:    region,
			})

			sub := &types.BatchResult{Resources: resources}
			if err != nil {
				var partial *types.PartialFailure
				if errors.As(err, &partial) {
					sub.Failures = partial.Failures
				} else {
					sub.Resources = nil
					sub.Failures = []types.AttemptFailure{{Provider: a.Provider(), Reason: err.Error()}}
				}
			}

			for i := range sub.Resources {
				if err := m.saveResource(ctx, &sub.Resources[i]); err != nil {
					m.logger.WithError(err).WithField("id", sub.Resources[i].ID).
						Error("Failed to persist resource record")
				}
			}

			m.observe("create", a.Provider(), len(sub.Resources), len(sub.Failures))

			mu.Lock()
			result.Merge(sub)
			mu.Unlock()
		}(adapter)
	}

	wg.Wait()
	return result, nil
}

// List merges adapter-reported truth for the scope and reconciles the
// store against it: recorded-but-missing records are marked deleted,
// live-but-unrecorded resources are adopted.
func (m *Manager) List(ctx context.Context, scope types.Provider) ([]types.ProxyResource, error) {
	adapters, err := m.scoped(scope)
	if err != nil {
		return nil, err
	}

	out := make([]types.ProxyResource, 0)
	for _, adapter := range adapters {
		resources, err := m.listProvider(ctx, adapter)
		if err != nil {
			return nil, err
		}
		out = append(out, resources...)
	}
	return out, nil
}

func (m *Manager) listProvider(ctx context.Context, a provider.Adapter) ([]types.ProxyResource, error) {
	recorded, err := m.store.ListResources(ctx, a.Provider())
	if err != nil {
		return nil, fmt.Errorf("state store list: %w", err)
	}

	live, err := a.List(ctx)
	if err != nil {
		// Control plane unavailable: serve recorded state rather than
		// failing the whole merged listing.
		m.logger.WithError(err).WithField("provider", a.Provider()).
			Warn("Adapter list failed, serving recorded state")
		return recorded, nil
	}

	liveByID := make(map[string]bool, len(live))
	for _, resource := range live {
		liveByID[resource.ID] = true
	}

	for _, record := range recorded {
		if liveByID[record.ID] {
			continue
		}
		// Recorded but gone from the provider: the record follows reality.
		m.withLock(record.ID, func() {
			if err := m.store.UpdateStatus(ctx, record.ID, record.Provider, types.StatusDeleted); err != nil {
				m.logger.WithError(err).WithField("id", record.ID).Warn("Failed to reconcile record")
			}
		})
		m.removeCached(ctx, record.ID, record.Provider)
	}

	recordedByID := make(map[string]bool, len(recorded))
	for _, record := range recorded {
		recordedByID[record.ID] = true
	}
	for i := range live {
		if recordedByID[live[i].ID] {
			continue
		}
		if err := m.saveResource(ctx, &live[i]); err != nil {
			m.logger.WithError(err).WithField("id", live[i].ID).Warn("Failed to adopt resource")
		}
	}

	return live, nil
}

// Delete resolves the owning provider from the store, delegates, and marks
// the record deleted only after the adapter confirms. Deleting an unknown
// or already-deleted id returns types.ErrNotFound, never a hard error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	record, err := m.store.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == types.StatusDeleted {
		return types.ErrNotFound
	}

	adapter, ok := m.adapters[record.Provider]
	if !ok {
		return fmt.Errorf("no adapter configured for provider %s", record.Provider)
	}

	previous := record.Status
	if err := m.store.UpdateStatus(ctx, id, record.Provider, types.StatusDeleting); err != nil {
		return err
	}

	if err := adapter.Delete(ctx, id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Already gone at the provider; the record follows.
			_ = m.store.UpdateStatus(ctx, id, record.Provider, types.StatusDeleted)
			m.removeCached(ctx, id, record.Provider)
			metrics.FleetResources.WithLabelValues(string(record.Provider), string(previous)).Dec()
			m.observe("delete", record.Provider, 0, 1)
			return types.ErrNotFound
		}
		_ = m.store.UpdateStatus(ctx, id, record.Provider, previous)
		m.observe("delete", record.Provider, 0, 1)
		return err
	}

	if err := m.store.UpdateStatus(ctx, id, record.Provider, types.StatusDeleted); err != nil {
		return err
	}
	m.removeCached(ctx, id, record.Provider)
	metrics.FleetResources.WithLabelValues(string(record.Provider), string(previous)).Dec()
	m.observe("delete", record.Provider, 1, 0)
	return nil
}

// Cleanup deletes every resource currently known for the scope. Individual
// failures, including resources that vanished in the meantime, are
// reported but never stop the sweep.
func (m *Manager) Cleanup(ctx context.Context, scope types.Provider) (*types.BatchResult, error) {
	resources, err := m.List(ctx, scope)
	if err != nil {
		return nil, err
	}

	result := &types.BatchResult{}
	for _, resource := range resources {
		if err := m.Delete(ctx, resource.ID); err != nil {
			result.Failures = append(result.Failures, types.AttemptFailure{
				Provider:   resource.Provider,
				ResourceID: resource.ID,
				Reason:     err.Error(),
			})
			continue
		}
		resource.Status = types.StatusDeleted
		result.Resources = append(result.Resources, resource)
	}
	return result, nil
}

// TestResult reports one connectivity check through a deployed endpoint.
type TestResult struct {
	ID         string         `json:"id"`
	Provider   types.Provider `json:"provider"`
	Address    string         `json:"address"`
	StatusCode int            `json:"status_code,omitempty"`
	LatencyMS  int64          `json:"latency_ms"`
	Healthy    bool           `json:"healthy"`
	Error      string         `json:"error,omitempty"`
}

// Test sends one request through a deployed endpoint to verify it actually
// forwards. Endpoints with a bound target are checked on their root path;
// the rest get testURL (or example.com) as an explicit target. A failing
// check is a result, not an error: the endpoint stays in the fleet either
// way.
func (m *Manager) Test(ctx context.Context, id, testURL string) (*TestResult, error) {
	record, err := m.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == types.StatusDeleted {
		return nil, types.ErrNotFound
	}
	if len(record.PublicAddresses) == 0 {
		return nil, fmt.Errorf("resource %s has no public address", id)
	}

	checkURL := record.PublicAddresses[0]
	if record.BaseTargetURL == "" {
		if testURL == "" {
			testURL = "https://example.com"
		}
		checkURL += "/?url=" + url.QueryEscape(testURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build test request: %w", err)
	}

	result := &TestResult{
		ID:       record.ID,
		Provider: record.Provider,
		Address:  record.PublicAddresses[0],
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = fmt.Errorf("%w: %v", types.ErrUpstreamUnreachable, err).Error()
		m.observe("test", record.Provider, 0, 1)
		return result, nil
	}
	resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Healthy = resp.StatusCode < http.StatusInternalServerError
	if result.Healthy {
		m.observe("test", record.Provider, 1, 0)
	} else {
		m.observe("test", record.Provider, 0, 1)
	}
	return result, nil
}

func (m *Manager) scoped(scope types.Provider) ([]provider.Adapter, error) {
	if scope == types.ProviderAll {
		out := make([]provider.Adapter, 0, len(m.adapters))
		for _, p := range types.Providers() {
			if a, ok := m.adapters[p]; ok {
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no providers configured")
		}
		return out, nil
	}

	adapter, ok := m.adapters[scope]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider %s", scope)
	}
	return []provider.Adapter{adapter}, nil
}

// saveResource persists one record, serialized against concurrent writes
// on the same id.
func (m *Manager) saveResource(ctx context.Context, resource *types.ProxyResource) error {
	var err error
	m.withLock(resource.ID, func() {
		err = m.store.CreateResource(ctx, resource)
	})
	if err != nil {
		return err
	}
	if m.cache != nil {
		if cerr := m.cache.SaveResource(ctx, resource); cerr != nil {
			m.logger.WithError(cerr).Debug("Failed to cache resource record")
		}
	}
	metrics.FleetResources.WithLabelValues(string(resource.Provider), string(resource.Status)).Inc()
	return nil
}

func (m *Manager) removeCached(ctx context.Context, id string, p types.Provider) {
	if m.cache == nil {
		return
	}
	if err := m.cache.RemoveResource(ctx, id, p); err != nil {
		m.logger.WithError(err).Debug("Failed to drop cached record")
	}
}

func (m *Manager) withLock(id string, fn func()) {
	unlock := m.locks.lock(id)
	defer unlock()
	fn()
}

func (m *Manager) observe(operation string, p types.Provider, succeeded, failed int) {
	if succeeded > 0 {
		metrics.LifecycleOperationTotal.WithLabelValues(operation, string(p), "success").
			Add(float64(succeeded))
	}
	if failed > 0 {
		metrics.LifecycleOperationTotal.WithLabelValues(operation, string(p), "failure").
			Add(float64(failed))
	}
}

// keyedMutex serializes store writes per resource id so reconciliation
// and delete cannot interleave on the same record. Entries are dropped
// once the last holder releases, so the map stays bounded by the number
// of ids under concurrent operation.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	lock, ok := k.locks[id]
	if !ok {
		lock = &refLock{}
		k.locks[id] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
