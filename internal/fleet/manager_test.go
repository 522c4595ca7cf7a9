package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZephrFish/OmniProx/internal/localplane"
	"github.com/ZephrFish/OmniProx/internal/provider"
	"github.com/ZephrFish/OmniProx/internal/types"
)

// stubAdapter is an in-memory Adapter with scriptable create and delete
// behavior.
type stubAdapter struct {
	mu       sync.Mutex
	provider types.Provider
	live     map[string]types.ProxyResource
	seq      int

	failEvery  int   // every Nth create attempt fails
	createErr  error // returned instead of creating anything
	listErr    error
	deleteErr  error
	deleteSeen []string
}

func newStubAdapter(p types.Provider) *stubAdapter {
	return &stubAdapter{provider: p, live: make(map[string]types.ProxyResource)}
}

func (s *stubAdapter) Provider() types.Provider { return s.provider }

func (s *stubAdapter) Create(_ context.Context, opts provider.CreateOptions) ([]types.ProxyResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}

	count := opts.Count
	if count < 1 {
		count = 1
	}

	var created []types.ProxyResource
	var failures []types.AttemptFailure
	for i := 0; i < count; i++ {
		s.seq++
		if s.failEvery > 0 && s.seq%s.failEvery == 0 {
			failures = append(failures, types.AttemptFailure{
				Provider: s.provider,
				Reason:   "simulated create failure",
			})
			continue
		}
		resource := types.ProxyResource{
			ID:              fmt.Sprintf("%s-%d", s.provider, s.seq),
			Provider:        s.provider,
			PublicAddresses: []string{fmt.Sprintf("https://unit-%d.example.net", s.seq)},
			Region:          opts.Region,
			BaseTargetURL:   opts.TargetURL,
			Status:          types.StatusActive,
		}
		s.live[resource.ID] = resource
		created = append(created, resource)
	}

	if len(failures) > 0 {
		return created, &types.PartialFailure{Created: created, Failures: failures}
	}
	return created, nil
}

func (s *stubAdapter) List(_ context.Context) ([]types.ProxyResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]types.ProxyResource, 0, len(s.live))
	for _, resource := range s.live {
		out = append(out, resource)
	}
	return out, nil
}

func (s *stubAdapter) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSeen = append(s.deleteSeen, id)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.live[id]; !ok {
		return types.ErrNotFound
	}
	delete(s.live, id)
	return nil
}

func (s *stubAdapter) inject(resource types.ProxyResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[resource.ID] = resource
}

func (s *stubAdapter) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(adapters ...provider.Adapter) (*Manager, *InMemoryStore) {
	store := NewInMemoryStore()
	return NewManager(adapters, store, nil, testLogger()), store
}

func TestCreatePersistsResources(t *testing.T) {
	adapter := newStubAdapter(types.ProviderEdgeFunction)
	manager, store := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderEdgeFunction, "https://example.com", 3, "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.SuccessCount())
	assert.Equal(t, 0, result.FailureCount())

	recorded, err := store.ListResources(context.Background(), types.ProviderEdgeFunction)
	require.NoError(t, err)
	assert.Len(t, recorded, 3)
	for _, resource := range recorded {
		assert.Equal(t, types.ProviderEdgeFunction, resource.Provider)
		assert.Equal(t, types.StatusActive, resource.Status)
		assert.NotEmpty(t, resource.PublicAddresses)
	}
}

func TestCreatePartialFailureKeepsCreatedHalf(t *testing.T) {
	adapter := newStubAdapter(types.ProviderContainerPool)
	adapter.failEvery = 5 // fifth attempt in the batch fails
	manager, _ := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderContainerPool, "https://example.com", 5, "eastus")
	require.NoError(t, err)
	assert.Equal(t, 4, result.SuccessCount())
	assert.Equal(t, 1, result.FailureCount())
	assert.Contains(t, result.Failures[0].Reason, "simulated create failure")

	listed, err := manager.List(context.Background(), types.ProviderContainerPool)
	require.NoError(t, err)
	assert.Len(t, listed, 4)
}

func TestCreateTotalFailureIsolatedPerProvider(t *testing.T) {
	edge := newStubAdapter(types.ProviderEdgeFunction)
	pool := newStubAdapter(types.ProviderContainerPool)
	pool.createErr = types.ErrQuotaExceeded
	manager, _ := newTestManager(edge, pool)

	result, err := manager.Create(context.Background(), types.ProviderAll, "https://example.com", 2, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount())
	require.Equal(t, 1, result.FailureCount())
	assert.Equal(t, types.ProviderContainerPool, result.Failures[0].Provider)

	for _, resource := range result.Resources {
		assert.Equal(t, types.ProviderEdgeFunction, resource.Provider)
	}
}

func TestCreateUnknownProvider(t *testing.T) {
	manager, _ := newTestManager(newStubAdapter(types.ProviderEdgeFunction))

	_, err := manager.Create(context.Background(), types.ProviderManagedGateway, "https://example.com", 1, "")
	assert.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	adapter := newStubAdapter(types.ProviderEdgeFunction)
	manager, _ := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderEdgeFunction, "", 1, "")
	require.NoError(t, err)
	require.Equal(t, 1, result.SuccessCount())
	id := result.Resources[0].ID

	require.NoError(t, manager.Delete(context.Background(), id))
	assert.ErrorIs(t, manager.Delete(context.Background(), id), types.ErrNotFound)
}

func TestDeleteUnknownID(t *testing.T) {
	manager, _ := newTestManager(newStubAdapter(types.ProviderEdgeFunction))
	assert.ErrorIs(t, manager.Delete(context.Background(), "never-existed"), types.ErrNotFound)
}

func TestDeleteResourceGoneAtProvider(t *testing.T) {
	adapter := newStubAdapter(types.ProviderManagedGateway)
	manager, store := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderManagedGateway, "https://example.com", 1, "")
	require.NoError(t, err)
	id := result.Resources[0].ID

	// Vanishes out-of-band before the delete lands.
	adapter.drop(id)

	assert.ErrorIs(t, manager.Delete(context.Background(), id), types.ErrNotFound)

	record, err := store.GetResource(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, record.Status)
}

func TestDeleteAdapterFailureRestoresStatus(t *testing.T) {
	adapter := newStubAdapter(types.ProviderContainerPool)
	manager, store := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderContainerPool, "", 1, "eastus")
	require.NoError(t, err)
	id := result.Resources[0].ID

	adapter.deleteErr = errors.New("control plane timeout")
	err = manager.Delete(context.Background(), id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrNotFound)

	record, err := store.GetResource(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, record.Status)

	// Retry succeeds once the control plane recovers.
	adapter.deleteErr = nil
	require.NoError(t, manager.Delete(context.Background(), id))
}

func TestListReconcilesStaleRecords(t *testing.T) {
	adapter := newStubAdapter(types.ProviderEdgeFunction)
	manager, store := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderEdgeFunction, "", 2, "")
	require.NoError(t, err)
	require.Equal(t, 2, result.SuccessCount())

	gone := result.Resources[0].ID
	adapter.drop(gone)

	listed, err := manager.List(context.Background(), types.ProviderEdgeFunction)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotEqual(t, gone, listed[0].ID)

	record, err := store.GetResource(context.Background(), gone)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, record.Status)
}

func TestListAdoptsUnrecordedResources(t *testing.T) {
	adapter := newStubAdapter(types.ProviderEdgeFunction)
	manager, store := newTestManager(adapter)

	// Created outside this control plane, e.g. by an older deployment.
	adapter.inject(types.ProxyResource{
		ID:              "legacy-worker",
		Provider:        types.ProviderEdgeFunction,
		PublicAddresses: []string{"https://legacy-worker.example.workers.dev"},
		Status:          types.StatusActive,
	})

	listed, err := manager.List(context.Background(), types.ProviderEdgeFunction)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "legacy-worker", listed[0].ID)

	record, err := store.GetResource(context.Background(), "legacy-worker")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, record.Status)
}

func TestListFallsBackToRecordedState(t *testing.T) {
	adapter := newStubAdapter(types.ProviderManagedGateway)
	manager, _ := newTestManager(adapter)

	result, err := manager.Create(context.Background(), types.ProviderManagedGateway, "https://example.com", 2, "")
	require.NoError(t, err)
	require.Equal(t, 2, result.SuccessCount())

	adapter.listErr = errors.New("control plane unavailable")

	listed, err := manager.List(context.Background(), types.ProviderManagedGateway)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestCleanupDeletesEverything(t *testing.T) {
	adapter := newStubAdapter(types.ProviderContainerPool)
	manager, _ := newTestManager(adapter)

	created, err := manager.Create(context.Background(), types.ProviderContainerPool, "https://example.com", 3, "eastus")
	require.NoError(t, err)
	require.Equal(t, 3, created.SuccessCount())

	addresses := make(map[string]bool)
	for _, resource := range created.Resources {
		for _, addr := range resource.PublicAddresses {
			addresses[addr] = true
		}
	}
	assert.Len(t, addresses, 3)

	result, err := manager.Cleanup(context.Background(), types.ProviderContainerPool)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SuccessCount())
	assert.Equal(t, 0, result.FailureCount())
	for _, resource := range result.Resources {
		assert.Equal(t, types.StatusDeleted, resource.Status)
	}

	listed, err := manager.List(context.Background(), types.ProviderContainerPool)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestCleanupReportsFailuresAndContinues(t *testing.T) {
	edge := newStubAdapter(types.ProviderEdgeFunction)
	pool := newStubAdapter(types.ProviderContainerPool)
	manager, _ := newTestManager(edge, pool)

	_, err := manager.Create(context.Background(), types.ProviderAll, "https://example.com", 2, "")
	require.NoError(t, err)

	pool.deleteErr = errors.New("control plane timeout")

	result, err := manager.Cleanup(context.Background(), types.ProviderAll)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount())
	assert.Equal(t, 2, result.FailureCount())
	for _, failure := range result.Failures {
		assert.Equal(t, types.ProviderContainerPool, failure.Provider)
		assert.NotEmpty(t, failure.ResourceID)
	}

	// Edge resources are gone, pool resources survive for a later sweep.
	listed, err := manager.List(context.Background(), types.ProviderAll)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestConnectivityCheckAgainstLiveEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	plane := localplane.New(testLogger())
	defer plane.Close()

	adapter := provider.NewEdgeFunctionAdapter(plane, 1, testLogger())
	manager := NewManager([]provider.Adapter{adapter}, NewInMemoryStore(), nil, testLogger())

	created, err := manager.Create(context.Background(), types.ProviderEdgeFunction, "", 1, "")
	require.NoError(t, err)
	require.Equal(t, 1, created.SuccessCount())
	id := created.Resources[0].ID

	result, err := manager.Test(context.Background(), id, upstream.URL)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, types.ProviderEdgeFunction, result.Provider)
	assert.Empty(t, result.Error)
}

func TestConnectivityCheckUnknownID(t *testing.T) {
	manager, _ := newTestManager(newStubAdapter(types.ProviderEdgeFunction))

	_, err := manager.Test(context.Background(), "never-existed", "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConnectivityCheckUnreachableEndpoint(t *testing.T) {
	manager, store := newTestManager(newStubAdapter(types.ProviderEdgeFunction))

	require.NoError(t, store.CreateResource(context.Background(), &types.ProxyResource{
		ID:              "dead-unit",
		Provider:        types.ProviderEdgeFunction,
		PublicAddresses: []string{"http://127.0.0.1:1"},
		Status:          types.StatusActive,
	}))

	result, err := manager.Test(context.Background(), "dead-unit", "")
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.NotEmpty(t, result.Error)
}

func TestStoreWritesScopedByProvider(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	// Same id in two provider namespaces.
	require.NoError(t, store.CreateResource(ctx, &types.ProxyResource{
		ID: "shared", Provider: types.ProviderEdgeFunction, Status: types.StatusActive,
	}))
	require.NoError(t, store.CreateResource(ctx, &types.ProxyResource{
		ID: "shared", Provider: types.ProviderContainerPool, Status: types.StatusActive,
	}))

	require.NoError(t, store.UpdateStatus(ctx, "shared", types.ProviderContainerPool, types.StatusDeleted))

	edge, err := store.ListResources(ctx, types.ProviderEdgeFunction)
	require.NoError(t, err)
	require.Len(t, edge, 1)
	assert.Equal(t, types.StatusActive, edge[0].Status)

	pool, err := store.ListResources(ctx, types.ProviderContainerPool)
	require.NoError(t, err)
	assert.Empty(t, pool)

	// Lookup by id alone prefers the live record.
	record, err := store.GetResource(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, types.ProviderEdgeFunction, record.Provider)

	assert.ErrorIs(t, store.DeleteResource(ctx, "shared", types.ProviderManagedGateway), types.ErrNotFound)
	require.NoError(t, store.DeleteResource(ctx, "shared", types.ProviderEdgeFunction))
}

func TestKeyedLocksReleaseEntries(t *testing.T) {
	var locks keyedMutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			unlock := locks.lock(fmt.Sprintf("id-%d", n%3))
			unlock()
		}(i)
	}
	wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}

func TestCreatedResourceRoundTrip(t *testing.T) {
	adapter := newStubAdapter(types.ProviderContainerPool)
	manager, _ := newTestManager(adapter)

	created, err := manager.Create(context.Background(), types.ProviderContainerPool, "https://internal.example.com", 1, "westeurope")
	require.NoError(t, err)
	require.Equal(t, 1, created.SuccessCount())

	listed, err := manager.List(context.Background(), types.ProviderContainerPool)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	assert.Equal(t, created.Resources[0].ID, listed[0].ID)
	assert.Equal(t, created.Resources[0].Provider, listed[0].Provider)
	assert.Equal(t, created.Resources[0].Region, listed[0].Region)
	assert.Equal(t, created.Resources[0].PublicAddresses, listed[0].PublicAddresses)
}
