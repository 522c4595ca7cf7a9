package fleet

import (
	"context"
	"sync"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// Store is the fleet state store. database.Repository is the Postgres
// implementation; InMemoryStore backs tests and profile-less local runs.
//
// Records are keyed by (provider, id); writes carry the provider so a
// cross-provider id collision can never touch the wrong row. Lookup by id
// alone exists because the delete API addresses resources by id only.
//
// Records are owned exclusively by the Manager: adapters never touch the
// store and rebuild provider truth on every list.
type Store interface {
	CreateResource(ctx context.Context, resource *types.ProxyResource) error
	GetResource(ctx context.Context, id string) (*types.ProxyResource, error)
	ListResources(ctx context.Context, provider types.Provider) ([]types.ProxyResource, error)
	UpdateStatus(ctx context.Context, id string, provider types.Provider, status types.Status) error
	DeleteResource(ctx context.Context, id string, provider types.Provider) error
}

// InMemoryStore keeps records in a map. The original tool tracked deployed
// endpoints in a local state file; this is the moral equivalent for runs
// without Postgres.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]types.ProxyResource
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]types.ProxyResource)}
}

func recordKey(provider types.Provider, id string) string {
	return string(provider) + "/" + id
}

func (s *InMemoryStore) CreateResource(_ context.Context, resource *types.ProxyResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(resource.Provider, resource.ID)] = *resource
	return nil
}

// GetResource looks a record up by id across provider namespaces. A live
// record wins over a deleted one when ids collide across providers.
func (s *InMemoryStore) GetResource(_ context.Context, id string) (*types.ProxyResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var deleted *types.ProxyResource
	for _, record := range s.records {
		if record.ID != id {
			continue
		}
		if record.Status != types.StatusDeleted {
			match := record
			return &match, nil
		}
		match := record
		deleted = &match
	}
	if deleted != nil {
		return deleted, nil
	}
	return nil, types.ErrNotFound
}

func (s *InMemoryStore) ListResources(_ context.Context, provider types.Provider) ([]types.ProxyResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ProxyResource
	for _, record := range s.records {
		if record.Status == types.StatusDeleted {
			continue
		}
		if provider != types.ProviderAll && record.Provider != provider {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, provider types.Provider, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(provider, id)
	record, ok := s.records[key]
	if !ok {
		return types.ErrNotFound
	}
	record.Status = status
	s.records[key] = record
	return nil
}

func (s *InMemoryStore) DeleteResource(_ context.Context, id string, provider types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(provider, id)
	if _, ok := s.records[key]; !ok {
		return types.ErrNotFound
	}
	delete(s.records, key)
	return nil
}
