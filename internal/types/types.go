package types

import (
	"errors"
	"fmt"
	"time"
)

// Provider identifies the backend topology a proxy resource is deployed on.
type Provider string

const (
	// ProviderEdgeFunction deploys one globally distributed forwarding unit
	// per create call. No region parameter is meaningful.
	ProviderEdgeFunction Provider = "edge-function"

	// ProviderContainerPool deploys a batch of independently addressable
	// compute units, each running its own forwarding endpoint.
	ProviderContainerPool Provider = "container-pool"

	// ProviderManagedGateway deploys a routing configuration bound to a
	// fixed target URL decided at creation time.
	ProviderManagedGateway Provider = "managed-gateway"

	// ProviderAll selects every configured provider for fan-out operations.
	ProviderAll Provider = "all"
)

// Providers lists the concrete provider variants (excludes ProviderAll).
func Providers() []Provider {
	return []Provider{ProviderEdgeFunction, ProviderContainerPool, ProviderManagedGateway}
}

// ParseProvider validates a provider name from user input.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderEdgeFunction, ProviderContainerPool, ProviderManagedGateway, ProviderAll:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Status is the lifecycle state of a proxy resource.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusDegraded     Status = "degraded"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
)

// ProxyResource is one deployed forwarding endpoint. (provider, id) is
// globally unique; id alone is unique within a provider namespace.
type ProxyResource struct {
	ID              string    `json:"id"`
	Provider        Provider  `json:"provider"`
	PublicAddresses []string  `json:"public_addresses"`
	Region          string    `json:"region,omitempty"`
	BaseTargetURL   string    `json:"base_target_url,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// AttemptFailure records one failed unit inside a batch operation.
type AttemptFailure struct {
	Provider   Provider `json:"provider"`
	ResourceID string   `json:"resource_id,omitempty"`
	Reason     string   `json:"reason"`
}

// BatchResult aggregates the outcome of a batch lifecycle operation. It
// always carries both halves: units that succeeded and units that failed.
type BatchResult struct {
	Resources []ProxyResource  `json:"resources"`
	Failures  []AttemptFailure `json:"failures"`
}

func (r *BatchResult) SuccessCount() int { return len(r.Resources) }
func (r *BatchResult) FailureCount() int { return len(r.Failures) }

// Merge folds another batch result into this one.
func (r *BatchResult) Merge(other *BatchResult) {
	if other == nil {
		return
	}
	r.Resources = append(r.Resources, other.Resources...)
	r.Failures = append(r.Failures, other.Failures...)
}

// PartialFailure is returned by adapter batch creation when some units
// succeeded and some did not. Callers must not discard the created half.
type PartialFailure struct {
	Created  []ProxyResource
	Failures []AttemptFailure
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("batch partially failed: %d created, %d failed", len(e.Created), len(e.Failures))
}

var (
	// ErrNotFound is returned when a resource id is unknown or already deleted.
	ErrNotFound = errors.New("resource not found")

	// ErrUnresolvableTarget is returned when no forwarding target can be
	// derived from a request and no base target URL is configured.
	ErrUnresolvableTarget = errors.New("no target URL provided")

	// ErrQuotaExceeded is returned by an adapter when the provider control
	// plane rejects a create attempt for quota reasons. Not retried here;
	// retry policy belongs to the calling layer.
	ErrQuotaExceeded = errors.New("provider quota exceeded")

	// ErrUpstreamUnreachable is returned when a deployed endpoint cannot
	// reach its resolved forwarding target.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// CreateProxiesRequest is the admin API payload for batch creation.
type CreateProxiesRequest struct {
	Provider  string `json:"provider" binding:"required"`
	TargetURL string `json:"target_url" binding:"omitempty,url"`
	Count     int    `json:"count"`
	Region    string `json:"region"`
}

// CleanupRequest selects the scope for a cleanup operation.
type CleanupRequest struct {
	Provider string `json:"provider" binding:"required"`
}
