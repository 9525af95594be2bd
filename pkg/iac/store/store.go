// Package store is the State Store: the durable catalog of deployments,
// resource state, plans and leases (spec §4.4).
package store

import (
	"context"
	"time"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

// ErrBusy is returned by AcquireLease when another holder already owns the
// deployment's lease.
var ErrBusy = errBusy{}

type errBusy struct{}

func (errBusy) Error() string { return "store: deployment lease is held by another writer" }

// ErrNotFound is returned when a deployment or plan does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }

// ErrStalePlan is returned by UpdateDeploymentState when the plan's
// baseVersion no longer matches the deployment's current version.
var ErrStalePlan = errStalePlan{}

type errStalePlan struct{}

func (errStalePlan) Error() string { return "store: plan baseVersion is stale" }

// Lease describes an active exclusive hold on a deployment.
type Lease struct {
	DeploymentName string
	Holder         string
	Token          string
	AcquiredAt     time.Time
	ExpiresAt      time.Time
}

// Store is the State Store contract consumed by the Planner and Engine.
type Store interface {
	// Deployments
	GetDeployment(ctx context.Context, name string) (*types.Deployment, error)
	ListDeployments(ctx context.Context) ([]*types.Deployment, error)
	PutDeployment(ctx context.Context, d *types.Deployment) error
	DeleteDeployment(ctx context.Context, name string) error

	// Plans are append-only: once stored they are never mutated.
	StorePlan(ctx context.Context, p *types.Plan) error
	GetPlan(ctx context.Context, id string) (*types.Plan, error)

	// UpdateDeploymentState applies result's deltas transactionally and
	// bumps the deployment's version. It fails with ErrStalePlan if
	// baseVersion no longer matches the stored version.
	UpdateDeploymentState(ctx context.Context, name string, baseVersion int64, result *types.ExecutionResult, resources map[string]*types.ResourceInstance) error

	// Leases
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (string, error)
	RenewLease(ctx context.Context, name, token string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, token string) error

	// Recover breaks expired leases and promotes any resource left in a
	// transient state to failed; called once at process startup.
	Recover(ctx context.Context) error

	// Close releases underlying resources (e.g. the SQLite connection).
	Close() error
}
