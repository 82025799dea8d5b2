package core

import (
	"context"

	"github.com/revulnera/revulnera/pkg/types"
)

// Store is the persistence boundary for scans and their finding
// collections. All finding mutations are keyed by the category's natural
// key and must be atomic with respect to that key: an upsert either
// inserts or overwrites, it never produces a second row or a conflict
// error under concurrent callers.
type Store interface {
	CreateScan(ctx context.Context, scan *types.Scan) error
	GetScan(ctx context.Context, scanID string) (*types.Scan, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]*types.Scan, error)
	// TransitionScan conditionally moves the scan to status, but only when
	// its current status is one of from. Returns ErrInvalidTransition when
	// another writer got there first, ErrNotFound for an unknown id.
	TransitionScan(ctx context.Context, scanID string, from []types.ScanStatus, to types.ScanStatus, errorMessage string) (*types.Scan, error)
	DeleteScan(ctx context.Context, scanID string) error

	UpsertSubdomains(ctx context.Context, scanID string, items []types.Subdomain) error
	GetSubdomains(ctx context.Context, scanID string) ([]types.Subdomain, error)

	UpsertEndpoints(ctx context.Context, scanID string, items []types.Endpoint) error
	GetEndpoints(ctx context.Context, scanID string) ([]types.Endpoint, error)

	UpsertPortFindings(ctx context.Context, scanID string, items []types.PortFinding) error
	GetPortFindings(ctx context.Context, scanID string) ([]types.PortFinding, error)

	// ReplaceTLSResult stores a full snapshot for (scan, host), replacing
	// any previous snapshot rather than merging fields.
	ReplaceTLSResult(ctx context.Context, scanID string, result types.TLSResult) error
	GetTLSResults(ctx context.Context, scanID string) ([]types.TLSResult, error)

	UpsertDirectoryFindings(ctx context.Context, scanID string, items []types.DirectoryFinding) error
	GetDirectoryFindings(ctx context.Context, scanID string) ([]types.DirectoryFinding, error)

	// InsertVulnerabilities appends findings as-is; vulnerability findings
	// have no natural key.
	InsertVulnerabilities(ctx context.Context, scanID string, items []types.VulnerabilityFinding) error
	GetVulnerabilities(ctx context.Context, scanID string) ([]types.VulnerabilityFinding, error)

	CountFindings(ctx context.Context, scanID string) (*types.FindingCounts, error)
	Close() error
}

type ScanFilter struct {
	OwnerID string
	Status  types.ScanStatus
	Since   string // "7days", "30days" or empty for all
	Limit   int
	Offset  int
}

// EventBus fans structured events out to every live observer of a scan.
// Publish must never block on slow subscribers and a delivery failure to
// one subscriber is invisible to the publisher. Per-scan publish order is
// preserved for each subscriber; nothing is replayed to late joiners.
type EventBus interface {
	Publish(ctx context.Context, event types.Event)
	Subscribe(scanID string) (*Subscription, error)
	Unsubscribe(sub *Subscription)
	Close() error
}

// Subscription is one observer's handle on a scan's event stream. C is
// closed on Unsubscribe or bus shutdown.
type Subscription struct {
	ScanID string
	C      <-chan types.Event

	// Cancel is set by the bus implementation and used by Unsubscribe.
	Cancel func()
}

// WorkerClient starts and cancels jobs on the out-of-process scan worker.
// Both calls are short acknowledgement round-trips; the worker does the
// actual work asynchronously and reports back through the ingestion API.
type WorkerClient interface {
	StartJob(ctx context.Context, req StartJobRequest) error
	CancelJob(ctx context.Context, scanID string) error
}

type StartJobRequest struct {
	ScanID       string `json:"scan_id"`
	Target       string `json:"target"`
	CallbackBase string `json:"callback_base"`
	AuthHeader   string `json:"auth_header"`
}

// Principal identifies an authenticated API caller.
type Principal struct {
	UserID string
	Role   string
}

const RoleAdmin = "admin"

// Authorizer is the single capability check applied at every operation
// entry point, replacing per-endpoint role sniffing.
type Authorizer interface {
	CanAccess(caller Principal, scan *types.Scan) bool
}

type ownerAuthorizer struct{}

// NewAuthorizer returns the default policy: admins see every scan, everyone
// else only their own.
func NewAuthorizer() Authorizer { return ownerAuthorizer{} }

func (ownerAuthorizer) CanAccess(caller Principal, scan *types.Scan) bool {
	if caller.Role == RoleAdmin {
		return true
	}
	return scan != nil && scan.OwnerID == caller.UserID
}
