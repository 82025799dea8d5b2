// Package scans owns the scan entity: its status state machine, job
// dispatch to the external worker and cancellation.
package scans

import (
	"context"
	"errors"
	"fmt"

	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/metrics"
	"github.com/revulnera/revulnera/pkg/types"
)

// validSources lists, per requested status, the statuses it may be entered
// from. RUNNING tolerates a self-transition so a worker retrying its status
// callback is not rejected. Terminal states are never a valid source, so
// whichever of a racing cancel / completion lands second loses.
var validSources = map[types.ScanStatus][]types.ScanStatus{
	types.ScanStatusRunning:   {types.ScanStatusPending, types.ScanStatusRunning},
	types.ScanStatusCompleted: {types.ScanStatusPending, types.ScanStatusRunning},
	types.ScanStatusFailed:    {types.ScanStatusPending, types.ScanStatusRunning},
	types.ScanStatusCancelled: {types.ScanStatusPending, types.ScanStatusRunning},
}

type Service struct {
	store        core.Store
	bus          core.EventBus
	worker       core.WorkerClient
	authz        core.Authorizer
	log          *logger.Logger
	callbackBase string
}

func NewService(store core.Store, bus core.EventBus, worker core.WorkerClient, authz core.Authorizer, callbackBase string, log *logger.Logger) *Service {
	return &Service{
		store:        store,
		bus:          bus,
		worker:       worker,
		authz:        authz,
		log:          log.WithComponent("scans"),
		callbackBase: callbackBase,
	}
}

// Start creates a PENDING scan, dispatches the job to the worker and moves
// the scan to RUNNING, or to FAILED when the worker is unreachable. The
// returned scan reflects the outcome; on dispatch failure the error is a
// *core.UpstreamError wrapping the transport problem.
func (s *Service) Start(ctx context.Context, target string, caller core.Principal, authHeader string) (*types.Scan, error) {
	scan := &types.Scan{
		Target:  target,
		Status:  types.ScanStatusPending,
		OwnerID: caller.UserID,
	}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, types.StatusEvent(scan.ID, types.ScanStatusPending, ""))
	metrics.ScansStarted.Inc()

	log := s.log.WithScanID(scan.ID).WithTarget(target)
	log.Infow("Dispatching scan to worker")

	err := s.worker.StartJob(ctx, core.StartJobRequest{
		ScanID:       scan.ID,
		Target:       target,
		CallbackBase: s.callbackBase,
		AuthHeader:   authHeader,
	})
	if err != nil {
		log.Errorw("Worker dispatch failed", "error", err)
		failed, terr := s.Transition(ctx, scan.ID, types.ScanStatusFailed, err.Error())
		if terr != nil {
			log.Errorw("Failed to mark scan as failed", "error", terr)
			return scan, &core.UpstreamError{Op: "dispatch", Err: err}
		}
		return failed, &core.UpstreamError{Op: "dispatch", Err: err}
	}

	running, err := s.Transition(ctx, scan.ID, types.ScanStatusRunning, "")
	if errors.Is(err, core.ErrInvalidTransition) {
		// The worker raced us and already reported a terminal status
		// through the ingestion API. Its transition stands.
		log.Debugw("Scan already past RUNNING, keeping worker-reported status")
		return s.store.GetScan(ctx, scan.ID)
	}
	if err != nil {
		return nil, err
	}
	return running, nil
}

// Cancel asks the worker to stop the job and moves the scan to CANCELLED.
// A worker transport failure leaves the scan untouched so the caller can
// retry.
func (s *Service) Cancel(ctx context.Context, scanID string, caller core.Principal) (*types.Scan, error) {
	scan, err := s.Get(ctx, scanID, caller)
	if err != nil {
		return nil, err
	}
	if scan.Status != types.ScanStatusPending && scan.Status != types.ScanStatusRunning {
		return nil, fmt.Errorf("%w: scan is %s", core.ErrInvalidState, scan.Status)
	}

	if err := s.worker.CancelJob(ctx, scanID); err != nil {
		s.log.WithScanID(scanID).Warnw("Worker cancel request failed", "error", err)
		return nil, &core.UpstreamError{Op: "cancel", Err: err}
	}

	cancelled, err := s.Transition(ctx, scanID, types.ScanStatusCancelled, "")
	if errors.Is(err, core.ErrInvalidTransition) {
		// Completion beat the cancel; surface the state error rather than
		// overwriting the terminal status.
		current, gerr := s.store.GetScan(ctx, scanID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: scan is %s", core.ErrInvalidState, current.Status)
	}
	return cancelled, err
}

// Transition moves the scan to status if reachable from its current state,
// then emits a scan_status event. Used by Start/Cancel and by the worker's
// status callback.
func (s *Service) Transition(ctx context.Context, scanID string, status types.ScanStatus, errorMessage string) (*types.Scan, error) {
	from, ok := validSources[status]
	if !ok {
		return nil, fmt.Errorf("%w: cannot enter %s", core.ErrInvalidTransition, status)
	}

	scan, err := s.store.TransitionScan(ctx, scanID, from, status, errorMessage)
	if err != nil {
		return nil, err
	}

	if status.Terminal() {
		metrics.ScansByOutcome.WithLabelValues(string(status)).Inc()
	}
	s.bus.Publish(ctx, types.StatusEvent(scanID, status, errorMessage))
	return scan, nil
}

// Get returns the scan when it exists and the caller may access it;
// otherwise ErrNotFound, so callers cannot probe other users' scans.
func (s *Service) Get(ctx context.Context, scanID string, caller core.Principal) (*types.Scan, error) {
	scan, err := s.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanAccess(caller, scan) {
		return nil, core.ErrNotFound
	}
	return scan, nil
}

// List returns the caller's scans; admins see everyone's.
func (s *Service) List(ctx context.Context, caller core.Principal, filter core.ScanFilter) ([]*types.Scan, error) {
	if caller.Role != core.RoleAdmin {
		filter.OwnerID = caller.UserID
	}
	return s.store.ListScans(ctx, filter)
}

// Counts returns per-category finding counts for a scan the caller owns.
func (s *Service) Counts(ctx context.Context, scanID string, caller core.Principal) (*types.FindingCounts, error) {
	if _, err := s.Get(ctx, scanID, caller); err != nil {
		return nil, err
	}
	return s.store.CountFindings(ctx, scanID)
}
