// Package ingest is the gateway for worker-reported results. Every entry
// point accepts a batch, validates items individually (a malformed item is
// dropped, never the whole batch), merges the valid items idempotently into
// the scan's finding store and re-broadcasts them as one chunk event.
package ingest

import (
	"context"

	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/metrics"
	"github.com/revulnera/revulnera/pkg/types"
)

type Service struct {
	store core.Store
	bus   core.EventBus
	log   *logger.Logger
}

func NewService(store core.Store, bus core.EventBus, log *logger.Logger) *Service {
	return &Service{
		store: store,
		bus:   bus,
		log:   log.WithComponent("ingest"),
	}
}

// scanExists gates every ingestion call. Ingestion into a terminal scan is
// still accepted for data completeness; observers treat those events as
// informational.
func (s *Service) scanExists(ctx context.Context, scanID string) error {
	_, err := s.store.GetScan(ctx, scanID)
	return err
}

// IngestSubdomains merges a batch by (scan, name). Items without a name
// are dropped. Returns the accepted count.
func (s *Service) IngestSubdomains(ctx context.Context, scanID string, items []types.Subdomain) (int, error) {
	if err := s.scanExists(ctx, scanID); err != nil {
		return 0, err
	}

	accepted := make([]types.Subdomain, 0, len(items))
	for _, it := range items {
		if it.Name == "" {
			metrics.IngestDropped.WithLabelValues("subdomains").Inc()
			continue
		}
		// Keep the single-IP field and the list in sync regardless of
		// which one the worker populated.
		if it.IP == "" && len(it.IPs) > 0 {
			it.IP = it.IPs[0]
		}
		if len(it.IPs) == 0 && it.IP != "" {
			it.IPs = []string{it.IP}
		}
		it.ScanID = scanID
		accepted = append(accepted, it)
	}

	if len(accepted) > 0 {
		if err := s.store.UpsertSubdomains(ctx, scanID, accepted); err != nil {
			return 0, err
		}
	}
	s.publishChunk(ctx, types.EventSubdomains, scanID, "subdomains", len(accepted), accepted)
	return len(accepted), nil
}

// IngestEndpoints merges a batch by (scan, url).
func (s *Service) IngestEndpoints(ctx context.Context, scanID string, items []types.Endpoint) (int, error) {
	if err := s.scanExists(ctx, scanID); err != nil {
		return 0, err
	}

	accepted := make([]types.Endpoint, 0, len(items))
	for _, it := range items {
		if it.URL == "" {
			metrics.IngestDropped.WithLabelValues("endpoints").Inc()
			continue
		}
		it.ScanID = scanID
		accepted = append(accepted, it)
	}

	if len(accepted) > 0 {
		if err := s.store.UpsertEndpoints(ctx, scanID, accepted); err != nil {
			return 0, err
		}
	}
	s.publishChunk(ctx, types.EventEndpoints, scanID, "endpoints", len(accepted), accepted)
	return len(accepted), nil
}

// IngestPortFindings merges a batch by (scan, host, port, protocol).
// Re-ingesting a known port is a no-op overwrite, never an error.
func (s *Service) IngestPortFindings(ctx context.Context, scanID string, items []types.PortFinding) (int, error) {
	if err := s.scanExists(ctx, scanID); err != nil {
		return 0, err
	}

	accepted := make([]types.PortFinding, 0, len(items))
	for _, it := range items {
		if it.Host == "" || it.Port <= 0 {
			metrics.IngestDropped.WithLabelValues("ports").Inc()
			continue
		}
		if it.Protocol == "" {
			it.Protocol = "tcp"
		}
		if it.State == "" {
			it.State = "open"
		}
		it.ScanID = scanID
		accepted = append(accepted, it)
	}

	if len(accepted) > 0 {
		if err := s.store.UpsertPortFindings(ctx, scanID, accepted); err != nil {
			return 0, err
		}
	}
	s.publishChunk(ctx, types.EventNetworkPorts, scanID, "ports", len(accepted), accepted)
	return len(accepted), nil
}

// IngestTLSResult stores one full snapshot for (scan, host), replacing any
// previous snapshot for that host.
func (s *Service) IngestTLSResult(ctx context.Context, scanID string, result types.TLSResult) (bool, error) {
	if err := s.scanExists(ctx, scanID); err != nil {
		return false, err
	}
	if result.Host == "" {
		metrics.IngestDropped.WithLabelValues("tls").Inc()
		return false, nil
	}
	result.ScanID = scanID

	if err := s.store.ReplaceTLSResult(ctx, scanID, result); err != nil {
		return false, err
	}
	metrics.IngestAccepted.WithLabelValues("tls").Inc()
	s.bus.Publish(ctx, types.ChunkEvent(types.EventNetworkTLS, scanID, result))
	return true, nil
}

// IngestDirectoryFindings merges a batch by (scan, host, path).
func (s *Service) IngestDirectoryFindings(ctx context.Context, scanID string, items []types.DirectoryFinding) (int, error) {
	if err := s.scanExists(ctx, scanID); err != nil {
		return 0, err
	}

	accepted := make([]types.DirectoryFinding, 0, len(items))
	for _, it := range items {
		if it.Host == "" || it.Path == "" {
			metrics.IngestDropped.WithLabelValues("dirs").Inc()
			continue
		}
		it.ScanID = scanID
		accepted = append(accepted, it)
	}

	if len(accepted) > 0 {
		if err := s.store.UpsertDirectoryFindings(ctx, scanID, accepted); err != nil {
			return 0, err
		}
	}
	s.publishChunk(ctx, types.EventNetworkDirs, scanID, "dirs", len(accepted), accepted)
	return len(accepted), nil
}

// IngestVulnerabilities appends findings after validating each against the
// closed OWASP category and severity/confidence sets. Vulnerability
// findings have no natural key: duplicates are stored as-is.
func (s *Service) IngestVulnerabilities(ctx context.Context, scanID string, items []types.VulnerabilityFinding) (int, error) {
	if err := s.scanExists(ctx, scanID); err != nil {
		return 0, err
	}

	accepted := make([]types.VulnerabilityFinding, 0, len(items))
	for _, it := range items {
		if it.Host == "" || it.URL == "" || it.Title == "" {
			metrics.IngestDropped.WithLabelValues("vulnerabilities").Inc()
			continue
		}
		if !it.OWASPCategory.Valid() || !it.Severity.Valid() || !it.Confidence.Valid() {
			metrics.IngestDropped.WithLabelValues("vulnerabilities").Inc()
			continue
		}
		it.ScanID = scanID
		accepted = append(accepted, it)
	}

	if len(accepted) > 0 {
		if err := s.store.InsertVulnerabilities(ctx, scanID, accepted); err != nil {
			return 0, err
		}
	}
	s.publishChunk(ctx, types.EventVulnerability, scanID, "vulnerabilities", len(accepted), accepted)
	return len(accepted), nil
}

// PublishLog republishes a worker progress message verbatim as a scan_log
// event. Log messages are broadcast only, never persisted.
func (s *Service) PublishLog(ctx context.Context, scanID, message, level, timestamp string) error {
	if err := s.scanExists(ctx, scanID); err != nil {
		return err
	}
	if level == "" {
		level = "info"
	}
	s.bus.Publish(ctx, types.LogEvent(scanID, message, level, timestamp))
	return nil
}

func (s *Service) publishChunk(ctx context.Context, eventType types.EventType, scanID, category string, count int, data any) {
	metrics.IngestAccepted.WithLabelValues(category).Add(float64(count))
	s.log.WithScanID(scanID).Debugw("Ingested chunk",
		"category", category,
		"accepted", count,
	)
	s.bus.Publish(ctx, types.ChunkEvent(eventType, scanID, data))
}
