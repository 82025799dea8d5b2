// Package report computes the aggregated risk view of a scan from its
// accumulated finding stores.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/pkg/types"
)

const (
	maxCriticalFindings = 20
	maxTechnologies     = 15
)

type Aggregator struct {
	store core.Store
	authz core.Authorizer
	log   *logger.Logger
}

func NewAggregator(store core.Store, authz core.Authorizer, log *logger.Logger) *Aggregator {
	return &Aggregator{
		store: store,
		authz: authz,
		log:   log.WithComponent("report"),
	}
}

// Generate builds the full report for one scan: computed summary, the
// ranked critical-findings list, the technology frequency table and the
// raw finding lists they were derived from. Deterministic for a fixed set
// of findings.
func (a *Aggregator) Generate(ctx context.Context, scanID string, caller core.Principal) (*types.Report, error) {
	scan, err := a.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if !a.authz.CanAccess(caller, scan) {
		return nil, core.ErrNotFound
	}

	subdomains, err := a.store.GetSubdomains(ctx, scanID)
	if err != nil {
		return nil, err
	}
	endpoints, err := a.store.GetEndpoints(ctx, scanID)
	if err != nil {
		return nil, err
	}
	ports, err := a.store.GetPortFindings(ctx, scanID)
	if err != nil {
		return nil, err
	}
	tlsResults, err := a.store.GetTLSResults(ctx, scanID)
	if err != nil {
		return nil, err
	}
	dirs, err := a.store.GetDirectoryFindings(ctx, scanID)
	if err != nil {
		return nil, err
	}
	vulns, err := a.store.GetVulnerabilities(ctx, scanID)
	if err != nil {
		return nil, err
	}

	report := &types.Report{
		Scan:              *scan,
		GeneratedAt:       time.Now().UTC(),
		CriticalFindings:  criticalFindings(ports, tlsResults, dirs),
		TechnologyStack:   technologyStack(endpoints),
		Subdomains:        subdomains,
		Endpoints:         endpoints,
		PortFindings:      ports,
		TLSResults:        tlsResults,
		DirectoryFindings: dirs,
		Vulnerabilities:   vulns,
	}
	report.Summary = summarize(subdomains, endpoints, ports, tlsResults, dirs, vulns)

	a.log.WithScanID(scanID).Debugw("Report generated",
		"critical_findings", len(report.CriticalFindings),
		"technologies", len(report.TechnologyStack),
	)
	return report, nil
}

// ListSummaries returns one row per scan with finding counts, optionally
// restricted to a trailing time window ("7days", "30days" or "all").
func (a *Aggregator) ListSummaries(ctx context.Context, caller core.Principal, window string) ([]types.ScanReportSummary, error) {
	filter := core.ScanFilter{Since: normalizeWindow(window)}
	if caller.Role != core.RoleAdmin {
		filter.OwnerID = caller.UserID
	}

	scans, err := a.store.ListScans(ctx, filter)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.ScanReportSummary, 0, len(scans))
	for _, scan := range scans {
		counts, err := a.store.CountFindings(ctx, scan.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, types.ScanReportSummary{
			Scan:     *scan,
			Findings: *counts,
		})
	}
	return summaries, nil
}

func normalizeWindow(window string) string {
	switch window {
	case "7days", "30days":
		return window
	}
	return ""
}

func summarize(subdomains []types.Subdomain, endpoints []types.Endpoint, ports []types.PortFinding,
	tlsResults []types.TLSResult, dirs []types.DirectoryFinding, vulns []types.VulnerabilityFinding) types.ReportSummary {

	sum := types.ReportSummary{
		Subdomains:        len(subdomains),
		Endpoints:         len(endpoints),
		PortFindings:      len(ports),
		DirectoryFindings: len(dirs),
		Vulnerabilities:   len(vulns),
	}
	for _, sd := range subdomains {
		if sd.Alive {
			sum.AliveSubdomains++
		}
	}
	for _, p := range ports {
		if hasTag(p.RiskTags, types.RiskTagHighRisk) {
			sum.HighRiskPorts++
		}
	}
	for _, t := range tlsResults {
		sum.TLSIssues += len(t.Issues)
	}
	return sum
}

// criticalFindings walks the three risk-bearing stores in insertion order:
// high-risk ports, TLS weak-protocol or expired-certificate issues, and
// exposed .git/.env paths. Truncated to the first maxCriticalFindings.
func criticalFindings(ports []types.PortFinding, tlsResults []types.TLSResult, dirs []types.DirectoryFinding) []types.CriticalFinding {
	findings := []types.CriticalFinding{}

	for _, p := range ports {
		if hasTag(p.RiskTags, types.RiskTagHighRisk) {
			detail := fmt.Sprintf("High-risk service %s on port %d/%s", p.Service, p.Port, p.Protocol)
			findings = append(findings, types.CriticalFinding{
				Source:   "port",
				Host:     p.Host,
				Detail:   detail,
				Severity: "high",
			})
		}
	}

	for _, t := range tlsResults {
		for _, issue := range t.Issues {
			if types.WeakTLSIssue(issue) || issue == types.TLSIssueCertExpired {
				findings = append(findings, types.CriticalFinding{
					Source:   "tls",
					Host:     t.Host,
					Detail:   fmt.Sprintf("TLS issue: %s", issue),
					Severity: "medium",
				})
			}
		}
	}

	for _, d := range dirs {
		if d.IssueType == types.DirIssueGitExposed || d.IssueType == types.DirIssueEnvExposed {
			findings = append(findings, types.CriticalFinding{
				Source:   "directory",
				Host:     d.Host,
				Detail:   fmt.Sprintf("Sensitive path exposed: %s (%s)", d.Path, d.IssueType),
				Severity: "critical",
			})
		}
	}

	if len(findings) > maxCriticalFindings {
		findings = findings[:maxCriticalFindings]
	}
	return findings
}

// technologyStack counts fingerprint occurrences across all endpoints,
// sorted by frequency descending (name ascending on ties, so the output is
// stable) and truncated to the top maxTechnologies.
func technologyStack(endpoints []types.Endpoint) []types.TechnologyCount {
	freq := map[string]int{}
	for _, ep := range endpoints {
		for _, fp := range ep.Fingerprints {
			freq[fp]++
		}
	}

	stack := make([]types.TechnologyCount, 0, len(freq))
	for name, count := range freq {
		stack = append(stack, types.TechnologyCount{Name: name, Count: count})
	}
	sort.Slice(stack, func(i, j int) bool {
		if stack[i].Count != stack[j].Count {
			return stack[i].Count > stack[j].Count
		}
		return stack[i].Name < stack[j].Name
	})

	if len(stack) > maxTechnologies {
		stack = stack[:maxTechnologies]
	}
	return stack
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
