package types

import "time"

// CriticalFinding is one entry of a report's ranked critical list. Source
// names the finding store it came from (port, tls, directory).
type CriticalFinding struct {
	Source   string `json:"source"`
	Host     string `json:"host"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

type TechnologyCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type ReportSummary struct {
	Subdomains        int `json:"subdomains"`
	AliveSubdomains   int `json:"alive_subdomains"`
	Endpoints         int `json:"endpoints"`
	PortFindings      int `json:"port_findings"`
	HighRiskPorts     int `json:"high_risk_ports"`
	TLSIssues         int `json:"tls_issues"`
	DirectoryFindings int `json:"directory_findings"`
	Vulnerabilities   int `json:"vulnerabilities"`
}

// Report is the aggregated risk view of one scan: computed summary plus the
// full raw finding lists it was derived from.
type Report struct {
	Scan              Scan                   `json:"scan"`
	GeneratedAt       time.Time              `json:"generated_at"`
	Summary           ReportSummary          `json:"summary"`
	CriticalFindings  []CriticalFinding      `json:"criticalFindings"`
	TechnologyStack   []TechnologyCount      `json:"technologyStack"`
	Subdomains        []Subdomain            `json:"subdomains"`
	Endpoints         []Endpoint             `json:"endpoints"`
	PortFindings      []PortFinding          `json:"port_findings"`
	TLSResults        []TLSResult            `json:"tls_results"`
	DirectoryFindings []DirectoryFinding     `json:"directory_findings"`
	Vulnerabilities   []VulnerabilityFinding `json:"vulnerabilities"`
}

// ScanReportSummary is one row of the per-scan report listing.
type ScanReportSummary struct {
	Scan     Scan          `json:"scan"`
	Findings FindingCounts `json:"findings"`
}
