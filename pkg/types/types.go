package types

import (
	"strings"
	"time"
)

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "PENDING"
	ScanStatusRunning   ScanStatus = "RUNNING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
	ScanStatusCancelled ScanStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is meaningful.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

type Scan struct {
	ID           string     `json:"id" db:"id"`
	Target       string     `json:"target" db:"target"`
	Status       ScanStatus `json:"status" db:"status"`
	OwnerID      string     `json:"owner_id" db:"owner_id"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Subdomain is one resolved host name discovered for a scan's target.
// IP mirrors the first entry of IPs and is kept for older consumers.
type Subdomain struct {
	ScanID   string   `json:"scan_id,omitempty" db:"scan_id"`
	Name     string   `json:"name" db:"name"`
	IPs      []string `json:"ips,omitempty"`
	IP       string   `json:"ip,omitempty" db:"ip"`
	Alive    bool     `json:"alive" db:"alive"`
	ErrorMsg string   `json:"error_msg,omitempty" db:"error_msg"`
}

type Endpoint struct {
	ScanID       string            `json:"scan_id,omitempty" db:"scan_id"`
	URL          string            `json:"url" db:"url"`
	StatusCode   int               `json:"status_code" db:"status_code"`
	Title        string            `json:"title,omitempty" db:"title"`
	Headers      map[string]string `json:"headers,omitempty"`
	Fingerprints []string          `json:"fingerprints,omitempty"`
	Evidence     map[string]any    `json:"evidence,omitempty"`
}

type PortFinding struct {
	ScanID   string   `json:"scan_id,omitempty" db:"scan_id"`
	Host     string   `json:"host" db:"host"`
	IP       string   `json:"ip,omitempty" db:"ip"`
	Port     int      `json:"port" db:"port"`
	Protocol string   `json:"protocol" db:"protocol"`
	State    string   `json:"state" db:"state"`
	Service  string   `json:"service,omitempty" db:"service"`
	Product  string   `json:"product,omitempty" db:"product"`
	Version  string   `json:"version,omitempty" db:"version"`
	Banner   string   `json:"banner,omitempty" db:"banner"`
	RiskTags []string `json:"risk_tags,omitempty"`
}

// RiskTagHighRisk marks a port finding that feeds the critical-findings
// section of the scan report.
const RiskTagHighRisk = "high-risk"

// TLSResult is a full snapshot of the TLS posture of one host. Re-ingestion
// for the same host replaces the previous snapshot, it is not additive.
type TLSResult struct {
	ScanID            string     `json:"scan_id,omitempty" db:"scan_id"`
	Host              string     `json:"host" db:"host"`
	HasHTTPS          bool       `json:"has_https" db:"has_https"`
	SupportedVersions []string   `json:"supported_versions,omitempty"`
	WeakVersions      []string   `json:"weak_versions,omitempty"`
	CertValid         *bool      `json:"cert_valid,omitempty" db:"cert_valid"`
	CertExpiresAt     *time.Time `json:"cert_expires_at,omitempty" db:"cert_expires_at"`
	CertIssuer        string     `json:"cert_issuer,omitempty" db:"cert_issuer"`
	Issues            []string   `json:"issues,omitempty"`
}

// TLS issue codes reported by the worker that the report aggregator
// treats as critical. Weak-protocol issues carry the affected version as a
// suffix (weak_tls_version_10, weak_tls_version_11), so matching is by
// prefix.
const (
	TLSIssueWeakVersionPrefix = "weak_tls_version"
	TLSIssueCertExpired       = "certificate_expired"
)

// WeakTLSIssue reports whether a TLS issue code flags a weak protocol
// version.
func WeakTLSIssue(issue string) bool {
	return strings.HasPrefix(issue, TLSIssueWeakVersionPrefix)
}

type DirectoryFinding struct {
	ScanID     string `json:"scan_id,omitempty" db:"scan_id"`
	Host       string `json:"host" db:"host"`
	BaseURL    string `json:"base_url,omitempty" db:"base_url"`
	Path       string `json:"path" db:"path"`
	StatusCode int    `json:"status_code" db:"status_code"`
	IssueType  string `json:"issue_type,omitempty" db:"issue_type"`
	Evidence   string `json:"evidence,omitempty" db:"evidence"`
}

// Directory issue types that indicate sensitive-path exposure.
const (
	DirIssueGitExposed = "git_exposed"
	DirIssueEnvExposed = "env_exposed"
)

type OWASPCategory string

const (
	OWASPBrokenAccessControl  OWASPCategory = "A01"
	OWASPCryptographicFailure OWASPCategory = "A02"
)

func (c OWASPCategory) Valid() bool {
	return c == OWASPBrokenAccessControl || c == OWASPCryptographicFailure
}

// Level is the severity / confidence scale used by vulnerability findings.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

func (l Level) Valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh
}

// VulnerabilityFinding is append-only: there is no natural key and
// duplicates across re-ingestion are stored as-is.
type VulnerabilityFinding struct {
	ScanID        string         `json:"scan_id,omitempty" db:"scan_id"`
	Host          string         `json:"host" db:"host"`
	URL           string         `json:"url" db:"url"`
	OWASPCategory OWASPCategory  `json:"owasp_category" db:"owasp_category"`
	Title         string         `json:"title" db:"title"`
	Severity      Level          `json:"severity" db:"severity"`
	Confidence    Level          `json:"confidence" db:"confidence"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// FindingCounts holds per-category row counts for one scan.
type FindingCounts struct {
	Subdomains        int `json:"subdomains"`
	AliveSubdomains   int `json:"alive_subdomains"`
	Endpoints         int `json:"endpoints"`
	PortFindings      int `json:"port_findings"`
	TLSResults        int `json:"tls_results"`
	DirectoryFindings int `json:"directory_findings"`
	Vulnerabilities   int `json:"vulnerabilities"`
}
