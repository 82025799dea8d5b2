package database

import (
	"fmt"
)

// Schema notes:
//   - every finding table carries its natural key as PRIMARY KEY so upserts
//     are atomic at the database (ON CONFLICT DO UPDATE, never
//     insert-then-fail)
//   - vulnerability_findings deliberately has a surrogate id and no unique
//     constraint: findings are append-only
//   - all finding rows cascade with their scan
const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS subdomains (
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	ips TEXT NOT NULL DEFAULT '[]',
	ip TEXT NOT NULL DEFAULT '',
	alive BOOLEAN NOT NULL DEFAULT FALSE,
	error_msg TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (scan_id, name)
);

CREATE TABLE IF NOT EXISTS endpoints (
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '{}',
	fingerprints TEXT NOT NULL DEFAULT '[]',
	evidence TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (scan_id, url)
);

CREATE TABLE IF NOT EXISTS port_findings (
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	protocol TEXT NOT NULL DEFAULT 'tcp',
	ip TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	service TEXT NOT NULL DEFAULT '',
	product TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	banner TEXT NOT NULL DEFAULT '',
	risk_tags TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (scan_id, host, port, protocol)
);

CREATE TABLE IF NOT EXISTS tls_results (
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	host TEXT NOT NULL,
	has_https BOOLEAN NOT NULL DEFAULT FALSE,
	supported_versions TEXT NOT NULL DEFAULT '[]',
	weak_versions TEXT NOT NULL DEFAULT '[]',
	cert_valid BOOLEAN,
	cert_expires_at TIMESTAMP,
	cert_issuer TEXT NOT NULL DEFAULT '',
	issues TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (scan_id, host)
);

CREATE TABLE IF NOT EXISTS directory_findings (
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	host TEXT NOT NULL,
	base_url TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	issue_type TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (scan_id, host, path)
);

CREATE TABLE IF NOT EXISTS vulnerability_findings (
	id TEXT PRIMARY KEY,
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	host TEXT NOT NULL,
	url TEXT NOT NULL,
	owasp_category TEXT NOT NULL,
	title TEXT NOT NULL,
	severity TEXT NOT NULL,
	confidence TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scans_owner ON scans(owner_id);
CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at);
CREATE INDEX IF NOT EXISTS idx_port_findings_host ON port_findings(scan_id, host);
CREATE INDEX IF NOT EXISTS idx_directory_findings_issue ON directory_findings(issue_type);
CREATE INDEX IF NOT EXISTS idx_vuln_findings_scan ON vulnerability_findings(scan_id);
CREATE INDEX IF NOT EXISTS idx_vuln_findings_category ON vulnerability_findings(owasp_category);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.logger.Infow("Database migration completed",
		"driver", s.cfg.Driver,
	)
	return nil
}
