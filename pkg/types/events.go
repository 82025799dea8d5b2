package types

type EventType string

const (
	EventScanStatus    EventType = "scan_status"
	EventSubdomains    EventType = "subdomains_chunk"
	EventEndpoints     EventType = "endpoints_chunk"
	EventNetworkPorts  EventType = "network_ports_chunk"
	EventNetworkTLS    EventType = "network_tls_result"
	EventNetworkDirs   EventType = "network_dirs_chunk"
	EventVulnerability EventType = "vulnerability_chunk"
	EventScanLog       EventType = "scan_log"
)

// Event is the wire format delivered to every live observer of a scan.
// Exactly one of the payload fields is set depending on Type: Status/Error
// for scan_status, Data for finding chunks, Message/Level/Timestamp for
// scan_log. Events are not persisted; an observer that connects after an
// event was published never sees it.
type Event struct {
	Type      EventType  `json:"type"`
	ScanID    string     `json:"scan_id"`
	Status    ScanStatus `json:"status,omitempty"`
	Error     string     `json:"error,omitempty"`
	Data      any        `json:"data,omitempty"`
	Message   string     `json:"message,omitempty"`
	Level     string     `json:"level,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
}

func StatusEvent(scanID string, status ScanStatus, errMsg string) Event {
	return Event{Type: EventScanStatus, ScanID: scanID, Status: status, Error: errMsg}
}

func ChunkEvent(t EventType, scanID string, data any) Event {
	return Event{Type: t, ScanID: scanID, Data: data}
}

func LogEvent(scanID, message, level, timestamp string) Event {
	return Event{Type: EventScanLog, ScanID: scanID, Message: message, Level: level, Timestamp: timestamp}
}
