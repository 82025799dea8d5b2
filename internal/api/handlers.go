package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/ingest"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/report"
	"github.com/revulnera/revulnera/internal/scans"
	"github.com/revulnera/revulnera/pkg/types"
)

type Handlers struct {
	scans   *scans.Service
	ingest  *ingest.Service
	reports *report.Aggregator
	bus     core.EventBus
	log     *logger.Logger
}

func NewHandlers(scanSvc *scans.Service, ingestSvc *ingest.Service, reports *report.Aggregator, bus core.EventBus, log *logger.Logger) *Handlers {
	return &Handlers{
		scans:   scanSvc,
		ingest:  ingestSvc,
		reports: reports,
		bus:     bus,
		log:     log.WithComponent("api"),
	}
}

// respondError maps the core error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var upstream *core.UpstreamError
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": upstream.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// --- caller-facing scan endpoints ---

func (h *Handlers) StartScan(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target required"})
		return
	}

	scan, err := h.scans.Start(c.Request.Context(), req.Target, CallerPrincipal(c), c.GetHeader("Authorization"))
	if err != nil {
		var upstream *core.UpstreamError
		if errors.As(err, &upstream) && scan != nil {
			// The scan exists in FAILED state; report both.
			c.JSON(http.StatusBadGateway, gin.H{"error": upstream.Error(), "scan": scan})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, scan)
}

func (h *Handlers) CancelScan(c *gin.Context) {
	scan, err := h.scans.Cancel(c.Request.Context(), c.Param("id"), CallerPrincipal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *Handlers) ListScans(c *gin.Context) {
	filter := core.ScanFilter{
		Status: types.ScanStatus(c.Query("status")),
		Since:  c.Query("range"),
	}
	list, err := h.scans.List(c.Request.Context(), CallerPrincipal(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": list})
}

func (h *Handlers) GetScan(c *gin.Context) {
	caller := CallerPrincipal(c)
	scanID := c.Param("id")

	scan, err := h.scans.Get(c.Request.Context(), scanID, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	counts, err := h.scans.Counts(c.Request.Context(), scanID, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan": scan, "findings": counts})
}

// --- worker-facing ingestion endpoints ---

func (h *Handlers) IngestSubdomains(c *gin.Context) {
	var req struct {
		Items []types.Subdomain `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	count, err := h.ingest.IngestSubdomains(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

func (h *Handlers) IngestEndpoints(c *gin.Context) {
	var req struct {
		Items []types.Endpoint `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	count, err := h.ingest.IngestEndpoints(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

func (h *Handlers) IngestPorts(c *gin.Context) {
	var req struct {
		Items []types.PortFinding `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	count, err := h.ingest.IngestPortFindings(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

func (h *Handlers) IngestTLS(c *gin.Context) {
	var result types.TLSResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	created, err := h.ingest.IngestTLSResult(c.Request.Context(), c.Param("id"), result)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "created": created})
}

func (h *Handlers) IngestDirs(c *gin.Context) {
	var req struct {
		Items []types.DirectoryFinding `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	count, err := h.ingest.IngestDirectoryFindings(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

func (h *Handlers) IngestVulnerabilities(c *gin.Context) {
	var req struct {
		Findings []types.VulnerabilityFinding `json:"findings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	count, err := h.ingest.IngestVulnerabilities(c.Request.Context(), c.Param("id"), req.Findings)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

// UpdateStatus lets the worker report RUNNING/COMPLETED/FAILED. Any other
// value is a 400; an unreachable transition (e.g. COMPLETED after a cancel
// already landed) is a 409.
func (h *Handlers) UpdateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	status := types.ScanStatus(req.Status)
	switch status {
	case types.ScanStatusRunning, types.ScanStatusCompleted, types.ScanStatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	if _, err := h.scans.Transition(c.Request.Context(), c.Param("id"), status, req.Error); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) IngestLog(c *gin.Context) {
	var req struct {
		Message   string `json:"message" binding:"required"`
		Level     string `json:"level"`
		Timestamp string `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message required"})
		return
	}
	if err := h.ingest.PublishLog(c.Request.Context(), c.Param("id"), req.Message, req.Level, req.Timestamp); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- report endpoints ---

func (h *Handlers) GetReport(c *gin.Context) {
	rep, err := h.reports.Generate(c.Request.Context(), c.Param("id"), CallerPrincipal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handlers) ListReportSummaries(c *gin.Context) {
	window := c.DefaultQuery("range", "all")
	summaries, err := h.reports.ListSummaries(c.Request.Context(), CallerPrincipal(c), window)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": window, "results": summaries})
}
