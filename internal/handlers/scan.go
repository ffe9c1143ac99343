package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PratikDhanave/scan-ingest-service/internal/auth"
	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/dispatch"
	"github.com/PratikDhanave/scan-ingest-service/internal/ingest"
	"github.com/PratikDhanave/scan-ingest-service/internal/metrics"
	"github.com/PratikDhanave/scan-ingest-service/internal/models"
	"github.com/PratikDhanave/scan-ingest-service/internal/store"
	"github.com/PratikDhanave/scan-ingest-service/internal/tenant"
)

const internalError = "Internal Server Error"

// Error class labels returned in the "code" field of 5xx responses.
const (
	CodeStorageWrite = "storage_write_error"
	CodeStorageRead  = "storage_read_error"
	CodeEnqueue      = "enqueue_error"
	CodeTenantLookup = "tenant_lookup_error"
	CodeInternal     = "internal_error"
)

// Reader is the query side of the storage gateway.
type Reader interface {
	QueryRecent(ctx context.Context, limit int) ([]models.ScanRecord, error)
	GetByID(ctx context.Context, id string) (*models.ScanRecord, error)
}

// Recorder receives ingest outcomes. *metrics.Metrics implements it.
type Recorder interface {
	RecordIngest(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordIngest(string) {}

// ScanHandler serves the scan API. All dependencies are shared, concurrency-safe handles.
type ScanHandler struct {
	Persister ingest.Persister
	Resolver  tenant.Resolver
	Reader    Reader
	Recorder  Recorder
	Limits    config.IngestConfig
}

// RegisterScanRoutes registers the scan API on an authenticated group.
//
// POST /api/scan       ingest one scan (sync: 200 + id, async: 202 + jobId)
// GET  /api/scans      most recent scans, ?limit=N
// GET  /api/scan/:id   one scan by id
func RegisterScanRoutes(r gin.IRoutes, h *ScanHandler) {
	if h.Recorder == nil {
		h.Recorder = nopRecorder{}
	}
	r.POST("/api/scan", h.ingest)
	r.GET("/api/scans", h.list)
	r.GET("/api/scan/:id", h.get)
}

func (h *ScanHandler) ingest(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		h.Recorder.RecordIngest(metrics.OutcomeRejected)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "could not read request body"})
		return
	}
	payload, ok := jsonObject(raw)
	if !ok {
		h.Recorder.RecordIngest(metrics.OutcomeRejected)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "request body must be a JSON object"})
		return
	}

	ctx := c.Request.Context()
	id, err := h.Resolver.Resolve(ctx, auth.APIKey(c))
	if err != nil {
		h.tenantFailure(c, err)
		return
	}

	logger := log.WithFields(log.Fields{
		"tenant_id": id.TenantID,
		"host_id":   id.HostID,
		"client_ip": c.ClientIP(),
	})
	logger.WithField("bytes", len(payload)).Info("scan received")

	receipt, err := h.Persister.Persist(ctx, ingest.Submission{
		Payload: payload,
		Tenant:  id,
		Client: dispatch.ClientContext{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	})
	if err != nil {
		h.Recorder.RecordIngest(metrics.OutcomeFailed)
		logger.WithError(err).Error("failed to persist scan")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: internalError, Code: errorCode(err)})
		return
	}

	if receipt.Mode == config.ModeAsync {
		h.Recorder.RecordIngest(metrics.OutcomeQueued)
		queuedAt := receipt.QueuedAt
		logger.WithField("job_id", receipt.JobID).Info("scan queued")
		c.JSON(http.StatusAccepted, models.ScanIngestResponse{
			Success:  true,
			Message:  "Scan queued for processing",
			JobID:    receipt.JobID,
			QueuedAt: &queuedAt,
		})
		return
	}

	h.Recorder.RecordIngest(metrics.OutcomeStored)
	logger.WithField("scan_id", receipt.ID).Info("scan stored")
	c.JSON(http.StatusOK, models.ScanIngestResponse{
		Success: true,
		Message: "Scan data stored successfully",
		ID:      receipt.ID,
	})
}

func (h *ScanHandler) tenantFailure(c *gin.Context, err error) {
	h.Recorder.RecordIngest(metrics.OutcomeRejected)
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "Forbidden: no tenant for API key"})
	case errors.Is(err, tenant.ErrLookupUnavailable):
		log.WithError(err).Warn("tenant lookup unavailable")
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Service Unavailable", Code: CodeTenantLookup})
	default:
		log.WithError(err).Error("tenant resolution failed")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: internalError, Code: CodeTenantLookup})
	}
}

func (h *ScanHandler) list(c *gin.Context) {
	limit := h.clampLimit(c.Query("limit"))

	scans, err := h.Reader.QueryRecent(c.Request.Context(), limit)
	if err != nil {
		log.WithError(err).WithField("limit", limit).Error("failed to query scans")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: internalError, Code: errorCode(err)})
		return
	}

	c.JSON(http.StatusOK, models.ScanListResponse{
		Success: true,
		Count:   len(scans),
		Scans:   scans,
	})
}

func (h *ScanHandler) get(c *gin.Context) {
	id := c.Param("id")

	scan, err := h.Reader.GetByID(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Scan not found"})
		return
	}
	if err != nil {
		log.WithError(err).WithField("scan_id", id).Error("failed to get scan")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: internalError, Code: errorCode(err)})
		return
	}

	c.JSON(http.StatusOK, models.ScanGetResponse{Success: true, Scan: *scan})
}

// clampLimit parses ?limit and bounds it to [1, MaxLimit]. Missing or malformed values
// fall back to DefaultLimit.
func (h *ScanHandler) clampLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return h.Limits.DefaultLimit
	}
	if n < 1 {
		return 1
	}
	if n > h.Limits.MaxLimit {
		return h.Limits.MaxLimit
	}
	return n
}

// jsonObject returns the trimmed body if it is a single JSON object.
func jsonObject(raw []byte) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return json.RawMessage(raw), true
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrWrite):
		return CodeStorageWrite
	case errors.Is(err, store.ErrRead):
		return CodeStorageRead
	case errors.Is(err, dispatch.ErrEnqueue):
		return CodeEnqueue
	default:
		return CodeInternal
	}
}
