package models

import (
	"encoding/json"
	"time"
)

// DefaultSource is stored when the caller does not name an origin.
const DefaultSource = "unknown"

// ScanRecord is one persisted scan event.
// Payload is the caller's original body; the pipeline never interprets it beyond Source.
type ScanRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// SourceOf returns the body's "source" field when it is a non-empty string,
// otherwise DefaultSource.
func SourceOf(payload json.RawMessage) string {
	var body struct {
		Source json.RawMessage `json:"source"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Source) == 0 {
		return DefaultSource
	}
	var s string
	if err := json.Unmarshal(body.Source, &s); err != nil || s == "" {
		return DefaultSource
	}
	return s
}

// ScanIngestResponse is returned by POST /api/scan.
// ID is set for direct inserts, JobID and QueuedAt for enqueued scans.
type ScanIngestResponse struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message"`
	ID       string     `json:"id,omitempty"`
	JobID    string     `json:"jobId,omitempty"`
	QueuedAt *time.Time `json:"queuedAt,omitempty"`
}

// ScanListResponse is returned by GET /api/scans.
type ScanListResponse struct {
	Success bool         `json:"success"`
	Count   int          `json:"count"`
	Scans   []ScanRecord `json:"scans"`
}

// ScanGetResponse is returned by GET /api/scan/:id.
type ScanGetResponse struct {
	Success bool       `json:"success"`
	Scan    ScanRecord `json:"scan"`
}

// ErrorResponse carries a generic message and a short error class label.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
