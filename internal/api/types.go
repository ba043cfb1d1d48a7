package api

import (
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/pending"
)

// ErrorResponse is returned on transport-level errors. Scan failures are
// carried in a reply body instead.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Lifecycle     string `json:"lifecycle"`
	ContextID     string `json:"context_id,omitempty"`
	PendingScans  int    `json:"pending_scans"`
}

// PendingResponse is returned by GET /v1/pending.
type PendingResponse struct {
	Count      int               `json:"count"`
	Operations []pending.Summary `json:"operations"`
}

// ScanListResponse is returned by GET /v1/scans.
type ScanListResponse struct {
	Scans  []journal.Entry        `json:"scans"`
	Counts map[journal.Status]int `json:"counts"`
}
