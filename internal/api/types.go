// Package api holds the admin API request and response bodies shared by the
// server and the CLI client.
package api

import (
	"encoding/json"
	"time"

	"github.com/rsclarke/mcpgate/internal/analytics"
	"github.com/rsclarke/mcpgate/internal/audit"
	"github.com/rsclarke/mcpgate/internal/inventory"
)

type AddGatewayRequest struct {
	Alias  string          `json:"alias"`
	Config json.RawMessage `json:"config"`
}

type AddGatewayResponse struct {
	Alias   string `json:"alias"`
	Port    int    `json:"port"`
	Running bool   `json:"running"`
}

type DeleteGatewayResponse struct {
	Alias   string `json:"alias"`
	Removed bool   `json:"removed"`
}

type InventoryResponse = inventory.Snapshot

type GraphResponse = analytics.Graph

type StatusResponse = audit.Status

type ScanItem struct {
	ScanID    string         `json:"scan_id"`
	Input     *string        `json:"input"`
	Output    *string        `json:"output"`
	Complete  bool           `json:"complete"`
	Scans     map[string]any `json:"scans"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func NewScanItem(r *audit.Record) ScanItem {
	scans := r.Scans
	if scans == nil {
		scans = map[string]any{}
	}
	return ScanItem{
		ScanID:    r.ID,
		Input:     r.Input,
		Output:    r.Output,
		Complete:  r.Complete(),
		Scans:     scans,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type ScanPage struct {
	Items      []ScanItem `json:"items"`
	NextCursor *string    `json:"next_cursor"`
	HasMore    bool       `json:"has_more"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Listeners int    `json:"listeners"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
