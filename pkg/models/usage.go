package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one API-key request, recorded after the response is written.
// Records are append-only and pruned by a retention sweep.
type UsageRecord struct {
	KeyID     uuid.UUID `db:"key_id"     json:"key_id"`
	Endpoint  string    `db:"endpoint"   json:"endpoint"`
	Method    string    `db:"method"     json:"method"`
	Timestamp time.Time `db:"timestamp"  json:"timestamp"`
	IP        string    `db:"ip"         json:"ip"`
	UserAgent string    `db:"user_agent" json:"user_agent,omitempty"`
	Status    int       `db:"status"     json:"status"`
	LatencyMs int64     `db:"latency_ms" json:"latency_ms"`
}

// UsageStats is an aggregate over usage records, optionally scoped to one key.
type UsageStats struct {
	Total        int64   `json:"total"`
	Last24h      int64   `json:"last_24h"`
	LastHour     int64   `json:"last_hour"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
}
