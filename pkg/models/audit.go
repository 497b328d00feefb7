package models

import "time"

// AuditEntry records a single admission decision.
type AuditEntry struct {
	RequestID       string    `json:"request_id"`
	ClientKeyHash   string    `json:"client_key_hash"`
	ClientKeyPrefix string    `json:"client_key_prefix"`
	TargetHost      string    `json:"target_host"`
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason,omitempty"`
	CacheHit        bool      `json:"cache_hit"`
	StatusCode      int       `json:"status_code"`
	LatencyMs       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// AuditConfig controls the admission audit log.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	RequestID       string
	Reason          string
	ClientKeyPrefix string
	Since           time.Time
	DeniedOnly      bool
	Limit           int
}

// AuditStat holds aggregate decision counts for a reason/day combination.
type AuditStat struct {
	Reason string
	Day    string
	Count  int
}
