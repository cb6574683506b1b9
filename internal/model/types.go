// Package model defines the result envelope that the ingest command and the
// audit review-queue/trace/events commands render.
// Per-command payload types live in internal/posmodel; this package only
// holds the uniform Kind/Data/Stats wrapper renderers dispatch on.
package model

import "time"

// ResultStats carries performance and review metadata for a command result.
type ResultStats struct {
	CacheHit    bool  `json:"cache_hit"`
	DurationMs  int64 `json:"duration_ms"`
	Items       int   `json:"items"`
	NeedsReview int   `json:"needs_review"`
}

// Result is the uniform envelope those commands render. The Data
// field holds the typed payload; Kind identifies what is in it.
// Renderers switch on Kind to format output appropriately.
type Result struct {
	Kind        string      `json:"kind"`
	GeneratedAt time.Time   `json:"generated_at"`
	Command     string      `json:"command"`
	Data        interface{} `json:"data"`
	Warnings    []string    `json:"warnings,omitempty"`
	Stats       ResultStats `json:"stats"`
}

// Kind constants for Result.Kind.
const (
	KindIngestResponse = "ingest_response"
	KindReviewQueue    = "review_queue"
	KindOrderTrace     = "order_trace"
	KindCacheStats     = "cache_stats"
	KindAuditEvents    = "audit_events"
)
