package models

import "time"

// ExtractResult is the opaque payload returned by the downstream
// extraction service for one recipe URL.
type ExtractResult struct {
	URL        string `json:"url"`
	Body       []byte `json:"body"`
	TokensUsed int64  `json:"tokens_used"`
}

// CacheEntry stores a previously extracted recipe keyed by URL hash.
type CacheEntry struct {
	URLHash   string    `json:"url_hash"`
	URL       string    `json:"url"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheStats reports duplicate-cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
