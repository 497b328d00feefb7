package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/audit"
	"github.com/ladle-dev/ladle/pkg/models"
	"github.com/ladle-dev/ladle/pkg/ratelimit"
)

type extractRequest struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// handleExtract is the protected endpoint. The gate decides admission
// first; only an allowed, non-duplicate request reaches the paid
// extraction call, and only after its budget charge succeeded.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be JSON with a url field"})
		return
	}

	ctx := r.Context()
	clientKey := ratelimit.ClientKey(r)

	dec := s.gate.Admit(ctx, clientKey, req.URL)
	if !dec.Allowed {
		s.writeDenial(w, dec)
		s.audit(r, clientKey, req.URL, dec, false, statusFor(dec), start)
		return
	}

	// Duplicate lookup: a known URL is served from the cache without
	// charging budget or touching the extraction service.
	if s.cache != nil {
		if body, ok := s.cache.Get(ctx, req.URL); ok {
			w.Header().Set("X-Cache", "hit")
			writeRaw(w, http.StatusOK, body)
			s.audit(r, clientKey, req.URL, dec, true, http.StatusOK, start)
			return
		}
	}

	// Genuinely new work: charge before the paid call.
	if charge := s.gate.Charge(ctx); !charge.Allowed {
		s.writeDenial(w, charge)
		s.audit(r, clientKey, req.URL, charge, false, statusFor(charge), start)
		return
	}

	result, err := s.extractor.Extract(ctx, req.URL)
	if err != nil {
		// The charge is not rolled back: the budget was consumed by a
		// legitimate attempt.
		s.log.Error("extraction failed",
			zap.String("url", req.URL),
			zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "extraction service failed"})
		s.audit(r, clientKey, req.URL, dec, false, http.StatusBadGateway, start)
		return
	}

	if err := s.gate.RecordTokens(ctx, result.TokensUsed); err != nil {
		s.log.Warn("token accounting failed", zap.Error(err))
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, req.URL, result.Body); err != nil {
			s.log.Warn("recipe cache store failed", zap.Error(err))
		}
	}

	writeRaw(w, http.StatusOK, result.Body)
	s.audit(r, clientKey, req.URL, dec, false, http.StatusOK, start)
}

// handleUsage reports today's ledger and remaining budget.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ledger, remaining, err := s.budget.Status(r.Context())
	if err != nil {
		s.log.Error("usage status failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "usage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"day":            ledger.Day,
		"request_count":  ledger.RequestCount,
		"estimated_cost": ledger.EstimatedCost.StringFixed(4),
		"tokens_used":    ledger.TokensUsed,
		"remaining":      remaining.StringFixed(4),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDenial maps a gate decision to its HTTP shape. Rate limiting is
// distinct from budget exhaustion: clients can wait out the former
// within the hour, the latter clears at the UTC day boundary.
func (s *Server) writeDenial(w http.ResponseWriter, dec models.Decision) {
	resp := errorResponse{Error: dec.Message}
	if dec.Reason == models.ReasonRateLimited {
		secs := int(dec.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusFor(dec), resp)
}

func statusFor(dec models.Decision) int {
	switch dec.Reason {
	case models.ReasonRateLimited:
		return http.StatusTooManyRequests
	case models.ReasonClientBlocked:
		return http.StatusForbidden
	case models.ReasonInvalidScheme, models.ReasonSSRFBlocked, models.ReasonResolutionFailed:
		return http.StatusUnprocessableEntity
	case models.ReasonBudgetExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (s *Server) audit(r *http.Request, clientKey, targetURL string, dec models.Decision, cacheHit bool, status int, start time.Time) {
	if s.auditor == nil {
		return
	}
	hash, prefix := audit.HashClientKey(clientKey)
	host := targetURL
	if parsed, err := url.Parse(targetURL); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}
	entry := models.AuditEntry{
		RequestID:       uuid.NewString(),
		ClientKeyHash:   hash,
		ClientKeyPrefix: prefix,
		TargetHost:      host,
		Allowed:         dec.Allowed,
		Reason:          string(dec.Reason),
		CacheHit:        cacheHit,
		StatusCode:      status,
		LatencyMs:       time.Since(start).Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.auditor.Log(r.Context(), entry); err != nil {
		s.log.Warn("admission audit failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
