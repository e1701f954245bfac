package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/nocloudhq/cloudbridge/internal/errors"
	"github.com/nocloudhq/cloudbridge/internal/ratelimit"
)

// RateLimitAdmin is the live rate limiter surface exposed to operators.
type RateLimitAdmin interface {
	RateLimitEnabled() bool
	Windows() []ratelimit.WindowState
	ResetCaller(identifiers map[string]string) bool
	ClearWindows() int
}

// ResetRequest selects the windows to reset: one caller by identifiers, or
// all of them.
type ResetRequest struct {
	Identifiers map[string]string `json:"identifiers,omitempty"`
	All         bool              `json:"all,omitempty"`
}

// ResetResponse reports what a reset closed.
type ResetResponse struct {
	Reset   bool `json:"reset"`
	Cleared int  `json:"cleared"`
}

// WindowsResponse lists the open windows with masked keys.
type WindowsResponse struct {
	Enabled bool                    `json:"enabled"`
	Limit   int                     `json:"limit,omitempty"`
	Windows []ratelimit.WindowState `json:"windows"`
}

// RateLimitHandlers serves /admin/rate-limit.
type RateLimitHandlers struct {
	admin RateLimitAdmin
	limit int
}

// NewRateLimitHandlers creates the admin handlers. limit is the configured
// request budget, reported alongside the windows.
func NewRateLimitHandlers(admin RateLimitAdmin, limit int) *RateLimitHandlers {
	return &RateLimitHandlers{admin: admin, limit: limit}
}

// Windows handles GET /admin/rate-limit/windows.
func (h *RateLimitHandlers) Windows(w http.ResponseWriter, r *http.Request) {
	resp := WindowsResponse{
		Enabled: h.admin.RateLimitEnabled(),
		Windows: h.admin.Windows(),
	}
	if resp.Enabled {
		resp.Limit = h.limit
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reset handles POST /admin/rate-limit/reset.
func (h *RateLimitHandlers) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid reset request"))
		return
	}

	switch {
	case req.All && len(req.Identifiers) > 0:
		respondWithError(w, r, apperrors.NewInvalidInputError("specify either identifiers or all, not both"))
	case req.All:
		writeJSON(w, http.StatusOK, ResetResponse{Cleared: h.admin.ClearWindows()})
	case len(req.Identifiers) > 0:
		reset := h.admin.ResetCaller(req.Identifiers)
		resp := ResetResponse{Reset: reset}
		if reset {
			resp.Cleared = 1
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		respondWithError(w, r, apperrors.NewInvalidInputError("must specify identifiers or all"))
	}
}
