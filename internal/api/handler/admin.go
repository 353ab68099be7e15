package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Invalidator is the subset of Orchestrator the admin handler needs.
type Invalidator interface {
	InvalidateFingerprint(ctx context.Context, key string) error
}

// AdminHandler serves the admin-only cache-invalidation surface.
type AdminHandler struct {
	orchestrator Invalidator
	logger       *slog.Logger
}

func NewAdminHandler(o Invalidator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{orchestrator: o, logger: logger}
}

// Invalidate handles POST /admin/invalidate/{key}: bumps the fingerprint's
// version, per spec.md §4.B trigger 3 and §6.
func (h *AdminHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		Error(w, http.StatusBadRequest, "missing_key", "invalidate requires a non-empty key")
		return
	}
	if err := h.orchestrator.InvalidateFingerprint(r.Context(), key); err != nil {
		h.logger.Error("admin: invalidate failed", slog.String("key", key), slog.Any("error", err))
		Error(w, http.StatusInternalServerError, "invalidate_failed", "failed to invalidate fingerprint")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "status": "invalidated"})
}
