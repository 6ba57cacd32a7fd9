package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/elonfeng/fleawatch/internal/logger"
	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/internal/watch"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/source"
)

type watchRequest struct {
	Item      string `json:"item"`
	MaxPrice  int64  `json:"max_price"`
	Once      bool   `json:"once"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("database ping failed", logger.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}

	count, err := s.dir.Count(r.Context())
	if err != nil {
		s.logger.Error("health check failed", logger.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}
	resp["items"] = count

	if last, err := s.dir.LastSync(r.Context()); err == nil && !last.IsZero() {
		resp["last_sync"] = last.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	res, err := s.svc.ResolveOrSuggest(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err, q)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  res.Choices,
		"count": len(res.Choices),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if err := s.dir.Ready(r.Context()); err != nil {
		s.writeError(w, r, err, q)
		return
	}

	res, err := s.svc.ResolveOrSuggest(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err, q)
		return
	}
	if res.Item == nil {
		s.writeError(w, r, &directory.NotFoundError{Input: q}, q)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	item := r.URL.Query().Get("item")
	pc, err := s.svc.CheckPrice(r.Context(), item)
	if err != nil {
		s.writeError(w, r, err, item)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":    pc,
		"message": watch.FormatPriceCheck(pc),
	})
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	watches, err := s.svc.ListWatches(r.Context(), callerFrom(r, ""))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":    watches,
		"count":   len(watches),
		"message": watch.FormatWatchList(watches),
	})
}

func (s *Server) handlePutWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	res, err := s.svc.CreateOrUpdateWatch(r.Context(), callerFrom(r, req.ChannelID), req.Item, req.MaxPrice, req.Once)
	if err != nil {
		s.writeError(w, r, err, req.Item)
		return
	}

	status := http.StatusOK
	if res.Outcome == store.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"data":    res,
		"message": watch.FormatWatchResult(res),
	})
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	if unescaped, err := url.PathUnescape(item); err == nil {
		item = unescaped
	}

	n, err := s.svc.RemoveWatch(r.Context(), callerFrom(r, ""), item)
	if err != nil {
		s.writeError(w, r, err, item)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": n,
		"message": watch.FormatRemoved(item, n),
	})
}

func (s *Server) handleClearWatches(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearWatches(r.Context(), callerFrom(r, ""))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": n,
		"message": watch.FormatCleared(n),
	})
}

// handleCatalogSync runs an import synchronously, or queues one when
// ?async=true.
func (s *Server) handleCatalogSync(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))

	if r.URL.Query().Get("async") == "true" {
		if err := s.svc.QueueCatalogSync(userID); err != nil {
			s.writeError(w, r, err, "")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"message": watch.FormatSyncQueued()})
		return
	}

	n, err := s.svc.TriggerCatalogSync(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   n,
		"message": watch.FormatSynced(n),
	})
}

func callerFrom(r *http.Request, channelID string) watch.Caller {
	return watch.Caller{
		ScopeID:   chi.URLParam(r, "scope"),
		ChannelID: channelID,
		UserID:    chi.URLParam(r, "user"),
	}
}

// writeError replies with the user-facing message for err. Internal detail
// only goes to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, input string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": watch.UserMessage(err, input)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, watch.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, watch.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrLimitExceeded), errors.Is(err, watch.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, directory.ErrEmpty):
		return http.StatusServiceUnavailable
	case errors.Is(err, source.ErrUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
