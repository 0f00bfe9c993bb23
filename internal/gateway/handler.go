// Package gateway exposes the edge over HTTP: session control endpoints for
// the thin client, a status/sync surface, and a catch-all proxy that routes
// everything else through the cache controller's strategies.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hamardikan/pelajari-edge/internal/cache"
	"github.com/hamardikan/pelajari-edge/internal/connectivity"
	"github.com/hamardikan/pelajari-edge/internal/practice"
)

// maxRequestBodySize caps request bodies accepted by the edge (1MB).
const maxRequestBodySize = 1 << 20

// Handler wires the edge's HTTP surface.
type Handler struct {
	cache   *cache.Controller
	ctrl    *practice.Controller
	monitor *connectivity.Monitor
}

// NewHandler creates a gateway handler.
func NewHandler(c *cache.Controller, ctrl *practice.Controller, monitor *connectivity.Monitor) *Handler {
	return &Handler{
		cache:   c,
		ctrl:    ctrl,
		monitor: monitor,
	}
}

// RegisterRoutes mounts the edge endpoints on the router. The catch-all
// proxy must be registered last so local routes win.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/edge", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/sync", h.handleSync)
		r.Route("/practice", func(r chi.Router) {
			r.Post("/start", h.handleStart)
			r.Post("/message", h.handleMessage)
			r.Post("/end", h.handleEnd)
			r.Post("/clear", h.handleClear)
			r.Get("/transcript", h.handleTranscript)
		})
	})
	r.Handle("/*", http.HandlerFunc(h.handleProxy))
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// handleStatus reports the user-visible state: online flag, queue badge
// count, and session lifecycle state.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	indicator := h.ctrl.Indicator()
	JSON(w, http.StatusOK, map[string]interface{}{
		"online":          h.monitor.Online(),
		"queued_messages": indicator.QueuedMessages,
		"session_state":   h.ctrl.State(),
	})
}

// handleSync fires the deferred-sync trigger: one best-effort drain pass
// over the offline queue.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	h.cache.TriggerSync(r.Context())
	JSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

type startRequest struct {
	ScenarioID string `json:"scenarioId"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ScenarioID == "" {
		Error(w, http.StatusBadRequest, "scenarioId is required")
		return
	}

	if err := h.ctrl.Start(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, practice.ErrSessionInProgress) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session":  h.ctrl.Session(),
		"messages": h.ctrl.Transcript(),
	})
}

type messageRequest struct {
	Message string `json:"message"`
}

// handleMessage submits user text. Delivery failure is not an HTTP error:
// the message is echoed and queued, and the response carries the indicator
// so the client can show the "queued" badge.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := h.ctrl.Send(r.Context(), req.Message); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"messages":  h.ctrl.Transcript(),
		"indicator": h.ctrl.Indicator(),
	})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.End(r.Context()); err != nil {
		if errors.Is(err, practice.ErrNoActiveSession) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		// The session stays active; the client may retry ending.
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session":    h.ctrl.Session(),
		"evaluation": h.ctrl.Evaluation(),
	})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Clear()
	JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"session":    h.ctrl.Session(),
		"messages":   h.ctrl.Transcript(),
		"evaluation": h.ctrl.Evaluation(),
	})
}

// handleProxy routes all remaining traffic through the cache controller.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	res, err := h.cache.Handle(r.Context(), r)
	if err != nil {
		Error(w, http.StatusBadGateway, "upstream unavailable")
		return
	}

	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		// Client went away mid-write; nothing to recover.
		return
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
