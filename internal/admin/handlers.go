package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"postwell/internal/eventbus"
	"postwell/internal/generate"
	"postwell/internal/queue"
	"postwell/internal/recurrence"
	"postwell/pkg/logx"
)

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(token, h) }

	mux.HandleFunc("POST /api/items", wrap(s.handleCreate))
	mux.HandleFunc("GET /api/items/due", wrap(s.handleDue))
	mux.HandleFunc("GET /api/items/{id}", wrap(s.handleGet))
	mux.HandleFunc("POST /api/items/{id}/cancel", wrap(s.handleCancel))
	mux.HandleFunc("GET /api/health", wrap(s.handleHealth))
	return mux
}

type createRequest struct {
	ChannelID   string                `json:"channel_id"`
	Payload     queue.Payload         `json:"payload"`
	Priority    string                `json:"priority,omitempty"`
	ScheduledAt string                `json:"scheduled_at,omitempty"`
	Recurrence  *queue.RecurrenceRule `json:"recurrence,omitempty"`
	Generate    *generate.Request     `json:"generate,omitempty"`
}

type itemResponse struct {
	queue.Item
	Attempts []queue.Attempt `json:"attempts,omitempty"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	if req.ChannelID == "" {
		httpError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	prio, err := queue.ParsePriority(req.Priority)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	scheduledAt := s.clk.Now()
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			httpError(w, http.StatusBadRequest, "scheduled_at must be RFC3339")
			return
		}
		scheduledAt = t.UTC()
	}

	if req.Generate != nil {
		if !s.gen.Enabled() {
			httpError(w, http.StatusBadRequest, "content generation is not enabled")
			return
		}
		text, err := s.gen.Generate(r.Context(), *req.Generate)
		if err != nil {
			httpError(w, http.StatusBadGateway, "generation failed: "+err.Error())
			return
		}
		if req.Payload.Kind == "" {
			req.Payload.Kind = queue.PayloadText
		}
		req.Payload.Text = text
	}

	if err := req.Payload.Validate(); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := recurrence.Validate(req.Recurrence); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	it := queue.New(req.ChannelID, req.Payload, prio, scheduledAt, req.Recurrence)
	if err := s.store.Enqueue(r.Context(), it); err != nil {
		s.log.Error("item enqueue failed", logx.Err(err))
		httpError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeItemScheduled, Data: it})
	}
	s.log.Info("item scheduled",
		logx.String("item", it.ID),
		logx.String("channel", it.ChannelID),
		logx.String("priority", prio.String()),
		logx.Time("at", it.ScheduledAt))
	writeJSON(w, http.StatusCreated, itemResponse{Item: it})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	it, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			httpError(w, http.StatusNotFound, "item not found")
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Item: it, Attempts: attempts})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.Cancel(r.Context(), id, s.clk.Now())
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrNotFound):
		httpError(w, http.StatusNotFound, "item not found")
		return
	case errors.Is(err, queue.ErrAlreadyClaimed):
		httpError(w, http.StatusConflict, "item is publishing right now")
		return
	case errors.Is(err, queue.ErrTerminal):
		httpError(w, http.StatusConflict, "item is already in a terminal state")
		return
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeItemCancelled, Data: id})
	}
	s.log.Info("item cancelled", logx.String("item", id))
	it, err := s.store.Get(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Item: it})
}

func (s *Service) handleDue(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			httpError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	items, err := s.store.FetchDue(r.Context(), s.clk.Now(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status": "ok",
		"time":   s.clk.Now(),
	}
	if s.eng != nil {
		snap := s.eng.Snapshot()
		out["engine"] = snap
		if !snap.Running {
			out["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
