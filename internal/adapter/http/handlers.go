package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/sentry-webhooks/internal/domain/webhook"
	"github.com/Strob0t/sentry-webhooks/internal/port/plugin"
	"github.com/Strob0t/sentry-webhooks/internal/service"
	"github.com/Strob0t/sentry-webhooks/internal/version"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the services the HTTP API exposes.
type Handlers struct {
	Options *service.OptionsService
	Ingest  *service.IngestService
	Plugins *plugin.Registry
	Health  map[string]Pinger // dependency name -> checker
}

// optionsResponse is the settings form as stored, plus derived fields.
type optionsResponse struct {
	ProjectID  string   `json:"project_id"`
	URLs       string   `json:"urls"`
	URLList    []string `json:"url_list"`
	Channel    string   `json:"channel"`
	Username   string   `json:"username"`
	Configured bool     `json:"configured"`
}

func newOptionsResponse(projectID string, opts webhook.Options) optionsResponse {
	urls := opts.WebhookURLs()
	if urls == nil {
		urls = []string{}
	}
	return optionsResponse{
		ProjectID:  projectID,
		URLs:       opts.URLs,
		URLList:    urls,
		Channel:    opts.Channel,
		Username:   opts.Username,
		Configured: opts.IsConfigured(),
	}
}

// GetOptions handles GET /api/v1/projects/{projectID}/plugins/webhooks/options
func (h *Handlers) GetOptions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	opts, err := h.Options.Load(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, "options not found")
		return
	}
	writeJSON(w, http.StatusOK, newOptionsResponse(projectID, opts))
}

// UpdateOptions handles PUT /api/v1/projects/{projectID}/plugins/webhooks/options
func (h *Handlers) UpdateOptions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	req, ok := readJSON[webhook.Options](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	if err := h.Options.Update(r.Context(), projectID, req); err != nil {
		writeDomainError(w, err, "options not found")
		return
	}

	opts, err := h.Options.Load(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, "options not found")
		return
	}
	writeJSON(w, http.StatusOK, newOptionsResponse(projectID, opts))
}

// DeleteOptions handles DELETE /api/v1/projects/{projectID}/plugins/webhooks/options
func (h *Handlers) DeleteOptions(w http.ResponseWriter, r *http.Request) {
	if err := h.Options.Delete(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		writeDomainError(w, err, "options not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPlugins handles GET /api/v1/plugins
func (h *Handlers) ListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Plugins.List())
}

type ingestResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// PostProcess handles POST /api/v1/events/post-process. The event is
// dispatched in the background; 202 only means it was accepted.
func (h *Handlers) PostProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := service.Decode(body)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}

	h.Ingest.Enqueue(r.Context(), msg)
	writeJSON(w, http.StatusAccepted, ingestResponse{Status: "accepted", EventID: msg.Event.ID})
}

// Version handles GET /api/v1/
func (h *Handlers) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthCheck handles GET /health. Any failing dependency turns the status
// into "degraded" with 503.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Health))}
	for name, p := range h.Health {
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
