// ABOUTME: Read-only HTTP API over agents, live sessions and stored artifacts
// ABOUTME: Provides GET /api/agents, /api/sessions and /api/artifacts for operators and tooling

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// AgentInfoResponse is the JSON representation of an agent for GET /api/agents.
type AgentInfoResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// SessionInfoResponse is the JSON representation of a session for GET /api/sessions.
type SessionInfoResponse struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Principal   string    `json:"principal"`
	ConnectedAt time.Time `json:"connected_at"`
	IdleSeconds float64   `json:"idle_seconds"`
	Requests    int       `json:"running_requests"`
}

// ArtifactResponse is the JSON representation of a stored artifact.
type ArtifactResponse struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Section   string         `json:"section,omitempty"`
	Title     string         `json:"title,omitempty"`
	Format    string         `json:"format,omitempty"`
	Content   string         `json:"content,omitempty"`
	HTML      string         `json:"html,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// handleListAgents handles GET /api/agents.
// Optional query parameter: capability (only agents advertising it).
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")

	response := make([]AgentInfoResponse, 0)
	for _, a := range g.agents.List() {
		if capability != "" && !slices.Contains(a.Capabilities, capability) {
			continue
		}
		caps := a.Capabilities
		if caps == nil {
			caps = []string{}
		}
		response = append(response, AgentInfoResponse{ID: a.ID, Name: a.Name, Capabilities: caps})
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	now := g.clk.Now()
	response := make([]SessionInfoResponse, 0)
	for _, s := range g.sessions.list() {
		response = append(response, SessionInfoResponse{
			ID:          s.id,
			ClientID:    s.clientID,
			Principal:   s.identity.PrincipalID,
			ConnectedAt: s.connected.UTC(),
			IdleSeconds: s.idle(now).Seconds(),
			Requests:    g.runs.count(s.clientID),
		})
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleListArtifacts handles GET /api/artifacts?request_id=...
func (g *Gateway) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "artifact storage disabled")
		return
	}
	artifacts, err := g.store.ListArtifacts(r.Context(), r.URL.Query().Get("request_id"))
	if err != nil {
		g.logger.Error("failed to list artifacts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	response := make([]ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		response = append(response, artifactResponse(a))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleGetArtifact handles GET /api/artifacts/{id}.
func (g *Gateway) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "artifact storage disabled")
		return
	}
	a, err := g.store.GetArtifact(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get artifact", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, artifactResponse(a))
}

func artifactResponse(a *store.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:        a.ID,
		RequestID: a.RequestID,
		AgentID:   a.AgentID,
		Section:   a.Section,
		Title:     a.Title,
		Format:    a.Format,
		Content:   a.Content,
		HTML:      a.HTML,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt.UTC(),
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
