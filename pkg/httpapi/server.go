// Package httpapi exposes the orchestration core over HTTP: chat turns in,
// scene state out, plus the error-notification intake the rendering surface
// posts to.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sceneforge/pkg/autofix"
	"sceneforge/pkg/events"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/scene"
	"sceneforge/pkg/turn"
)

// Server wires the core components to HTTP routes.
type Server struct {
	turns  *turn.Handler
	bus    *events.Bus
	queue  *autofix.Queue
	store  scene.Store
	logger *logx.Logger
}

func NewServer(turns *turn.Handler, bus *events.Bus, queue *autofix.Queue, store scene.Store) *Server {
	return &Server{
		turns:  turns,
		bus:    bus,
		queue:  queue,
		store:  store,
		logger: logx.NewLogger("httpapi"),
	}
}

// Register adds all routes to the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/projects/{projectID}/turns", s.handleTurn)
	mux.HandleFunc("GET /api/projects/{projectID}/scenes", s.handleListScenes)
	mux.HandleFunc("POST /api/scenes/{sceneID}/restore", s.handleRestoreScene)
	mux.HandleFunc("POST /api/scene-errors", s.handleSceneError)
	mux.HandleFunc("GET /api/autofix", s.handleAutofix)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type turnRequest struct {
	Instruction string   `json:"instruction"`
	ImageURLs   []string `json:"image_urls,omitempty"`
}

type turnResponse struct {
	Text          string       `json:"text"`
	Clarification bool         `json:"clarification,omitempty"`
	Failed        bool         `json:"failed,omitempty"`
	Scene         *scene.Scene `json:"scene,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	reply, err := s.turns.Handle(r.Context(), projectID, req.Instruction, req.ImageURLs)
	if err != nil {
		s.logger.Error("turn failed for project %s: %v", projectID, err)
		writeError(w, http.StatusInternalServerError, "something went wrong handling your request")
		return
	}

	resp := turnResponse{
		Text:          reply.Text,
		Clarification: reply.Clarification,
		Failed:        reply.Failed,
	}
	if reply.Result != nil {
		resp.Scene = reply.Result.Scene
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	scenes, err := s.store.ListScenes(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to list scenes for project %s: %v", projectID, err)
		writeError(w, http.StatusInternalServerError, "failed to list scenes")
		return
	}
	writeJSON(w, http.StatusOK, scenes)
}

// handleRestoreScene undeletes a soft-deleted scene, reappending it at the
// end of the project's ordering.
func (s *Server) handleRestoreScene(w http.ResponseWriter, r *http.Request) {
	sceneID := r.PathValue("sceneID")
	restored, err := s.store.RestoreScene(r.Context(), sceneID)
	if err != nil {
		if errors.Is(err, scene.ErrSceneNotFound) {
			writeError(w, http.StatusNotFound, "scene not found")
			return
		}
		s.logger.Error("failed to restore scene %s: %v", sceneID, err)
		writeError(w, http.StatusInternalServerError, "failed to restore scene")
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

type sceneErrorRequest struct {
	SceneID      string `json:"scene_id"`
	SceneName    string `json:"scene_name"`
	ErrorMessage string `json:"error_message"`
}

// handleSceneError is the intake for compile/render failures reported by the
// rendering surface. Fire and forget: accepted immediately, repaired (or
// not) later.
func (s *Server) handleSceneError(w http.ResponseWriter, r *http.Request) {
	var req sceneErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SceneID == "" || req.ErrorMessage == "" {
		writeError(w, http.StatusBadRequest, "scene_id and error_message are required")
		return
	}

	s.bus.PublishSceneError(events.SceneError{
		Timestamp:    time.Now().UTC(),
		SceneID:      req.SceneID,
		SceneName:    req.SceneName,
		ErrorMessage: req.ErrorMessage,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAutofix(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Entries())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
