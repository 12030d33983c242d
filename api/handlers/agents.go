package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/openfang/openfang/types"
)

// AgentHandler serves the agent registry endpoints.
type AgentHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(svc Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "agent_handler")),
	}
}

// RegisterAgentRequest is the payload for POST /v1/agents.
type RegisterAgentRequest struct {
	Name           string               `json:"name"`
	Runtime        types.RuntimeKind    `json:"runtime"`
	EntryPoint     string               `json:"entry_point"`
	BundleDir      string               `json:"bundle_dir"`
	Limits         types.ResourceLimits `json:"limits"`
	NetworkEnabled bool                 `json:"network_enabled"`
	Env            map[string]string    `json:"env,omitempty"`
}

// HandleRegister registers a new agent or a new version of an existing one.
//
//	POST /v1/agents
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	def := &types.AgentDefinition{
		Name:           req.Name,
		Runtime:        req.Runtime,
		EntryPoint:     req.EntryPoint,
		BundleDir:      req.BundleDir,
		Limits:         req.Limits,
		NetworkEnabled: req.NetworkEnabled,
		Env:            req.Env,
	}

	registered, err := h.svc.RegisterAgent(r.Context(), def)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("agent registered",
		zap.String("agent_id", registered.ID),
		zap.String("name", registered.Name),
		zap.Int("version", registered.Version),
	)
	WriteCreated(w, registered)
}

// HandleList lists all registered agents.
//
//	GET /v1/agents
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.ListAgents(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, agents)
}

// HandleGet returns a single agent definition.
//
//	GET /v1/agents/{id}
func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent ID is required", h.logger)
		return
	}

	def, err := h.svc.GetAgent(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleDelete removes an agent that has no active runs.
//
//	DELETE /v1/agents/{id}
func (h *AgentHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent ID is required", h.logger)
		return
	}

	if err := h.svc.DeleteAgent(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("agent deleted", zap.String("agent_id", id))
	WriteSuccess(w, map[string]string{"id": id, "status": "deleted"})
}
