package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/openfang/openfang/orchestrator/store"
	"github.com/openfang/openfang/types"
)

// RunHandler serves the run lifecycle endpoints.
type RunHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(svc Service, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "run_handler")),
	}
}

// HandleSubmit enqueues a new run for an agent.
//
//	POST /v1/runs
func (h *RunHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	run, err := h.svc.SubmitRun(r.Context(), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("agent_id", run.AgentID),
		zap.Int("priority", run.Priority),
	)
	WriteCreated(w, run)
}

// HandleGet returns the current state of a run.
//
//	GET /v1/runs/{id}
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run ID is required", h.logger)
		return
	}

	run, err := h.svc.GetRun(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleList lists runs, filtered by query parameters.
//
//	GET /v1/runs?agent_id=&state=&limit=&offset=&order=desc
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := runFilterFromQuery(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	runs, err := h.svc.ListRuns(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, runs)
}

// HandleCancel requests cancellation of a run. Cancelling a terminal run is a
// no-op; the current run state is always returned.
//
//	POST /v1/runs/{id}/cancel
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run ID is required", h.logger)
		return
	}

	run, err := h.svc.CancelRun(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("run cancel requested",
		zap.String("run_id", id),
		zap.String("state", string(run.State)),
	)
	WriteSuccess(w, run)
}

// HandleStats reports aggregate orchestrator statistics.
//
//	GET /v1/stats
func (h *RunHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"store":       stats,
		"queue_depth": h.svc.QueueDepth(),
	})
}

func runFilterFromQuery(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{
		AgentID:   q.Get("agent_id"),
		OrderDesc: q.Get("order") == "desc",
	}

	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := types.RunState(strings.TrimSpace(s))
			switch state {
			case types.RunQueued, types.RunProvisioning, types.RunRunning,
				types.RunSucceeded, types.RunFailed, types.RunTimedOut,
				types.RunCancelled, types.RunSandboxError:
				filter.States = append(filter.States, state)
			default:
				return filter, types.NewError(types.ErrInvalidRequest, "unknown run state: "+s)
			}
		}
	}

	var err error
	if filter.Limit, err = intQuery(q.Get("limit")); err != nil {
		return filter, types.NewError(types.ErrInvalidRequest, "invalid limit").WithCause(err)
	}
	if filter.Offset, err = intQuery(q.Get("offset")); err != nil {
		return filter, types.NewError(types.ErrInvalidRequest, "invalid offset").WithCause(err)
	}
	return filter, nil
}

func intQuery(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
