package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/openfang/openfang/types"
)

// StreamHandler serves live run output over WebSocket.
type StreamHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(svc Service, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "stream_handler")),
	}
}

// StreamEvent is one WebSocket message on the output stream. Output events
// carry a chunk of workload output; the final status event carries the
// terminal run and closes the stream.
type StreamEvent struct {
	Type string     `json:"type"` // "output" or "status"
	Data string     `json:"data,omitempty"`
	Run  *types.Run `json:"run,omitempty"`
}

// HandleStream upgrades to WebSocket and relays run output. For a run that is
// already terminal the captured output is replayed before the status event.
//
//	GET /v1/runs/{id}/stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run ID is required", h.logger)
		return
	}

	snapshot, ch, detach, err := h.svc.StreamOutput(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	defer detach()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("run_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// CloseRead discards inbound messages and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	if snapshot != "" {
		if err := writeEvent(ctx, conn, StreamEvent{Type: "output", Data: snapshot}); err != nil {
			return
		}
	}

	for ch != nil {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				ch = nil
				break
			}
			if err := writeEvent(ctx, conn, StreamEvent{Type: "output", Data: string(chunk)}); err != nil {
				return
			}
		}
	}

	run, err := h.svc.GetRun(ctx, id)
	if err != nil {
		h.logger.Warn("final run lookup failed", zap.String("run_id", id), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "run lookup failed")
		return
	}
	if err := writeEvent(ctx, conn, StreamEvent{Type: "status", Run: run}); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
