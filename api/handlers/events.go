package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/workflow"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

// StreamMessage 是事件流上的一帧。连接建立后先发送一帧 snapshot，随后每个事件一帧。
type StreamMessage struct {
	Type   string                        `json:"type"`
	Status *workflow.ExecutionStatusView `json:"status,omitempty"`
	Event  *workflow.Event               `json:"event,omitempty"`
}

const (
	streamSnapshot = "snapshot"
	streamEvent    = "event"
)

// HandleExecutionEvents 以 WebSocket 推送单个执行的事件，执行结束后正常关闭连接
// @Summary Execution event stream
// @Tags events
// @Param id path string true "Execution ID"
// @Success 101
// @Failure 404 {object} Response
// @Router /api/v1/executions/{id}/events [get]
func (h *WorkflowHandler) HandleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// 先订阅再取快照，快照之后的事件不会丢失
	events, unsubscribe := h.engine.Subscribe(id)
	defer unsubscribe()

	view, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := conn.CloseRead(r.Context())
	if err := writeFrame(ctx, conn, StreamMessage{Type: streamSnapshot, Status: view}); err != nil {
		return
	}
	if view.Status.IsTerminal() {
		conn.Close(websocket.StatusNormalClosure, "execution finished") //nolint:errcheck
		return
	}

	h.stream(ctx, conn, events, func(ev workflow.Event) bool {
		return ev.ExecutionID == id && isTerminalEvent(ev.Type)
	})
}

// HandleAllEvents 以 WebSocket 推送所有执行的事件，直到客户端断开
// @Summary Global event stream
// @Tags events
// @Success 101
// @Router /api/v1/events [get]
func (h *WorkflowHandler) HandleAllEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := h.engine.SubscribeAll()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	h.stream(conn.CloseRead(r.Context()), conn, events, nil)
}

// stream 转发事件直到 done 返回 true、订阅关闭或连接断开
func (h *WorkflowHandler) stream(ctx context.Context, conn *websocket.Conn, events <-chan workflow.Event, done func(workflow.Event) bool) {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("event stream ping failed", zap.Error(err))
				return
			}

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed") //nolint:errcheck
				return
			}
			if err := writeFrame(ctx, conn, StreamMessage{Type: streamEvent, Event: &ev}); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("event stream write failed", zap.Error(err))
				}
				return
			}
			if done != nil && done(ev) {
				conn.Close(websocket.StatusNormalClosure, "execution finished") //nolint:errcheck
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stream frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func isTerminalEvent(t workflow.EventType) bool {
	switch t {
	case workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed, workflow.EventWorkflowCancelled:
		return true
	}
	return false
}
