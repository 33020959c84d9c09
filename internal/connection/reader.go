package connection

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/ingress"
)

// readLoop is the serial reader task: one frame in, fully processed,
// before the next ReadMessage call — per §5, "inbound frames are
// processed strictly in receive order."
//
// It enforces the idle-read timeout and the per-connection rate limit,
// runs every inbound frame through the ingress pipeline, and turns
// every terminal condition (close frame, read error, timeout) into a
// self-directed Shutdown signal so the writer flushes and exits.
func (a *Actor) readLoop(ctx context.Context, sink *registry.Sink) {
	defer sink.Push(model.NewShutdownSignal())

	ticker := time.NewTicker(a.tunables.RateLimitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.socket.SetReadDeadline(time.Now().Add(a.tunables.IdleTimeout)); err != nil {
			a.log.Warn("READ_DEADLINE_FAILED", "user_id", a.userID, "error", err)
			return
		}

		msgType, raw, err := a.socket.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				a.log.Info("CONNECTION_CLOSED_BY_PEER", "user_id", a.userID)
			} else {
				a.log.Warn("READ_ERROR", "user_id", a.userID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		a.handleFrame(ctx, raw, sink)
	}
}

// handleFrame runs one decoded frame through the ingress pipeline and
// turns a rejection into an Error signal on the connection's own sink,
// per §4.4's "each numbered step may reject the frame" contract.
func (a *Actor) handleFrame(ctx context.Context, raw []byte, sink *registry.Sink) {
	_, err := a.pipeline.Process(ctx, raw)
	if err == nil {
		return
	}

	reason := err.Error()
	if !ingress.IsRejection(err) {
		// Transient/internal failure (store down, etc). The sender still
		// gets a short reason; the connection is not torn down for this.
		reason = "temporarily unavailable"
		a.log.Error("INGRESS_INTERNAL_ERROR", "user_id", a.userID, "error", err)
	}
	sink.Push(model.NewErrorSignal(reason))
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, context.Canceled)
}
