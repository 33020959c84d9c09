package connection

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/delivery-core/internal/domain/model"
	"github.com/chatrelay/delivery-core/internal/protocol"
)

// writeLoop is the EgressBatcher: it owns the multiplex of one
// broadcast receiver per chat the user belongs to, plus its own
// control sink, and is the only task that ever writes to the socket.
func (a *Actor) writeLoop(ctx context.Context) {
	chatIDs, err := a.store.FindMemberships(ctx, a.userID)
	if err != nil {
		a.log.Error("EGRESS_STARTUP_QUERY_FAILED", "user_id", a.userID, "error", err)
		return
	}

	mux := newMultiplex(a.broadcast, chatIDs)
	defer mux.closeAll()

	if err := a.pipeline.WarmMembership(ctx, chatIDs); err != nil {
		a.log.Warn("EGRESS_MEMBERSHIP_WARM_FAILED", "user_id", a.userID, "error", err)
	}

	batch := make([]*model.PersistedMessage, 0, a.tunables.BatchMaxSize)
	ticker := time.NewTicker(a.tunables.BatchInterval)
	defer ticker.Stop()

	// flush and writeControlFrame report false on a transport-level write
	// failure, which per §7.4 is a transport error that should initiate
	// orderly teardown rather than just being logged and outlived — an
	// encode failure, by contrast, is internal and never fatal to the
	// connection.
	flush := func() (ok bool) {
		if len(batch) == 0 {
			return true
		}
		frame, err := protocol.EncodeBatch(batch)
		batch = batch[:0]
		if err != nil {
			a.log.Error("EGRESS_ENCODE_FAILED", "user_id", a.userID, "error", err)
			return true
		}
		if err := a.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			a.log.Warn("EGRESS_WRITE_FAILED", "user_id", a.userID, "error", err)
			return false
		}
		return true
	}

	writeControlFrame := func(sig model.ControlSignal) (ok bool) {
		frame, err := protocol.EncodeControl(sig)
		if err != nil {
			a.log.Error("EGRESS_CONTROL_ENCODE_FAILED", "user_id", a.userID, "error", err)
			return true
		}
		if err := a.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			a.log.Warn("EGRESS_WRITE_FAILED", "user_id", a.userID, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case shared := <-mux.cases():
			batch = append(batch, shared.Msg)
			if len(batch) >= a.tunables.BatchMaxSize {
				if !flush() {
					return
				}
			}

		case <-ticker.C:
			if !flush() {
				return
			}

		case sig := <-a.sink.Recv():
			done, ok := a.handleControl(sig, mux, writeControlFrame)
			if !ok {
				return
			}
			if done {
				flush()
				return
			}
		}
	}
}

// handleControl applies one control signal to the writer's state. done
// reports Shutdown was received; ok reports false if emitting the signal
// hit a transport-level write failure, in which case the writer must
// exit regardless of done.
func (a *Actor) handleControl(sig model.ControlSignal, mux *multiplex, emit func(model.ControlSignal) bool) (done, ok bool) {
	switch sig.Kind {
	case model.SignalAddChat:
		mux.add(sig.ChatID)
		a.pipeline.InvalidateMembership(sig.ChatID)
		return false, emit(sig)
	case model.SignalRemoveChat:
		mux.remove(sig.ChatID)
		a.pipeline.InvalidateMembership(sig.ChatID)
		return false, emit(sig)
	case model.SignalError:
		return false, emit(sig)
	case model.SignalInvitation:
		return false, emit(sig)
	case model.SignalShutdown:
		return true, true
	default:
		a.log.Warn("EGRESS_UNKNOWN_SIGNAL", "kind", sig.Kind)
		return false, true
	}
}
