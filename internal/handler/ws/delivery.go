// Package ws adapts an HTTP upgrade request into a running
// connection.Actor. Authentication itself is an external collaborator
// per the core's scope: this handler trusts whatever identity the
// surrounding system has already attached to the request and only
// rejects the upgrade if none is present.
package ws

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/delivery-core/internal/config"
	"github.com/chatrelay/delivery-core/internal/connection"
	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/store"
)

// AuthenticatedUserHeader is the header the authentication collaborator
// is expected to set on the upgrade request once it has validated the
// bearer token named in §6. The core never validates the token itself.
const AuthenticatedUserHeader = "X-Authenticated-User-Id"

// Handler upgrades /ws requests and hands the resulting socket to a
// fresh connection.Actor.
type Handler struct {
	log       *slog.Logger
	presence  *registry.Presence
	broadcast *registry.Broadcast
	store     store.Store
	tunables  func() config.Tunables
	upgrader  websocket.Upgrader
}

// NewHandler builds the /ws upgrade handler. tunables is read lazily on
// every upgrade so a hot config reload applies to newly-accepted
// connections without restarting the process.
func NewHandler(log *slog.Logger, presence *registry.Presence, broadcast *registry.Broadcast, st store.Store, tunables func() config.Tunables) *Handler {
	return &Handler{
		log:       log,
		presence:  presence,
		broadcast: broadcast,
		store:     st,
		tunables:  tunables,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := authenticatedUserID(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WS_UPGRADE_FAILED", "error", err)
		return
	}

	actor := connection.New(socket, userID, h.presence, h.broadcast, h.store, h.tunables(), h.log)
	actor.Start(r.Context())
}

func authenticatedUserID(r *http.Request) (int64, error) {
	raw := r.Header.Get(AuthenticatedUserHeader)
	return strconv.ParseInt(raw, 10, 64)
}
