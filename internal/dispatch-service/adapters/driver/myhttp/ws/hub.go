package ws

import (
	"context"
	"net/http"
	"sync"

	"roadside/internal/dispatch-service/adapters/driver/myhttp/middleware"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/services"
	"roadside/internal/mylogger"

	"github.com/gorilla/websocket"
)

// websocketUpgrader upgrades incoming HTTP requests into persistent
// websocket connections.
var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub is the websocket face of the session router. A mechanic socket is
// its inbox (offers, withdrawals); a user socket is their notification
// inbox; both can join per-request rooms with subscribe messages.
type Hub struct {
	router *services.Router
	auth   *middleware.AuthMiddleware
	log    mylogger.Logger

	mu      sync.Mutex
	clients map[*Client]bool
}

func NewHub(router *services.Router, auth *middleware.AuthMiddleware, log mylogger.Logger) *Hub {
	return &Hub{
		router:  router,
		auth:    auth,
		log:     log,
		clients: make(map[*Client]bool),
	}
}

// MechanicHandler serves /ws/mechanics/{mechanic_id}.
func (h *Hub) MechanicHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, r.PathValue("mechanic_id"), model.RoleMechanic)
	}
}

// UserHandler serves /ws/users/{user_id}.
func (h *Hub) UserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, r.PathValue("user_id"), model.RoleUser)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, principalID string, role model.Role) {
	log := h.log.Action("ws_connect")

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	actor, err := h.auth.ParsePrincipal(token)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if actor.ID != principalID || actor.Role != role {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("cannot upgrade", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := NewClient(ctx, cancel, conn, h, actor)

	// the connection is the principal's inbox from the first frame on
	var inbox *services.Subscription
	switch role {
	case model.RoleMechanic:
		inbox = h.router.SubscribeMechanic(actor.ID)
	default:
		inbox = h.router.SubscribeUser(actor.ID)
	}
	client.attach(inbox)

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	log.Info("client connected", "principal", actor.ID, "role", actor.Role)
	go client.ReadPump()
	go client.WritePump()
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// Shutdown closes every connected client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
