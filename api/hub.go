package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans bus events out to connected websocket dashboards. A client that
// fails a write is dropped; the engine never waits on a browser.
type Hub struct {
	logger *logrus.Logger

	lock    sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Run consumes the bus subscription until the channel closes, then hangs
// up every client.
func (h *Hub) Run(ch <-chan models.Event) {
	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			h.logger.WithError(err).Error("Failed to encode event for websocket")
			continue
		}
		h.broadcast(payload)
	}

	h.lock.Lock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
	h.lock.Unlock()
}

func (h *Hub) broadcast(message []byte) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	h.lock.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.lock.Unlock()
	h.logger.WithField("clients", count).Debug("Dashboard client connected")

	// Drain control frames and detect hangup; clients never send data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.lock.Lock()
				if h.clients[conn] {
					conn.Close()
					delete(h.clients, conn)
				}
				h.lock.Unlock()
				return
			}
		}
	}()
}
