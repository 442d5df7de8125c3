package websocket

import (
	"net/http"

	"github.com/mtr002/render-queue/internal/logger"
)

// HandleWebSocket upgrades the request and attaches the connection to hub.
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// BroadcastJobUpdate sends job to every connected client.
func BroadcastJobUpdate(hub *Hub, job interface{}) {
	message, err := encodeUpdate(job)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to marshal job update")
		return
	}

	hub.Broadcast(message)
}
