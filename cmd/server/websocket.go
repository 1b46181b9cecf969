package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/pkg/server"
)

func (app *application) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,

		CheckOrigin: func(r *http.Request) bool {
			if app.Config.FrontendPath == "" {
				return true
			}
			return app.Config.FrontendPath == r.Header.Get("Origin")
		},
	}
}

// handleWebSocket handles WebSocket connections. participant_id binds the connection
// to a participant; without it the connection may only spectate.
func (app *application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")

	// Upgrade HTTP connection to WebSocket
	upgrader := app.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.Logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	cfg := server.DefaultConnectionConfig()
	cfg.InboundRate = app.Config.InboundRate
	cfg.InboundBurst = app.Config.InboundBurst

	// Create and register connection
	conn := server.NewConnection(ws, app.Hub, participantID, cfg, app.Logger)
	app.Hub.Register(conn)

	app.Logger.Debug("WebSocket connection established",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("participant_id", participantID),
	)

	// Start connection read/write goroutines
	go conn.WritePump()
	go conn.ReadPump()
}
