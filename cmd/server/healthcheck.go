package main

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status         string `json:"status"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
	Connections    int    `json:"connections"`
}

// handleHealth handles the GET /health endpoint
func (app *application) handleHealth(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Uptime:         time.Since(app.StartTime).Round(time.Second).String(),
		ActiveSessions: app.Manager.ActiveSessions(),
		Connections:    app.Hub.Len(),
	})
}
