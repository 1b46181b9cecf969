package main

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/internal/color"
	"github.com/tecu23/duel-server/pkg/clock"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/manager"
	"github.com/tecu23/duel-server/pkg/messages"
	"github.com/tecu23/duel-server/pkg/server"
)

// handleCreateSession handles POST /sessions, called by matchmaking
func (app *application) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req messages.CreateSessionRequest
	if err := app.readJSON(w, r, &req); err != nil {
		app.errorResponse(w, err)
		return
	}

	params := manager.CreateParams{
		First:    req.First,
		Second:   req.Second,
		Preset:   req.Preset,
		Untimed:  req.Untimed,
		StartFEN: req.StartFEN,
	}
	if req.TimeControl != nil {
		initial, err := millis("initial", req.TimeControl.Initial)
		if err != nil {
			app.errorResponse(w, err)
			return
		}
		increment, err := millis("increment", req.TimeControl.Increment)
		if err != nil {
			app.errorResponse(w, err)
			return
		}

		tc := clock.Uniform(initial, increment)
		if err := tc.Validate(); err != nil {
			app.errorResponse(w, fmt.Errorf("%w: %v", server.ErrBadRequest, err))
			return
		}
		params.TimeControl = &tc
	}

	session, err := app.Manager.CreateSession(r.Context(), params)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeJSON(w, http.StatusCreated, session.Snapshot().Payload())
}

// handleGetSession handles GET /sessions/{session_id}
func (app *application) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := app.sessionFromPath(r)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeJSON(w, http.StatusOK, session.Snapshot().Payload())
}

// handleSubmitMove handles POST /sessions/{session_id}/moves
func (app *application) handleSubmitMove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		app.errorResponse(w, fmt.Errorf("%w: invalid session id", server.ErrBadRequest))
		return
	}

	var req messages.MoveRequest
	if err := app.readJSON(w, r, &req); err != nil {
		app.errorResponse(w, err)
		return
	}
	if req.ParticipantID == "" {
		app.errorResponse(w, fmt.Errorf("%w: participant_id is required", server.ErrBadRequest))
		return
	}

	session, _, err := app.Manager.SubmitMove(req.ParticipantID, id, req.Move)
	if err != nil {
		app.Metrics.MoveRejected(server.ErrorCode(err))
		app.errorResponse(w, err)
		return
	}

	app.writeJSON(w, http.StatusOK, session.Snapshot().Payload())
}

// handleLegalMoves handles GET /sessions/{session_id}/legal-moves?from=e2
func (app *application) handleLegalMoves(w http.ResponseWriter, r *http.Request) {
	session, err := app.sessionFromPath(r)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	from := r.URL.Query().Get("from")
	moves, err := session.LegalMoves(from)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeJSON(w, http.StatusOK, messages.LegalMovesPayload{
		SessionID: session.ID.String(),
		From:      from,
		Moves:     moves,
	})
}

// handleAdjustClock handles PUT /sessions/{session_id}/clock
func (app *application) handleAdjustClock(w http.ResponseWriter, r *http.Request) {
	session, err := app.sessionFromPath(r)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	var req messages.AdjustClockRequest
	if err := app.readJSON(w, r, &req); err != nil {
		app.errorResponse(w, err)
		return
	}

	side, ok := color.Parse(req.Color)
	if !ok {
		app.errorResponse(w, fmt.Errorf("%w: color must be white or black", server.ErrBadRequest))
		return
	}

	remaining, err := millis("remaining", req.Remaining)
	if err != nil {
		app.errorResponse(w, err)
		return
	}

	if err := session.AdjustClock(side, remaining); err != nil {
		app.errorResponse(w, err)
		return
	}

	app.writeJSON(w, http.StatusOK, session.Snapshot().Payload())
}

// handleParticipantSession handles GET /participants/{participant_id}/session
func (app *application) handleParticipantSession(w http.ResponseWriter, r *http.Request) {
	session, ok := app.Manager.SessionFor(chi.URLParam(r, "participant_id"))
	if !ok {
		app.errorResponse(w, manager.ErrSessionNotFound)
		return
	}

	app.writeJSON(w, http.StatusOK, session.Snapshot().Payload())
}

func (app *application) sessionFromPath(r *http.Request) (*game.Session, error) {
	id, err := uuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session id", server.ErrBadRequest)
	}

	session, ok := app.Manager.GetSession(id)
	if !ok {
		return nil, manager.ErrSessionNotFound
	}
	return session, nil
}

func (app *application) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", server.ErrBadRequest, err)
	}
	return nil
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.Logger.Error("Failed to write response", zap.Error(err))
	}
}

// errorResponse writes err with the status its code maps to
func (app *application) errorResponse(w http.ResponseWriter, err error) {
	code := server.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		app.Logger.Error("Request failed", zap.Error(err))
	}

	app.writeJSON(w, status, messages.ErrorPayload{Message: err.Error(), Code: code})
}

func statusFor(code string) int {
	switch code {
	case server.CodeAlreadyInSession:
		return http.StatusConflict
	case server.CodeIllegalMove:
		return http.StatusUnprocessableEntity
	case server.CodeNotYourTurn, server.CodeNotParticipant:
		return http.StatusForbidden
	case server.CodeSessionNotFound:
		return http.StatusNotFound
	case server.CodeSessionOver, server.CodeTimeExpired:
		return http.StatusGone
	case server.CodeBadRequest:
		return http.StatusBadRequest
	case server.CodeShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// maxMillis is the largest millisecond count a time.Duration can hold
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// millis converts a client supplied millisecond count, rejecting values that are
// negative or would overflow a time.Duration
func millis(field string, ms int64) (time.Duration, error) {
	if ms < 0 || ms > maxMillis {
		return 0, fmt.Errorf("%w: %s must be between 0 and %d milliseconds", server.ErrBadRequest, field, maxMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
