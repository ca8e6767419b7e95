package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/audit"
	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
	"github.com/nerrad567/gray-logic-avr/internal/history"
)

// maxQueryParamLen limits query parameter length to prevent DoS via oversized URL params.
const maxQueryParamLen = 100

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// commandRequest is the body of POST /receiver/commands.
type commandRequest struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// statsResponse is the session counter view.
type statsResponse struct {
	State          string `json:"state"`
	FramesReceived uint64 `json:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
	DeviceErrors   uint64 `json:"device_errors"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
	CommandsSent   uint64 `json:"commands_sent"`
	Heartbeats     uint64 `json:"heartbeats"`
	LastActivity   string `json:"last_activity,omitempty"`
}

func newStatsResponse(stats jblav.SessionStats) statsResponse {
	resp := statsResponse{
		State:          stats.State.String(),
		FramesReceived: stats.FramesRx,
		FramesDropped:  stats.FramesDropped,
		DeviceErrors:   stats.DeviceErrors,
		BytesDiscarded: stats.BytesDiscarded,
		CommandsSent:   stats.CommandsTx,
		Heartbeats:     stats.Heartbeats,
	}
	if !stats.LastActivity.IsZero() {
		resp.LastActivity = stats.LastActivity.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleGetReceiver returns connection, session counters and state in one response.
func (s *Server) handleGetReceiver(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"receiver_id": s.receiverID,
		"connected":   s.receiver.IsConnected(),
		"session":     newStatsResponse(s.receiver.Stats()),
		"state":       s.receiver.State().Named(),
	})
}

// handleGetState returns the current attribute snapshot.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"receiver_id": s.receiverID,
		"state":       s.receiver.State().Named(),
	})
}

// handleGetStats returns the session counters.
func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStatsResponse(s.receiver.Stats()))
}

// handleCommand dispatches a command and returns its acknowledgment.
// 202 means the frame was written; the new value arrives as a state change.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	ack := s.dispatcher.Dispatch(r.Context(), jblav.CommandMessage{
		ID:         req.ID,
		Timestamp:  time.Now().UTC(),
		DeviceID:   s.receiverID,
		Command:    req.Command,
		Parameters: req.Parameters,
		Source:     "api",
	})
	writeJSON(w, ackStatus(ack), ack)
}

// handleListHistory returns recorded attribute changes, newest first.
//
// Query parameters:
//   - attribute: filter by attribute name (volume, source, ...)
//   - since: RFC3339 lower bound, inclusive
//   - limit: max results (default 50, max 200)
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "state history unavailable")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	attribute := q.Get("attribute")
	if len(attribute) > maxQueryParamLen {
		writeBadRequest(w, "attribute exceeds maximum length")
		return
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeBadRequest(w, "invalid since timestamp")
			return
		}
	}

	entries, err := s.history.List(r.Context(), history.Query{
		ReceiverID: s.receiverID,
		Attribute:  attribute,
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		s.logger.Error("failed to load state history", "error", err)
		writeInternalError(w, "failed to load state history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"receiver_id": s.receiverID,
		"history":     entries,
		"count":       len(entries),
	})
}

// handleListAudit returns paginated audited commands with optional filters.
//
// Query parameters:
//   - command: filter by command name
//   - outcome: accepted or failed
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "command audit unavailable")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeBadRequest(w, "invalid offset")
			return
		}
	}
	outcome := q.Get("outcome")
	if outcome != "" && outcome != audit.OutcomeAccepted && outcome != audit.OutcomeFailed {
		writeBadRequest(w, "outcome must be accepted or failed")
		return
	}
	command := q.Get("command")
	if len(command) > maxQueryParamLen {
		writeBadRequest(w, "command exceeds maximum length")
		return
	}

	result, err := s.audit.List(r.Context(), audit.Filter{
		ReceiverID: s.receiverID,
		Command:    command,
		Outcome:    outcome,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseLimit parses the limit query parameter with bounds enforcement.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultPageLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxPageLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}
