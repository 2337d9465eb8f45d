package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

// statusResponse is the JSON form of a supervisor status report.
type statusResponse struct {
	Status             string    `json:"status"`
	State              string    `json:"state"`
	Detail             string    `json:"detail,omitempty"`
	Kind               string    `json:"kind,omitempty"`
	Host               string    `json:"host"`
	Generation         uint64    `json:"generation"`
	ReconnectScheduled bool      `json:"reconnect_scheduled"`
	Since              time.Time `json:"since"`
}

func newStatusResponse(r supervisor.StatusReport, host string) statusResponse {
	resp := statusResponse{
		Status:             r.Status.String(),
		State:              r.State.String(),
		Detail:             r.Detail,
		Host:               host,
		Generation:         r.Generation,
		ReconnectScheduled: r.ReconnectScheduled,
		Since:              r.Since,
	}
	if r.Kind != fault.KindUnknown {
		resp.Kind = r.Kind.String()
	}
	return resp
}

// handleStatus returns the connection status with dispatcher and channel
// counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"connection": newStatusResponse(s.sup.Status(), s.sup.Appliance().Host),
		"dispatcher": s.sup.DispatcherStats(),
	}
	if cs, ok := s.sup.ChannelStats(); ok {
		resp["channel"] = cs
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSnapshot returns the whole device snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	dev, ok := s.sup.CurrentSnapshot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no device state loaded yet")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleSubsystem returns one subsystem exactly as the appliance reported it.
func (s *Server) handleSubsystem(w http.ResponseWriter, r *http.Request) {
	sub := state.Subsystem(chi.URLParam(r, "subsystem"))
	if !sub.Known() {
		writeNotFound(w, "unknown subsystem")
		return
	}
	raw, ok := s.sup.SubsystemJSON(sub)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no device state loaded yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw) //nolint:errcheck // Best-effort write to response
}

// handleChoices lists the inputs and outputs a routing UI can offer. With
// ?signal=video only video-capable endpoints are listed.
func (s *Server) handleChoices(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.sup.CurrentSnapshot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no device state loaded yet")
		return
	}

	writeJSON(w, http.StatusOK, newChoicesResponse(dev, r.URL.Query().Get("signal") == "video"))
}

// choicesResponse lists routable endpoints and the current routes.
type choicesResponse struct {
	Inputs  []state.Choice         `json:"inputs"`
	Outputs []state.Choice         `json:"outputs"`
	Routes  map[string]state.Route `json:"routes"`
}

func newChoicesResponse(dev state.Device, videoOnly bool) choicesResponse {
	resp := choicesResponse{
		Inputs:  dev.InputChoices(),
		Outputs: dev.OutputChoices(),
		Routes:  dev.AvMatrixRoutingV2.Routes,
	}
	if videoOnly {
		resp.Inputs, resp.Outputs = dev.VideoInputChoices(), dev.VideoOutputChoices()
	}
	return resp
}

// inventoryEvent is the payload of an inventory.redefined event.
func (s *Server) inventoryEvent() (choicesResponse, bool) {
	dev, ok := s.sup.CurrentSnapshot()
	if !ok {
		return choicesResponse{}, false
	}
	return newChoicesResponse(dev, false), true
}

// handleHistory lists recorded changes of one subsystem, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not enabled")
		return
	}
	sub := state.Subsystem(chi.URLParam(r, "subsystem"))
	if !sub.Known() {
		writeNotFound(w, "unknown subsystem")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	changes, err := s.history.ListChanges(r.Context(), string(sub), limit)
	if err != nil {
		s.logger.Error("listing history failed", "subsystem", sub, "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"count":   len(changes),
	})
}

// handleStatusHistory lists recorded connection status transitions.
func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not enabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	events, err := s.history.ListStatus(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing status history failed", "error", err)
		writeInternalError(w, "failed to list status history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// routeRequest is the body of POST /routes.
type routeRequest struct {
	Output string `json:"output"`
	Source string `json:"source"`
	Signal string `json:"signal"`
}

// handleRoute sends a route change to the appliance and waits for the
// dispatcher to complete it.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Signal == "" {
		req.Signal = "av"
		if state.IsAux(req.Output) {
			req.Signal = "audio"
		}
	}
	sig, err := state.ParseSignal(req.Signal)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cmd, err := supervisor.RouteCommand(req.Output, req.Source, sig)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.routeTimeout)
	defer cancel()

	f := s.sup.EnqueueCommand(cmd, dispatch.PriorityCommand)
	if _, err := f.Wait(ctx); err != nil {
		s.writeCommandError(w, err)
		return
	}

	if claims := claimsFromContext(r.Context()); claims != nil {
		s.logger.Info("route changed",
			"output", req.Output,
			"source", req.Source,
			"signal", sig.String(),
			"subject", claims.Subject,
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "accepted",
		"command_id": f.ID(),
	})
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNotLive):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "appliance connection is not live")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "appliance did not complete the command in time")
	default:
		c := fault.Classify(err)
		if c.Kind.Category() == fault.CategoryCancellation {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command cancelled by reconnect")
			return
		}
		s.logger.Warn("route command failed", "kind", c.Kind.String(), "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, c.Message)
	}
}

// applianceRequest is the body of PUT /appliance.
type applianceRequest struct {
	Host               string `json:"host"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	InsecureSkipVerify *bool  `json:"insecure_skip_verify"`
}

// handleReconfigure points the connection at new appliance settings. The
// reconnect runs in the background; clients follow it on GET /status or the
// status.changed feed.
func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req applianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "host is required")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "username is required")
		return
	}

	cfg := s.sup.Appliance()
	cfg.Host = req.Host
	cfg.Username = req.Username
	cfg.Password = req.Password
	if req.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *req.InsecureSkipVerify
	}
	s.sup.Reconfigure(cfg)

	s.logger.Info("appliance reconfigured", "host", cfg.Host)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "reconnecting",
		"host":   cfg.Host,
	})
}

// replay supplies the current payloads of a feed channel to a client that
// has just subscribed.
func (s *Server) replay(channel string) []any {
	switch channel {
	case EventStatusChanged:
		return []any{newStatusResponse(s.sup.Status(), s.sup.Appliance().Host)}
	case EventInventoryRedefined:
		if ev, ok := s.inventoryEvent(); ok {
			return []any{ev}
		}
		return nil
	case EventSubsystemChanged:
		var out []any
		for _, sub := range state.Subsystems() {
			raw, ok := s.sup.SubsystemJSON(sub)
			if !ok {
				continue
			}
			out = append(out, subsystemEvent{Subsystem: string(sub), State: raw})
		}
		return out
	default:
		return nil
	}
}
