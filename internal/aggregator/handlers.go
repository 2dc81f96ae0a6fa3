package aggregator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gpufleet/internal/api"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
	"gpufleet/internal/relay"
	"gpufleet/internal/store"
)

// Snapshots carry the full process table, so bodies can be large.
const maxBodyBytes = 16 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

func (s *Server) handleHosts(w http.ResponseWriter, _ *http.Request) {
	views := s.reg.SnapshotAll(s.now())
	resp := api.HostsResponse{Machines: make(map[string]api.HostStatus, len(views))}
	for _, v := range views {
		resp.Machines[v.Hostname] = hostStatus(v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	v, ok := s.reg.Host(hostname, s.now())
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown host "+hostname, api.CodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, hostStatus(v))
}

// handleReport accepts a one-shot snapshot push. It updates liveness like a
// pushed frame does but never touches the connection handle.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var snap model.HostSnapshot
	// Unknown fields are tolerated: older collectors send extra process attributes.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&snap); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), api.CodeBadRequest)
		return
	}
	if snap.Hostname == "" {
		writeJSONError(w, http.StatusBadRequest, "hostname is required", api.CodeMissingHostname)
		return
	}
	snap.Normalize()

	created, err := s.reg.UpsertSnapshot(snap.Hostname, snap, s.now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), api.CodeBadRequest)
		return
	}
	if created {
		logutil.GetLogger().Info("new host reported",
			zap.String("hostname", snap.Hostname),
			zap.String("remote", r.RemoteAddr))
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: model.StatusSuccess})
}

// handleKill dispatches a kill command. 202 means the command was queued on
// the host's live connection, not that any process was terminated.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req api.KillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), api.CodeBadRequest)
		return
	}

	receipt, err := s.relay.Dispatch(req.Hostname, req.PIDs)
	if err != nil {
		status, code := dispatchErrorStatus(err)
		writeJSONError(w, status, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusAccepted, api.KillResponse{
		Status:    "dispatched",
		CommandID: receipt.CommandID,
		Hostname:  receipt.Hostname,
		PIDs:      receipt.PIDs,
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := s.relay.Command(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown or expired command "+id, api.CodeNotFound)
		return
	}
	rec.DispatchedAt = rec.DispatchedAt.UTC()
	if rec.CompletedAt != nil {
		completed := rec.CompletedAt.UTC()
		rec.CompletedAt = &completed
	}
	writeJSON(w, http.StatusOK, rec)
}

func dispatchErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrMissingHostname):
		return http.StatusBadRequest, api.CodeMissingHostname
	case errors.Is(err, relay.ErrMissingPIDs):
		return http.StatusBadRequest, api.CodeMissingPIDs
	case relay.IsValidation(err):
		return http.StatusBadRequest, api.CodeBadRequest
	case errors.Is(err, relay.ErrTargetOffline):
		return http.StatusNotFound, api.CodeTargetOffline
	default:
		return http.StatusServiceUnavailable, api.CodeDispatchFailed
	}
}

func hostStatus(v store.HostView) api.HostStatus {
	snap := v.Snapshot
	if !v.HasSnapshot {
		snap = model.HostSnapshot{Hostname: v.Hostname}
		snap.Normalize()
	}
	return api.HostStatus{
		HostSnapshot: snap,
		IsOnline:     v.Online,
		Connected:    v.Connected,
		LastSeen:     v.LastSeenAt.UTC(),
	}
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, api.ErrorResponse{Error: message, Code: code})
}
