package api

import (
	"encoding/json"
	"fmt"
	"time"

	"gpufleet/internal/model"
)

// Duplex message types. Every frame is a JSON object tagged by "type".
const (
	TypeRegister          = "register"
	TypeRegisterResponse  = "register_response"
	TypeSnapshot          = "gpu_stats"
	TypeAck               = "ack"
	TypeKillProcesses     = "kill_processes"
	TypeKillProcessResult = "kill_process_result"
	TypeError             = "error"
)

// AgentSocketPath is the websocket endpoint agents connect to.
const AgentSocketPath = "/ws/agent"

// DefaultPort is the aggregator port assumed when an address omits one.
const DefaultPort = 7864

// RegisterMessage announces an agent's hostname on a fresh connection.
type RegisterMessage struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
}

// RegisterResponse answers a RegisterMessage.
type RegisterResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SnapshotMessage carries a full HostSnapshot.
type SnapshotMessage struct {
	Type string `json:"type"`
	model.HostSnapshot
}

// AckMessage acknowledges an accepted snapshot.
type AckMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// KillProcessesMessage asks an agent to terminate pids.
type KillProcessesMessage struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id,omitempty"`
	PIDs      []int  `json:"pids"`
}

// KillProcessResultMessage reports the outcome of a KillProcessesMessage.
type KillProcessResultMessage struct {
	Type string `json:"type"`
	model.KillProcessResult
}

// ErrorMessage reports a rejected inbound frame.
type ErrorMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MessageType extracts the "type" tag of a raw frame.
func MessageType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("decode frame: missing type")
	}
	return head.Type, nil
}

// HostStatus is one host as returned by the query surface.
type HostStatus struct {
	model.HostSnapshot
	IsOnline  bool      `json:"is_online"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// HostsResponse maps hostname to its latest known state.
type HostsResponse struct {
	Machines map[string]HostStatus `json:"machines"`
}

// KillRequest is an operator command addressed to a hostname.
type KillRequest struct {
	Hostname string `json:"hostname"`
	PIDs     []int  `json:"pids"`
}

// KillResponse acknowledges dispatch of a KillRequest, not its completion.
type KillResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
	Hostname  string `json:"hostname"`
	PIDs      []int  `json:"pids"`
}

// StatusResponse is a bare status body.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes returned by the dispatch endpoint.
const (
	CodeMissingHostname = "missing_hostname"
	CodeMissingPIDs     = "missing_pids"
	CodeTargetOffline   = "target_offline"
	CodeDispatchFailed  = "dispatch_failed"
	CodeBadRequest      = "bad_request"
	CodeNotFound        = "not_found"
)
