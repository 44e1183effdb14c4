// Package websocket drives the broker's client-facing sockets: the HTTP
// upgrade endpoint, the per-connection read/write pumps, and the JSON events
// pushed to every live socket. It uses gorilla/websocket under the hood.
//
// Inbound frames carry protocol requests and are handed to the dispatcher;
// outbound traffic is either a direct reply to the frame's socket or a
// broadcast event fanned out through the registry.
package websocket

import "encoding/json"

// Event type discriminators. Clients dispatch on the "type" field.
const (
	EventAgentStatus      = "agent_status"
	EventNewPendingAgent  = "new_pending_agent"
	EventAnnounceRejected = "announce_rejected"
)

// Agent status values carried by agent_status events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ReasonNotAllowlisted is the rejection reason for agents missing from a
// configured allowlist.
const ReasonNotAllowlisted = "not_allowlisted"

// AgentStatusEvent announces an agent's socket coming up or going down.
type AgentStatusEvent struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// NewPendingAgentEvent announces a socket that registered without a matching
// agent row. The proposed agent id equals the connection id at this stage.
type NewPendingAgentEvent struct {
	Type         string `json:"type"`
	AgentID      string `json:"agent_id"`
	ConnectionID string `json:"connection_id"`
}

// AnnounceRejectedEvent is sent to a socket that failed the allowlist check,
// immediately before the broker closes it.
type AnnounceRejectedEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// AgentStatusFrame marshals an agent_status event.
func AgentStatusFrame(agentID, status string) []byte {
	return mustMarshal(AgentStatusEvent{
		Type:    EventAgentStatus,
		AgentID: agentID,
		Status:  status,
	})
}

// NewPendingAgentFrame marshals a new_pending_agent event.
func NewPendingAgentFrame(agentID, connectionID string) []byte {
	return mustMarshal(NewPendingAgentEvent{
		Type:         EventNewPendingAgent,
		AgentID:      agentID,
		ConnectionID: connectionID,
	})
}

// AnnounceRejectedFrame marshals an announce_rejected event.
func AnnounceRejectedFrame(reason string) []byte {
	return mustMarshal(AnnounceRejectedEvent{
		Type:   EventAnnounceRejected,
		Reason: reason,
	})
}

// mustMarshal is safe here: event structs contain only strings and cannot
// fail to encode.
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
