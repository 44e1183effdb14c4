package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/reader"
)

// Method names recognized on the socket.
const (
	MethodWriteDB         = "WriteDB"
	MethodReadDB          = "ReadDB"
	MethodVectoriseChunks = "VectoriseChunks"
)

// SupportedMethods is advertised to clients that send an unknown method.
var SupportedMethods = []string{MethodWriteDB, MethodReadDB, MethodVectoriseChunks}

// Instruction prompts returned to agents verbatim. Connected agents act on
// these strings, so they are part of the wire contract — do not rephrase.
const (
	writeSuccessPrompt = "Context saved successfully. Continue with your current task and save your context later when you complete significant steps such as debugging or adding a feature."

	writeErrorPrompt = "Store your current context into a .md file in the folder the agent is working in. Stop the current task and advise the user there has been an error in saving the context to the DB."

	readErrorPrompt = "Stop the current task and advise the user there has been an error in reading the DB."
)

// Frame is the inbound envelope: one JSON object per socket message.
type Frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// WriteDBParams carries a context submission. The agent_id must equal the
// connection's bound agent.
type WriteDBParams struct {
	AgentID string `json:"agent_id"`
	Context string `json:"context"`
}

// ReadDBParams carries a scoped read request. Since, when present, is an
// RFC 3339 timestamp; PermissionLevel, when present, narrows the agent's
// configured level.
type ReadDBParams struct {
	AgentID         string `json:"agent_id"`
	Since           string `json:"since,omitempty"`
	PermissionLevel string `json:"permission_level,omitempty"`
}

// VectoriseChunksParams names the chunks to (re)embed.
type VectoriseChunksParams struct {
	ChunkIDs []int64 `json:"chunk_ids"`
}

type writeSuccessResponse struct {
	Status string `json:"status"`
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
}

type writeErrorResponse struct {
	Status  string `json:"status"`
	Details string `json:"details"`
	Prompt  string `json:"prompt"`
}

type readSuccessResponse struct {
	Contexts []reader.Item `json:"contexts"`
}

type readErrorResponse struct {
	Status string `json:"status"`
	Prompt string `json:"prompt"`
}

type vectoriseSuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type vectoriseErrorResponse struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

type unknownMethodResponse struct {
	Error            string   `json:"error"`
	SupportedMethods []string `json:"supported_methods"`
}

func writeSuccessFrame(agentID string) []byte {
	return marshalResponse(writeSuccessResponse{
		Status: "success",
		Agent:  agentID,
		Prompt: writeSuccessPrompt,
	})
}

func writeErrorFrame(details string) []byte {
	return marshalResponse(writeErrorResponse{
		Status:  "error",
		Details: details,
		Prompt:  writeErrorPrompt,
	})
}

func readSuccessFrame(items []reader.Item) []byte {
	if items == nil {
		items = []reader.Item{}
	}
	return marshalResponse(readSuccessResponse{Contexts: items})
}

func readErrorFrame() []byte {
	return marshalResponse(readErrorResponse{
		Status: "error",
		Prompt: readErrorPrompt,
	})
}

func vectoriseSuccessFrame(queued int) []byte {
	return marshalResponse(vectoriseSuccessResponse{
		Status:  "success",
		Message: fmt.Sprintf("queued %d chunks for vectorisation", queued),
	})
}

func vectoriseErrorFrame(details string) []byte {
	return marshalResponse(vectoriseErrorResponse{
		Status:  "error",
		Details: details,
	})
}

func unknownMethodFrame(method string) []byte {
	return marshalResponse(unknownMethodResponse{
		Error:            fmt.Sprintf("Unknown method: %s", method),
		SupportedMethods: SupportedMethods,
	})
}

func invalidFrameFrame() []byte {
	return marshalResponse(unknownMethodResponse{
		Error:            "Invalid JSON frame",
		SupportedMethods: SupportedMethods,
	})
}

// marshalResponse is safe for the response types above: they contain only
// strings, slices and ints.
func marshalResponse(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
