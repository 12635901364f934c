// Package broker talks to the session broker, the HTTP service that turns a
// conversation context into a short-lived voice endpoint and records when
// sessions end.
//
// The wire types here are shared by [Client] and by the server in
// internal/broker/server.
package broker

// FunctionPath is the broker route, relative to the broker base URL.
const FunctionPath = "/functions/v1/elevenlabs-agent"

// Broker actions, passed as the "action" query parameter or body field.
const (
	ActionGetSignedURL    = "get-signed-url"
	ActionEndConversation = "end-conversation"
)

// Request is the JSON body of every broker call. Unused fields are omitted.
type Request struct {
	Action          string `json:"action,omitempty"`
	ContextType     string `json:"context_type,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	DurationSeconds *int   `json:"duration_seconds,omitempty"`
}

// SignedURLResponse answers [ActionGetSignedURL].
type SignedURLResponse struct {
	SignedURL           string `json:"signed_url"`
	SessionID           string `json:"session_id"`
	ContextType         string `json:"context_type"`
	ConversationContext string `json:"conversation_context"`
}

// EndResponse answers [ActionEndConversation].
type EndResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of every non-2xx broker answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
