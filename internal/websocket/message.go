package websocket

import "encoding/json"

// Actions sent over the live feed.
const (
	ActionSecretUpdated = "secret.updated"
	ActionPong          = "pong"
	ActionError         = "error"
)

// Message defines the structure for websocket messages.
type Message struct {
	Action  string      `json:"action"`
	Payload interface{} `json:"payload,omitempty"`
}

// SecretPayload carries a newly submitted secret.
type SecretPayload struct {
	Secret string `json:"secret"`
}

// NewSecretUpdatedMessage encodes a secret.updated message.
func NewSecretUpdatedMessage(secret string) ([]byte, error) {
	return json.Marshal(Message{Action: ActionSecretUpdated, Payload: SecretPayload{Secret: secret}})
}

// NewErrorMessage encodes an error message for a single client.
func NewErrorMessage(text string) []byte {
	b, _ := json.Marshal(Message{Action: ActionError, Payload: map[string]string{"error": text}})
	return b
}

// NewPongMessage encodes a reply to a client ping.
func NewPongMessage() []byte {
	b, _ := json.Marshal(Message{Action: ActionPong})
	return b
}
