package bridge

import (
	"encoding/json"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/domain"
)

// Frame types for the bridge protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// ProtocolVersion is the bridge protocol spoken by this client.
const ProtocolVersion = 1

// Request methods.
const (
	MethodConnect = "connect"
	MethodMembers = "group.members"
	MethodSend    = "message.send"
)

// Event names pushed by the bridge.
const (
	EventMessage    = "message"
	EventConnection = "connection"
)

// Error codes and close codes that end the session for good.
const (
	CodeUnauthorized = "unauthorized"
	CodeLoggedOut    = "logged_out"

	CloseCodeLoggedOut = 4401
	CloseCodeReplaced  = 4409
)

// Frame is the envelope for every WebSocket message. Type discriminates
// between request, response and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the error format in response frames.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *ErrorShape) Error() string {
	return e.Code + ": " + e.Message
}

// ConnectParams open the conversation with the bridge.
type ConnectParams struct {
	Protocol int    `json:"protocol"`
	Client   string `json:"client"`
	Version  string `json:"version"`
	Token    string `json:"token,omitempty"`
}

// Hello is the connect response.
type Hello struct {
	Protocol int    `json:"protocol"`
	Self     string `json:"self"`
	// State is the backend connection state at handshake time.
	State domain.ConnectionState `json:"state"`
}

// MembersParams ask for a group's participants.
type MembersParams struct {
	ConversationID string `json:"conversationId"`
}

// WireParticipant is a participant as the bridge reports it. Role is the
// backend's own wording ("admin", "superadmin", or empty).
type WireParticipant struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// MembersResult is the group.members response.
type MembersResult struct {
	Participants []WireParticipant `json:"participants"`
}

// SendParams deliver one message.
type SendParams struct {
	To       string   `json:"to"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

// ConnectionPayload reports a backend connection change.
type ConnectionPayload struct {
	State  domain.ConnectionState `json:"state"`
	Reason domain.CloseReason     `json:"reason,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// membership converts a members response into domain participants.
func (r MembersResult) membership() domain.Membership {
	m := make(domain.Membership, 0, len(r.Participants))
	for _, p := range r.Participants {
		m = append(m, domain.Participant{ID: p.ID, Role: domain.ParseRole(p.Role)})
	}
	return m
}
