package domain

import "time"

// ContentKind is the shape of an inbound message payload.
type ContentKind string

const (
	ContentText            ContentKind = "text"
	ContentExtendedText    ContentKind = "extended_text"
	ContentImageCaption    ContentKind = "image_caption"
	ContentVideoCaption    ContentKind = "video_caption"
	ContentDocumentCaption ContentKind = "document_caption"
	ContentOther           ContentKind = "other"
)

// IsCaption reports whether the content is a caption attached to media.
func (k ContentKind) IsCaption() bool {
	switch k {
	case ContentImageCaption, ContentVideoCaption, ContentDocumentCaption:
		return true
	}
	return false
}

// Content is the payload of an inbound message.
type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
}

// InboundEvent is one received message notification. It is not modified
// after the transport hands it over.
type InboundEvent struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Kind           ConversationKind `json:"kind"`
	SenderID       string           `json:"senderId,omitempty"`
	Content        *Content         `json:"content,omitempty"`
	FromSelf       bool             `json:"fromSelf,omitempty"`
	ReceivedAt     time.Time        `json:"receivedAt"`
}

// Actor returns the identifier of whoever sent the event: the participant
// within the group if known, else the conversation itself.
func (e InboundEvent) Actor() string {
	if e.SenderID != "" {
		return e.SenderID
	}
	return e.ConversationID
}

// OutboundMessage is a message to deliver into a conversation.
// Mentions are notification tags and are independent of Body.
type OutboundMessage struct {
	To       string   `json:"to"`
	Body     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}
