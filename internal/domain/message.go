package domain

import "time"

// AttachmentKind classifies an attachment by its platform type.
// The orchestrator only ever looks at presence and kind, never at content.
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
	AttachmentOther    AttachmentKind = "other"
)

// Attachment is a reference to a file the user sent. Meta carries opaque
// platform identifiers (file IDs, names) for logging and operator handoff.
type Attachment struct {
	Kind AttachmentKind
	Meta map[string]string
}

// InboundMessage is one normalized event from a channel adapter.
// It is immutable and consumed exactly once by the orchestrator.
type InboundMessage struct {
	Channel     string
	UserID      string
	Text        string
	Attachments []Attachment
	EventID     string
	Timestamp   time.Time
}

func (m InboundMessage) HasAttachments() bool { return len(m.Attachments) > 0 }

// UserKey identifies a conversation: at most one live backend thread per key.
func (m InboundMessage) UserKey() string { return m.Channel + ":" + m.UserID }

// OutboundMessage is the terminal reply for one inbound message.
type OutboundMessage struct {
	Channel string
	UserID  string
	Text    string
}
