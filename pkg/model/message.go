package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type (
	MessageID  string
	ThreadID   string
	ResourceID string
)

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// NewThreadID generates a new unique ThreadID
func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Validate checks if the role is valid
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return nil
	default:
		return goerr.Wrap(ErrInvalidArgument, "invalid role", goerr.V("role", r))
	}
}

// Thread groups messages of one conversation owned by a resource (user)
type Thread struct {
	ID         ThreadID
	ResourceID ResourceID
	Title      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	// MessageCount is the sequence number of the latest message
	MessageCount int64
}

// Message is a conversation message. The content store is its source of truth.
type Message struct {
	ID         MessageID
	ThreadID   ThreadID
	ResourceID ResourceID
	Role       Role
	Content    string
	CreatedAt  time.Time
	// Seq is the 1-based position of the message in its thread
	Seq int64
}

// Position returns where the message lives in its thread
func (m *Message) Position() MessagePosition {
	return MessagePosition{ThreadID: m.ThreadID, Seq: m.Seq}
}

// MessagePosition addresses a message by thread and sequence number
type MessagePosition struct {
	ThreadID ThreadID
	Seq      int64
}

// Payload keys of a message pointer record
const (
	PayloadMessageID  = "message_id"
	PayloadThreadID   = "thread_id"
	PayloadResourceID = "resource_id"
	PayloadSeq        = "seq"
)

// MessagePointer is what the messages vector index holds for a message: a
// reference into the content store, never the content itself.
type MessagePointer struct {
	MessageID  MessageID
	ThreadID   ThreadID
	ResourceID ResourceID
	Seq        int64
}

// NewMessagePointer builds the pointer of a stored message
func NewMessagePointer(msg *Message) *MessagePointer {
	return &MessagePointer{
		MessageID:  msg.ID,
		ThreadID:   msg.ThreadID,
		ResourceID: msg.ResourceID,
		Seq:        msg.Seq,
	}
}

// Payload converts the pointer into a vector record payload
func (p *MessagePointer) Payload() Payload {
	return Payload{
		PayloadMessageID:  string(p.MessageID),
		PayloadThreadID:   string(p.ThreadID),
		PayloadResourceID: string(p.ResourceID),
		PayloadSeq:        p.Seq,
	}
}

// MessagePointerFromPayload parses a pointer payload
func MessagePointerFromPayload(p Payload) (*MessagePointer, error) {
	ptr := &MessagePointer{
		MessageID:  MessageID(p.String(PayloadMessageID)),
		ThreadID:   ThreadID(p.String(PayloadThreadID)),
		ResourceID: ResourceID(p.String(PayloadResourceID)),
	}
	if ptr.MessageID == "" || ptr.ThreadID == "" {
		return nil, goerr.Wrap(ErrContentResolutionGap, "pointer lacks message or thread id")
	}
	seq, ok := p.Int(PayloadSeq)
	if !ok || seq < 1 {
		return nil, goerr.Wrap(ErrContentResolutionGap, "pointer lacks sequence number",
			goerr.V("message_id", ptr.MessageID))
	}
	ptr.Seq = seq
	return ptr, nil
}

// Position returns the content store address of the pointed message
func (p *MessagePointer) Position() MessagePosition {
	return MessagePosition{ThreadID: p.ThreadID, Seq: p.Seq}
}
