package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrValidation           = errors.New("invalid request")
	ErrNotParticipant       = errors.New("not a conversation participant")
	ErrNotSender            = errors.New("not the message sender")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrNameTaken            = errors.New("conversation name already taken")
	ErrQueueUnavailable     = errors.New("queue unavailable")

	ErrCacheMiss = errors.New("cache miss")
)

// Envelope is the immutable record of a posted message. ID and Created are
// stamped by the write path before enqueue; the same JSON shape travels
// through the queue and back out of the fetch endpoints.
type Envelope struct {
	Source  string `json:"source"`
	Mbox    string `json:"mbox"`
	Text    string `json:"text"`
	ReplyTo *int64 `json:"reply_to"`
	Created int64  `json:"created"`
	ID      string `json:"id"`
}

// Receipt is the queue event for delivery/read/reaction changes. Delivered
// and Read are flags; the store derives timestamps at upsert time.
type Receipt struct {
	Message   string `json:"message"`
	User      string `json:"user"`
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
	Reaction  *int16 `json:"reaction"`
}

// ReceiptRecord is the persisted per-(message, user) receipt state.
type ReceiptRecord struct {
	Message     string `json:"message"`
	User        string `json:"user"`
	DeliveredAt *int64 `json:"delivered_at"`
	ReadAt      *int64 `json:"read_at"`
	Reaction    *int16 `json:"reaction"`
}

type Conversation struct {
	Name    string  `json:"name"`
	Title   *string `json:"title"`
	Admin   string  `json:"admin"`
	Created int64   `json:"created"`
}

type ParticipantEdge struct {
	ID           int64
	Conversation string
	Participant  string
	Created      int64
}

type Mailbox struct {
	ID    string
	Owner string
	Kind  int16
}

// MailboxKindDefault marks the lazily created per-peer inbox.
const MailboxKindDefault int16 = 0

// RetrieveLimit caps a single message retrieval and doubles as the default
// when the caller does not set one.
const RetrieveLimit = 1000

// MessageFilters narrows message retrieval. ReplyTo takes precedence over
// Source when both are set; Created always applies.
type MessageFilters struct {
	Source  *string
	ReplyTo *int64
	Created *int64
	Limit   int
	Offset  int
}

func (f MessageFilters) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > RetrieveLimit {
		return RetrieveLimit
	}
	return f.Limit
}

func (f MessageFilters) EffectiveOffset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// DeliverMessage asks the session registry to route an envelope payload to a
// connected principal.
type DeliverMessage struct {
	To      string
	ID      string
	Payload []byte
}

// ServerMessage is one outbound frame on a session sink; ID is the envelope
// id the session acknowledges with a delivery receipt after writing.
type ServerMessage struct {
	Payload []byte
	ID      string
}

type ReadMode int

const (
	// ReadPending redelivers this consumer's unacknowledged entries.
	ReadPending ReadMode = iota
	// ReadNew delivers entries never seen by the group.
	ReadNew
)

type QueueEntry struct {
	ID      string
	Payload []byte
}

// Queue is the durable at-least-once stream the pipeline runs on.
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
	EnsureGroup(ctx context.Context, topic, group string) error
	Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration, mode ReadMode) ([]QueueEntry, error)
	Ack(ctx context.Context, topic, group string, ids ...string) error
}

// MessageStore is the persistence surface the write path and the batch
// handlers share.
type MessageStore interface {
	CreateConversation(ctx context.Context, conv Conversation, participants []string) (Conversation, error)
	GetConversation(ctx context.Context, name string) (Conversation, error)
	ListConversations(ctx context.Context, participant string) ([]Conversation, error)
	Participants(ctx context.Context, conversation string, limit, offset int) ([]ParticipantEdge, error)

	InsertMessages(ctx context.Context, envelopes []Envelope) error
	RetrieveMessages(ctx context.Context, mbox string, f MessageFilters) ([]Envelope, error)

	UpsertReceipts(ctx context.Context, receipts []Receipt) error
	RetrieveReceipts(ctx context.Context, message string) ([]ReceiptRecord, error)

	IsParticipant(ctx context.Context, conversation, user string) bool
	IsSender(ctx context.Context, message, user string) bool

	InsertMailbox(ctx context.Context, box Mailbox) error
	MailboxByOwner(ctx context.Context, owner string) (Mailbox, error)
}

// Fanout routes freshly posted envelopes to live sessions; delivery to
// offline principals is dropped and reconciled on their next fetch.
type Fanout interface {
	Deliver(msg DeliverMessage)
}
