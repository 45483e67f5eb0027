package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Austin-rgb/messages/internal/cache"
	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/logger"
	"github.com/Austin-rgb/messages/internal/metrics"
)

// receiptPublishTimeout bounds the best-effort receipt publishes that run
// off the request path.
const receiptPublishTimeout = 2 * time.Second

// Service is the write path: it gates conversation posts through the
// participant cache, stamps envelopes, hands them to the durable queue and
// fans out to live sessions. Nothing here touches the messages table
// directly; persistence belongs to the workers.
type Service struct {
	store  domain.MessageStore
	queue  domain.Queue
	fanout domain.Fanout

	participants *cache.TTL[[]domain.ParticipantEdge]
	mailboxes    *cache.TTL[string]

	messagesTopic string
	receiptsTopic string
	lg            zerolog.Logger
}

func New(store domain.MessageStore, queue domain.Queue, fanout domain.Fanout, cacheTTL time.Duration, messagesTopic, receiptsTopic string) *Service {
	return &Service{
		store:         store,
		queue:         queue,
		fanout:        fanout,
		participants:  cache.NewTTL[[]domain.ParticipantEdge](cacheTTL),
		mailboxes:     cache.NewTTL[string](cacheTTL),
		messagesTopic: messagesTopic,
		receiptsTopic: receiptsTopic,
		lg:            logger.With("service"),
	}
}

func timeNow() int64 {
	return time.Now().UnixMilli()
}

// CreateConversation creates the conversation with the caller as admin and
// first participant. A collision on a generated name retries once with a
// fresh uuid; a collision on a client-chosen name is the client's conflict.
func (s *Service) CreateConversation(ctx context.Context, principal string, participants []string, name, title *string) (domain.Conversation, error) {
	if len(participants) == 0 {
		return domain.Conversation{}, fmt.Errorf("%w: conversation must have at least one participant", domain.ErrValidation)
	}

	chosen := name != nil && *name != ""
	convName := uuid.NewString()
	if chosen {
		convName = *name
	}

	others := make([]string, 0, len(participants))
	seen := map[string]struct{}{principal: {}}
	for _, p := range participants {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		others = append(others, p)
	}

	conv := domain.Conversation{
		Name:    convName,
		Title:   title,
		Admin:   principal,
		Created: timeNow(),
	}

	created, err := s.store.CreateConversation(ctx, conv, others)
	if errors.Is(err, domain.ErrNameTaken) && !chosen {
		conv.Name = uuid.NewString()
		created, err = s.store.CreateConversation(ctx, conv, others)
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return created, nil
}

func (s *Service) ListConversations(ctx context.Context, principal string) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx, principal)
}

func (s *Service) GetConversation(ctx context.Context, principal, name string) (domain.Conversation, error) {
	if !s.store.IsParticipant(ctx, name, principal) {
		return domain.Conversation{}, domain.ErrNotParticipant
	}
	return s.store.GetConversation(ctx, name)
}

// PostToConversation validates participation against the cached edge set,
// stamps the envelope, enqueues it and fans out to every other participant
// that is currently connected. The response does not wait for fanout.
func (s *Service) PostToConversation(ctx context.Context, principal, conv, text string, replyTo *int64) (domain.Envelope, error) {
	edges, err := s.participants.Get(ctx, conv, func(ctx context.Context) ([]domain.ParticipantEdge, error) {
		return s.store.Participants(ctx, conv, domain.RetrieveLimit, 0)
	})
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("participant lookup: %w", err)
	}

	member := false
	for _, e := range edges {
		if e.Participant == principal {
			member = true
			break
		}
	}
	if !member {
		return domain.Envelope{}, domain.ErrNotParticipant
	}

	env := s.stamp(principal, conv, text, replyTo)
	if err := s.publishEnvelope(ctx, env); err != nil {
		return domain.Envelope{}, err
	}

	recipients := make([]string, 0, len(edges))
	for _, e := range edges {
		if e.Participant != principal {
			recipients = append(recipients, e.Participant)
		}
	}
	s.deliverAsync(env, recipients)

	return env, nil
}

// PostToPeer posts to the peer's default mailbox, lazily creating it on the
// first direct message. Any authenticated principal may post here.
func (s *Service) PostToPeer(ctx context.Context, principal, peer, text string, replyTo *int64) (domain.Envelope, error) {
	mboxID, err := s.resolveMailbox(ctx, peer)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("mailbox resolve: %w", err)
	}

	env := s.stamp(principal, mboxID, text, replyTo)
	if err := s.publishEnvelope(ctx, env); err != nil {
		return domain.Envelope{}, err
	}

	s.deliverAsync(env, []string{peer})
	return env, nil
}

// FetchMessages returns conversation history and records a delivery receipt
// for every returned message, off the request path.
func (s *Service) FetchMessages(ctx context.Context, principal, conv string, f domain.MessageFilters) ([]domain.Envelope, error) {
	if !s.store.IsParticipant(ctx, conv, principal) {
		return nil, domain.ErrNotParticipant
	}

	msgs, err := s.store.RetrieveMessages(ctx, conv, f)
	if err != nil {
		return nil, err
	}

	s.publishDeliveryReceipts(msgs, principal)
	return msgs, nil
}

// FetchInbox reads the caller's own default mailbox. A resolve failure is
// an empty inbox, not an error.
func (s *Service) FetchInbox(ctx context.Context, principal string, f domain.MessageFilters) ([]domain.Envelope, error) {
	mboxID, err := s.resolveMailbox(ctx, principal)
	if err != nil {
		s.lg.Warn().Err(err).Msg("inbox mailbox resolve failed")
		return []domain.Envelope{}, nil
	}

	msgs, err := s.store.RetrieveMessages(ctx, mboxID, f)
	if err != nil {
		return nil, err
	}

	s.publishDeliveryReceipts(msgs, principal)
	return msgs, nil
}

// React records a reaction for the caller. Last writer wins.
func (s *Service) React(ctx context.Context, principal, message string, reaction int16) error {
	return s.publishReceipt(ctx, domain.Receipt{Message: message, User: principal, Reaction: &reaction})
}

// MarkAsRead records a read timestamp for the caller.
func (s *Service) MarkAsRead(ctx context.Context, principal, message string) error {
	return s.publishReceipt(ctx, domain.Receipt{Message: message, User: principal, Read: true})
}

// FetchReceipts returns the receipt rows for a message the caller sent.
func (s *Service) FetchReceipts(ctx context.Context, principal, message string) ([]domain.ReceiptRecord, error) {
	if !s.store.IsSender(ctx, message, principal) {
		return nil, domain.ErrNotSender
	}
	return s.store.RetrieveReceipts(ctx, message)
}

func (s *Service) stamp(principal, mbox, text string, replyTo *int64) domain.Envelope {
	return domain.Envelope{
		ID:      uuid.NewString(),
		Source:  principal,
		Mbox:    mbox,
		Text:    text,
		ReplyTo: replyTo,
		Created: timeNow(),
	}
}

func (s *Service) publishEnvelope(ctx context.Context, env domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.queue.Publish(ctx, s.messagesTopic, payload); err != nil {
		metrics.RecordPublish(s.messagesTopic, false)
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	metrics.RecordPublish(s.messagesTopic, true)
	return nil
}

func (s *Service) publishReceipt(ctx context.Context, rec domain.Receipt) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.queue.Publish(ctx, s.receiptsTopic, payload); err != nil {
		metrics.RecordPublish(s.receiptsTopic, false)
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	metrics.RecordPublish(s.receiptsTopic, true)
	return nil
}

// publishDeliveryReceipts runs off the request path; failures are logged
// and reconciled by the next fetch.
func (s *Service) publishDeliveryReceipts(msgs []domain.Envelope, user string) {
	if len(msgs) == 0 {
		return
	}
	receipts := make([]domain.Receipt, 0, len(msgs))
	for _, m := range msgs {
		receipts = append(receipts, domain.Receipt{Message: m.ID, User: user, Delivered: true})
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), receiptPublishTimeout)
		defer cancel()
		for _, rec := range receipts {
			if err := s.publishReceipt(ctx, rec); err != nil {
				s.lg.Warn().Err(err).Str("message", rec.Message).Msg("delivery receipt publish failed")
				return
			}
		}
	}()
}

func (s *Service) deliverAsync(env domain.Envelope, recipients []string) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	go func() {
		for _, to := range recipients {
			s.fanout.Deliver(domain.DeliverMessage{To: to, ID: env.ID, Payload: payload})
		}
	}()
}

// resolveMailbox returns the owner's default mailbox id, creating the
// mailbox on first use. Concurrent creates are resolved by the store; the
// cache may briefly hold a loser's id, which still belongs to the owner.
func (s *Service) resolveMailbox(ctx context.Context, owner string) (string, error) {
	return s.mailboxes.Get(ctx, owner, func(ctx context.Context) (string, error) {
		box, err := s.store.MailboxByOwner(ctx, owner)
		if err == nil {
			return box.ID, nil
		}
		if !errors.Is(err, domain.ErrMailboxNotFound) {
			return "", err
		}

		box = domain.Mailbox{ID: uuid.NewString(), Owner: owner, Kind: domain.MailboxKindDefault}
		if err := s.store.InsertMailbox(ctx, box); err != nil {
			return "", err
		}
		// re-read so a concurrent creator and this one agree on the id
		if existing, err := s.store.MailboxByOwner(ctx, owner); err == nil {
			return existing.ID, nil
		}
		return box.ID, nil
	})
}
