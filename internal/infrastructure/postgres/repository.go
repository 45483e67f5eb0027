package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/logger"
)

// insertChunk caps the rows per multi-row statement so batches stay well
// under the bind-variable ceiling.
const insertChunk = 200

const uniqueViolation = "23505"

type Repository struct {
	pool *pgxpool.Pool
	lg   zerolog.Logger
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, lg: logger.With("postgres")}
}

func timeNow() int64 {
	return time.Now().UnixMilli()
}

// -------------------------
// Conversations
// -------------------------

// CreateConversation inserts the conversation row, the creator edge and the
// remaining participant edges in one transaction. A name collision surfaces
// as domain.ErrNameTaken so the caller can decide whether to retry.
func (r *Repository) CreateConversation(ctx context.Context, conv domain.Conversation, participants []string) (domain.Conversation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (name, title, admin, created)
		VALUES ($1, $2, $3, $4)
	`, conv.Name, conv.Title, conv.Admin, conv.Created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Conversation{}, domain.ErrNameTaken
		}
		return domain.Conversation{}, err
	}

	edges := append([]string{conv.Admin}, participants...)
	if err := insertParticipants(ctx, tx, conv.Name, edges); err != nil {
		return domain.Conversation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func insertParticipants(ctx context.Context, tx pgx.Tx, conversation string, users []string) error {
	created := timeNow()
	for _, chunk := range chunkStrings(users, insertChunk) {
		sql, args := participantsInsertSQL(conversation, chunk, created)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, name string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := r.pool.QueryRow(ctx, `
		SELECT name, title, admin, created
		FROM conversations
		WHERE name = $1
	`, name).Scan(&conv.Name, &conv.Title, &conv.Admin, &conv.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context, participant string) ([]domain.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.name, c.title, c.admin, c.created
		FROM conversations c
		JOIN participants p ON p.conversation = c.name
		WHERE p.participant = $1
		ORDER BY c.created DESC
	`, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.Name, &conv.Title, &conv.Admin, &conv.Created); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *Repository) Participants(ctx context.Context, conversation string, limit, offset int) ([]domain.ParticipantEdge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation, participant, created
		FROM participants
		WHERE conversation = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, conversation, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ParticipantEdge{}
	for rows.Next() {
		var e domain.ParticipantEdge
		if err := rows.Scan(&e.ID, &e.Conversation, &e.Participant, &e.Created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// -------------------------
// Messages
// -------------------------

// InsertMessages persists a batch of envelopes in a single transaction,
// chunked per statement. Duplicate ids are ignored: redelivery under
// at-least-once makes them expected.
func (r *Repository) InsertMessages(ctx context.Context, envelopes []domain.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for start := 0; start < len(envelopes); start += insertChunk {
		end := min(start+insertChunk, len(envelopes))
		sql, args := messagesInsertSQL(envelopes[start:end])
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) RetrieveMessages(ctx context.Context, mbox string, f domain.MessageFilters) ([]domain.Envelope, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, source, mbox, text, reply_to, created FROM messages WHERE mbox = $1`)
	args := []any{mbox}

	if f.Created != nil {
		args = append(args, *f.Created)
		fmt.Fprintf(&sb, " AND created = $%d", len(args))
	}
	// reply_to wins over source when both are present
	if f.ReplyTo != nil {
		args = append(args, *f.ReplyTo)
		fmt.Fprintf(&sb, " AND reply_to = $%d", len(args))
	} else if f.Source != nil {
		args = append(args, *f.Source)
		fmt.Fprintf(&sb, " AND source = $%d", len(args))
	}

	args = append(args, f.EffectiveLimit())
	fmt.Fprintf(&sb, " ORDER BY created ASC LIMIT $%d", len(args))
	args = append(args, f.EffectiveOffset())
	fmt.Fprintf(&sb, " OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Envelope{}
	for rows.Next() {
		var env domain.Envelope
		if err := rows.Scan(&env.ID, &env.Source, &env.Mbox, &env.Text, &env.ReplyTo, &env.Created); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// -------------------------
// Receipts
// -------------------------

// UpsertReceipts merges a batch of receipt events in one transaction.
// Timestamps are monotone: an existing delivered_at/read_at is never
// overwritten. Reaction is last non-null writer wins.
func (r *Repository) UpsertReceipts(ctx context.Context, receipts []domain.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	receipts = mergeReceipts(receipts)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := timeNow()
	for start := 0; start < len(receipts); start += insertChunk {
		end := min(start+insertChunk, len(receipts))
		sql, args := receiptsUpsertSQL(receipts[start:end], now)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) RetrieveReceipts(ctx context.Context, message string) ([]domain.ReceiptRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message, "user", delivered_at, read_at, reaction
		FROM message_receipts
		WHERE message = $1
	`, message)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ReceiptRecord{}
	for rows.Next() {
		var rec domain.ReceiptRecord
		if err := rows.Scan(&rec.Message, &rec.User, &rec.DeliveredAt, &rec.ReadAt, &rec.Reaction); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// -------------------------
// Authorization probes
// -------------------------

// IsParticipant fails closed: a store error is logged and reported as false.
func (r *Repository) IsParticipant(ctx context.Context, conversation, user string) bool {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM participants WHERE conversation = $1 AND participant = $2
		)
	`, conversation, user).Scan(&exists)
	if err != nil {
		r.lg.Error().Err(err).Str("conversation", conversation).Msg("participant check failed")
		return false
	}
	return exists
}

// IsSender fails closed, same policy as IsParticipant.
func (r *Repository) IsSender(ctx context.Context, message, user string) bool {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM messages WHERE id = $1 AND source = $2
		)
	`, message, user).Scan(&exists)
	if err != nil {
		r.lg.Error().Err(err).Str("message", message).Msg("sender check failed")
		return false
	}
	return exists
}

// -------------------------
// Mailboxes
// -------------------------

func (r *Repository) InsertMailbox(ctx context.Context, box domain.Mailbox) error {
	// Concurrent lazy creation is expected; the first insert wins.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO boxes (id, owner, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, box.ID, box.Owner, box.Kind)
	return err
}

func (r *Repository) MailboxByOwner(ctx context.Context, owner string) (domain.Mailbox, error) {
	var box domain.Mailbox
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner, kind
		FROM boxes
		WHERE owner = $1 AND kind = $2
		ORDER BY id
		LIMIT 1
	`, owner, domain.MailboxKindDefault).Scan(&box.ID, &box.Owner, &box.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Mailbox{}, domain.ErrMailboxNotFound
	}
	if err != nil {
		return domain.Mailbox{}, err
	}
	return box, nil
}

// -------------------------
// SQL builders
// -------------------------

func messagesInsertSQL(envelopes []domain.Envelope) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO messages (id, source, mbox, text, reply_to, created) VALUES ")

	args := make([]any, 0, len(envelopes)*6)
	for i, env := range envelopes {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, env.ID, env.Source, env.Mbox, env.Text, env.ReplyTo, env.Created)
	}

	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), args
}

// mergeReceipts collapses duplicate (message, user) events in batch order.
// A multi-row ON CONFLICT DO UPDATE may not touch the same conflict key
// twice in one statement, and duplicates are routine: live fanout records a
// delivered receipt from the registry and another from the session writer.
// Flags accumulate; reaction is the last non-null in the batch.
func mergeReceipts(receipts []domain.Receipt) []domain.Receipt {
	type pair struct{ message, user string }
	idx := make(map[pair]int, len(receipts))
	out := make([]domain.Receipt, 0, len(receipts))
	for _, rec := range receipts {
		k := pair{rec.Message, rec.User}
		i, seen := idx[k]
		if !seen {
			idx[k] = len(out)
			out = append(out, rec)
			continue
		}
		out[i].Delivered = out[i].Delivered || rec.Delivered
		out[i].Read = out[i].Read || rec.Read
		if rec.Reaction != nil {
			out[i].Reaction = rec.Reaction
		}
	}
	return out
}

func receiptsUpsertSQL(receipts []domain.Receipt, now int64) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO message_receipts (message, "user", delivered_at, read_at, reaction) VALUES `)

	args := make([]any, 0, len(receipts)*5)
	for i, rec := range receipts {
		if i > 0 {
			sb.WriteString(", ")
		}
		var deliveredAt, readAt *int64
		if rec.Delivered {
			deliveredAt = &now
		}
		if rec.Read {
			readAt = &now
		}
		n := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, rec.Message, rec.User, deliveredAt, readAt, rec.Reaction)
	}

	sb.WriteString(` ON CONFLICT (message, "user") DO UPDATE SET
		delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at),
		read_at = COALESCE(message_receipts.read_at, EXCLUDED.read_at),
		reaction = COALESCE(EXCLUDED.reaction, message_receipts.reaction)`)
	return sb.String(), args
}

func participantsInsertSQL(conversation string, users []string, created int64) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO participants (conversation, participant, created) VALUES ")

	args := make([]any, 0, len(users)*3)
	for i, user := range users {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, conversation, user, created)
	}

	sb.WriteString(" ON CONFLICT (conversation, participant) DO NOTHING")
	return sb.String(), args
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(in); start += size {
		out = append(out, in[start:min(start+size, len(in))])
	}
	return out
}
