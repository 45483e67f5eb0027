package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/security"
	"github.com/Austin-rgb/messages/internal/service"
	"github.com/Austin-rgb/messages/internal/transport/rest"
)

const testSecret = "router-test-secret"

// stubStore is a canned-response store: just enough state for the router to
// exercise every error mapping.
type stubStore struct {
	conversations map[string]domain.Conversation
	members       map[string]map[string]bool
	senders       map[string]string
	mailboxes     map[string]domain.Mailbox
	messages      []domain.Envelope
	receipts      []domain.ReceiptRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		conversations: map[string]domain.Conversation{},
		members:       map[string]map[string]bool{},
		senders:       map[string]string{},
		mailboxes:     map[string]domain.Mailbox{},
	}
}

func (s *stubStore) CreateConversation(_ context.Context, conv domain.Conversation, participants []string) (domain.Conversation, error) {
	if _, dup := s.conversations[conv.Name]; dup {
		return domain.Conversation{}, domain.ErrNameTaken
	}
	s.conversations[conv.Name] = conv
	edges := map[string]bool{conv.Admin: true}
	for _, p := range participants {
		edges[p] = true
	}
	s.members[conv.Name] = edges
	return conv, nil
}

func (s *stubStore) GetConversation(_ context.Context, name string) (domain.Conversation, error) {
	conv, ok := s.conversations[name]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return conv, nil
}

func (s *stubStore) ListConversations(_ context.Context, participant string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for name, edges := range s.members {
		if edges[participant] {
			out = append(out, s.conversations[name])
		}
	}
	return out, nil
}

func (s *stubStore) Participants(_ context.Context, conversation string, _, _ int) ([]domain.ParticipantEdge, error) {
	var out []domain.ParticipantEdge
	for p := range s.members[conversation] {
		out = append(out, domain.ParticipantEdge{Conversation: conversation, Participant: p})
	}
	return out, nil
}

func (s *stubStore) InsertMessages(_ context.Context, envelopes []domain.Envelope) error {
	s.messages = append(s.messages, envelopes...)
	return nil
}

func (s *stubStore) RetrieveMessages(_ context.Context, mbox string, _ domain.MessageFilters) ([]domain.Envelope, error) {
	var out []domain.Envelope
	for _, m := range s.messages {
		if m.Mbox == mbox {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubStore) UpsertReceipts(_ context.Context, _ []domain.Receipt) error { return nil }

func (s *stubStore) RetrieveReceipts(_ context.Context, message string) ([]domain.ReceiptRecord, error) {
	var out []domain.ReceiptRecord
	for _, r := range s.receipts {
		if r.Message == message {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubStore) IsParticipant(_ context.Context, conversation, user string) bool {
	return s.members[conversation][user]
}

func (s *stubStore) IsSender(_ context.Context, message, user string) bool {
	return s.senders[message] == user
}

func (s *stubStore) InsertMailbox(_ context.Context, box domain.Mailbox) error {
	if _, dup := s.mailboxes[box.Owner]; !dup {
		s.mailboxes[box.Owner] = box
	}
	return nil
}

func (s *stubStore) MailboxByOwner(_ context.Context, owner string) (domain.Mailbox, error) {
	box, ok := s.mailboxes[owner]
	if !ok {
		return domain.Mailbox{}, domain.ErrMailboxNotFound
	}
	return box, nil
}

type stubQueue struct {
	down bool
}

func (q *stubQueue) Publish(_ context.Context, _ string, _ []byte) (string, error) {
	if q.down {
		return "", errors.New("connection refused")
	}
	return "1-0", nil
}

func (q *stubQueue) EnsureGroup(context.Context, string, string) error { return nil }

func (q *stubQueue) Read(context.Context, string, string, string, int, time.Duration, domain.ReadMode) ([]domain.QueueEntry, error) {
	return nil, nil
}

func (q *stubQueue) Ack(context.Context, string, string, ...string) error { return nil }

type noopFanout struct{}

func (noopFanout) Deliver(domain.DeliverMessage) {}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

type env struct {
	srv   *httptest.Server
	store *stubStore
	queue *stubQueue
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := newStubStore()
	queue := &stubQueue{}
	svc := service.New(store, queue, noopFanout{}, time.Minute, "messages", "receipts")

	router := rest.NewRouter(rest.RouterDeps{
		Handler:  rest.NewHandler(svc),
		Verifier: security.NewHS256Verifier(testSecret),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, queue: queue}
}

func (e *env) do(t *testing.T, method, path, principal, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if principal != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, principal))
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error.RequestID, "error envelope must carry the request id")
	return body.Error.Code
}

func TestRouter_PublicEndpoints(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_RequiresAuth(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/conversations", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth.unauthorized", errCode(t, resp))
}

func TestRouter_CreateConversation(t *testing.T) {
	e := newEnv(t)

	t.Run("empty participants rejected", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/conversations", "alice", `{"participants":[]}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "request.invalid", errCode(t, resp))
	})

	t.Run("created with admin", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/conversations", "alice", `{"participants":["bob"],"name":"standup","title":"Standup"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var conv domain.Conversation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
		assert.Equal(t, "standup", conv.Name)
		assert.Equal(t, "alice", conv.Admin)
	})

	t.Run("chosen name conflict", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/conversations", "carol", `{"participants":["dave"],"name":"standup"}`)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "conversation.name_taken", errCode(t, resp))
	})
}

func TestRouter_ConversationAccess(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/conversations", "alice", `{"participants":["bob"],"name":"standup"}`)

	t.Run("participant reads", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/conversations/standup", "bob", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("outsider forbidden", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/conversations/standup", "mallory", "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "conversation.forbidden", errCode(t, resp))
	})

	t.Run("outsider cannot post", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/conversations/standup/messages", "mallory", `{"text":"hi"}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("outsider cannot list history", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/conversations/standup/messages", "mallory", "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestRouter_QueueDown(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/conversations", "alice", `{"participants":["bob"],"name":"standup"}`)

	e.queue.down = true
	resp := e.do(t, http.MethodPost, "/conversations/standup/messages", "alice", `{"text":"hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "queue.unavailable", errCode(t, resp))
}

func TestRouter_PeerMessaging(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/inbox/bob/messages", "alice", `{"text":"direct"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the mailbox was created lazily for bob
	box, err := e.store.MailboxByOwner(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.MailboxKindDefault, box.Kind)

	// bob's inbox is empty until the workers persist; the endpoint still 200s
	resp = e.do(t, http.MethodGet, "/inbox/messages", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []domain.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	assert.Empty(t, msgs)
}

func TestRouter_Receipts(t *testing.T) {
	e := newEnv(t)
	e.store.senders["m1"] = "alice"
	e.store.receipts = []domain.ReceiptRecord{{Message: "m1", User: "bob"}}

	t.Run("sender reads receipts", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/messages/m1/receipts", "alice", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var recs []domain.ReceiptRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
		require.Len(t, recs, 1)
		assert.Equal(t, "bob", recs[0].User)
	})

	t.Run("non-sender sees not found", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/messages/m1/receipts", "bob", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "message.not_found", errCode(t, resp))
	})

	t.Run("react accepts small integers only", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/messages/m1/react/7", "bob", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = e.do(t, http.MethodGet, "/messages/m1/react/notanumber", "bob", "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "request.invalid", errCode(t, resp))
	})

	t.Run("mark as read", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/messages/m1/mark_as_read", "bob", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRouter_FilterValidation(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/conversations", "alice", `{"participants":["bob"],"name":"standup"}`)

	resp := e.do(t, http.MethodGet, "/conversations/standup/messages?reply_to=abc", "alice", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "request.invalid", errCode(t, resp))
}
