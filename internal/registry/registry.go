package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Austin-rgb/messages/internal/domain"
	"github.com/Austin-rgb/messages/internal/logger"
	"github.com/Austin-rgb/messages/internal/metrics"
)

// Sink is the buffered outbound channel drained by one session's writer.
type Sink chan domain.ServerMessage

const sinkBuffer = 32

// sendWait bounds how long Deliver back-pressures on a full sink before the
// frame is dropped. Drop-oldest is deliberately not used.
const sendWait = 250 * time.Millisecond

// publishTimeout bounds the best-effort receipt publish.
const publishTimeout = 2 * time.Second

// Registry routes outbound payloads to live sessions. It owns the
// principal -> sink map; at any instant a principal has at most one sink.
type Registry struct {
	queue         domain.Queue
	receiptsTopic string
	lg            zerolog.Logger

	mu    sync.Mutex
	sinks map[string]Sink
}

func New(queue domain.Queue, receiptsTopic string) *Registry {
	return &Registry{
		queue:         queue,
		receiptsTopic: receiptsTopic,
		lg:            logger.With("registry"),
		sinks:         make(map[string]Sink),
	}
}

// NewSink allocates an outbound channel for one session.
func NewSink() Sink {
	return make(Sink, sinkBuffer)
}

// Connect registers the sink for the principal. A prior sink is closed so
// the most recent session wins.
func (r *Registry) Connect(principal string, sink Sink) {
	r.mu.Lock()
	prior, had := r.sinks[principal]
	r.sinks[principal] = sink
	r.mu.Unlock()

	if had && prior != sink {
		close(prior)
	}
	metrics.SessionOpened()
	r.lg.Debug().Str("principal", principal).Msg("session connected")
}

// Disconnect removes the entry only if it still holds this sink, so a
// disconnect racing a reconnect never tears down the newer session.
func (r *Registry) Disconnect(principal string, sink Sink) {
	r.mu.Lock()
	current, ok := r.sinks[principal]
	if ok && current == sink {
		delete(r.sinks, principal)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		metrics.SessionClosed()
		r.lg.Debug().Str("principal", principal).Msg("session disconnected")
	}
}

// Deliver routes the payload to the recipient's sink if one is live and
// records a synthetic delivery receipt. Offline recipients are skipped;
// they reconcile on their next fetch.
func (r *Registry) Deliver(msg domain.DeliverMessage) {
	r.mu.Lock()
	sink, ok := r.sinks[msg.To]
	r.mu.Unlock()
	if !ok {
		return
	}

	if !r.send(sink, domain.ServerMessage{Payload: msg.Payload, ID: msg.ID}) {
		metrics.RecordFanout(false)
		r.lg.Warn().Str("principal", msg.To).Str("message", msg.ID).Msg("sink full, dropping frame")
		return
	}
	metrics.RecordFanout(true)

	r.publishReceipt(domain.Receipt{Message: msg.ID, User: msg.To, Delivered: true})
}

// Private forwards a peer-to-peer frame to the recipient if connected.
// There is no receipt: private frames are ephemeral.
func (r *Registry) Private(from, to, content string) {
	r.mu.Lock()
	sink, ok := r.sinks[to]
	r.mu.Unlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(map[string]string{"from": from, "content": content})
	if err != nil {
		return
	}
	if !r.send(sink, domain.ServerMessage{Payload: payload}) {
		r.lg.Warn().Str("principal", to).Msg("sink full, dropping private frame")
	}
}

// send enqueues with bounded back-pressure. A closed sink (session being
// replaced) is treated as a drop.
func (r *Registry) send(sink Sink, msg domain.ServerMessage) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case sink <- msg:
		return true
	default:
	}

	t := time.NewTimer(sendWait)
	defer t.Stop()
	select {
	case sink <- msg:
		return true
	case <-t.C:
		return false
	}
}

func (r *Registry) publishReceipt(rec domain.Receipt) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := r.queue.Publish(ctx, r.receiptsTopic, payload); err != nil {
			r.lg.Warn().Err(err).Str("message", rec.Message).Msg("delivery receipt publish failed")
		}
	}()
}
