// Package dispatch sends messages and read receipts and tracks per-message
// delivery status. Sends are optimistic: the message is surfaced immediately
// as pending, emitted best-effort over the transport, and persisted durably
// over REST; the REST record is authoritative for server id and createdAt.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/clock"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/matheus3301/pulse/internal/transport"
	"go.uber.org/zap"
)

// Emitter is the best-effort realtime send path.
type Emitter interface {
	Emit(event string, payload any) error
	UserID() string
}

// Persister is the durable send path.
type Persister interface {
	SendMessage(ctx context.Context, req *rest.SendRequest) (*store.Message, error)
	MarkRead(ctx context.Context, messageID string) error
	MarkAllRead(ctx context.Context, partnerID string) error
}

// DeliveryCallback observes status transitions for a tracked send.
type DeliveryCallback func(store.Message)

type pendingSend struct {
	timer     clock.Timer
	callbacks map[int]DeliveryCallback
	nextCB    int
}

// Dispatcher coordinates outgoing messages and their delivery lifecycle.
type Dispatcher struct {
	emitter     Emitter
	persist     Persister
	db          *store.DB
	bus         *bus.Bus
	clock       clock.Clock
	logger      *zap.Logger
	sendTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingSend  // sends awaiting a terminal status
	tracked  map[string]store.Message // correlation id -> latest known record
	byServer map[string]string        // server id -> correlation id
	read     map[string]bool          // server ids we already marked read
	unsub    func()
}

// NewDispatcher creates a dispatcher. Call Start to begin consuming
// transport status updates.
func NewDispatcher(emitter Emitter, persist Persister, db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger, sendTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		emitter:     emitter,
		persist:     persist,
		db:          db,
		bus:         b,
		clock:       clk,
		logger:      logger,
		sendTimeout: sendTimeout,
		pending:     make(map[string]*pendingSend),
		tracked:     make(map[string]store.Message),
		byServer:    make(map[string]string),
		read:        make(map[string]bool),
	}
}

// Start subscribes to inbound delivery-status events.
func (d *Dispatcher) Start() {
	d.unsub = d.bus.Subscribe("ws."+transport.EventStatusUpdate, func(evt bus.Event) {
		p, ok := evt.Payload.(*transport.StatusUpdate)
		if !ok {
			return
		}
		d.handleStatusUpdate(p)
	})
}

// Stop unsubscribes and cancels all pending-send timers.
func (d *Dispatcher) Stop() {
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}

// Send queues a message for delivery and returns its correlation id. The
// message is observable immediately with pending status; it reaches sent or
// failed within the send timeout regardless of socket state.
func (d *Dispatcher) Send(ctx context.Context, conversationID, body, msgType string) string {
	return d.send(ctx, uuid.New().String(), conversationID, body, msgType)
}

// Resend retries a previously failed send under its original correlation id,
// so the message never duplicates in the cache.
func (d *Dispatcher) Resend(ctx context.Context, correlationID string) error {
	entry, err := d.db.GetSend(correlationID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	d.mu.Lock()
	delete(d.tracked, correlationID)
	d.mu.Unlock()
	_ = d.db.UpdateSendStatus(correlationID, store.StatusPending, "", "", d.clock.Now())

	d.send(ctx, correlationID, entry.ConversationID, entry.Body, entry.Type)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, correlationID, conversationID, body, msgType string) string {
	now := d.clock.Now().UnixMilli()
	msg := store.Message{
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		SenderID:       d.emitter.UserID(),
		ReceiverID:     conversationID,
		Body:           body,
		Type:           msgType,
		Status:         store.StatusPending,
		CreatedAt:      now,
	}

	if err := d.db.RecordSend(correlationID, conversationID, body, msgType, d.clock.Now()); err != nil {
		d.logger.Error("failed to journal send", zap.Error(err), zap.String("correlation_id", correlationID))
	}

	d.mu.Lock()
	p := &pendingSend{callbacks: make(map[int]DeliveryCallback)}
	p.timer = d.clock.AfterFunc(d.sendTimeout, func() { d.expire(correlationID) })
	d.pending[correlationID] = p
	d.tracked[correlationID] = msg
	d.mu.Unlock()

	d.bus.Publish(bus.Event{Kind: "message.queued", Timestamp: d.clock.Now(), Payload: msg})

	// Optimistic transport emit; failure here is fine, the durable path wins.
	if err := d.emitter.Emit(transport.EventSendMessage, &transport.SendMessage{
		SenderID:   msg.SenderID,
		ReceiverID: conversationID,
		Message:    body,
		Type:       msgType,
		TempID:     correlationID,
	}); err != nil {
		d.logger.Debug("optimistic emit failed", zap.Error(err), zap.String("correlation_id", correlationID))
	}

	go d.persistSend(ctx, correlationID, conversationID, body, msgType)
	return correlationID
}

func (d *Dispatcher) persistSend(ctx context.Context, correlationID, conversationID, body, msgType string) {
	resp, err := d.persist.SendMessage(ctx, &rest.SendRequest{
		ReceiverID: conversationID,
		Message:    body,
		Type:       msgType,
		TempID:     correlationID,
	})
	if err != nil {
		d.logger.Warn("persist failed", zap.Error(err), zap.String("correlation_id", correlationID))
		d.applyStatus(correlationID, store.StatusFailed, "", 0, err.Error())
		return
	}

	status := store.StatusSent
	if status.Before(resp.Status) {
		// Server may already know more (e.g. delivered over an open socket).
		status = resp.Status
	}
	d.applyStatus(correlationID, status, resp.ServerID, resp.CreatedAt, "")
}

// expire forces a send that never reached a terminal status to failed.
func (d *Dispatcher) expire(correlationID string) {
	d.mu.Lock()
	_, stillPending := d.pending[correlationID]
	d.mu.Unlock()
	if !stillPending {
		return
	}
	d.logger.Warn("send timed out", zap.String("correlation_id", correlationID))
	d.applyStatus(correlationID, store.StatusFailed, "", 0, "send timeout")
}

// TrackDelivery registers a callback for a tracked send's status
// transitions. If the send already reached a terminal status the callback
// fires immediately with the journaled state. Returns a cancel function.
func (d *Dispatcher) TrackDelivery(correlationID string, fn DeliveryCallback) func() {
	d.mu.Lock()
	p, ok := d.pending[correlationID]
	if ok {
		id := p.nextCB
		p.nextCB++
		p.callbacks[id] = fn
		d.mu.Unlock()
		return func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if p, ok := d.pending[correlationID]; ok {
				delete(p.callbacks, id)
			}
		}
	}
	d.mu.Unlock()

	if entry, err := d.db.GetSend(correlationID); err == nil && entry != nil {
		fn(store.Message{
			CorrelationID:  entry.CorrelationID,
			ServerID:       entry.ServerID,
			ConversationID: entry.ConversationID,
			Body:           entry.Body,
			Type:           entry.Type,
			Status:         entry.Status,
		})
	}
	return func() {}
}

// MarkRead records a read receipt for an inbound message, once. Re-marking
// an already-read message is a no-op.
func (d *Dispatcher) MarkRead(ctx context.Context, conversationID, messageID string) error {
	d.mu.Lock()
	if d.read[messageID] {
		d.mu.Unlock()
		return nil
	}
	d.read[messageID] = true
	d.mu.Unlock()

	if err := d.emitter.Emit(transport.EventMessageRead, &transport.MessageRead{
		MessageID: messageID,
		ChatID:    conversationID,
		SenderID:  d.emitter.UserID(),
	}); err != nil {
		d.logger.Debug("read receipt emit failed", zap.Error(err))
	}

	if err := d.persist.MarkRead(ctx, messageID); err != nil {
		// Allow a later retry.
		d.mu.Lock()
		delete(d.read, messageID)
		d.mu.Unlock()
		return err
	}
	return nil
}

// MarkAllRead marks every message in a conversation as read.
func (d *Dispatcher) MarkAllRead(ctx context.Context, conversationID string) error {
	return d.persist.MarkAllRead(ctx, conversationID)
}

// TypingStart signals that the user began typing in a conversation.
func (d *Dispatcher) TypingStart(conversationID string) {
	_ = d.emitter.Emit(transport.EventTypingStart, &transport.Typing{ChatID: conversationID})
}

// TypingEnd signals that the user stopped typing.
func (d *Dispatcher) TypingEnd(conversationID string) {
	_ = d.emitter.Emit(transport.EventTypingEnd, &transport.Typing{ChatID: conversationID})
}

func (d *Dispatcher) handleStatusUpdate(p *transport.StatusUpdate) {
	correlationID := p.TempID
	if correlationID == "" {
		d.mu.Lock()
		correlationID = d.byServer[p.MessageID]
		d.mu.Unlock()
	}
	if correlationID == "" {
		// Status for a message we did not send; not ours to track.
		return
	}
	d.applyStatus(correlationID, store.Status(p.Status), p.MessageID, p.CreatedAt, "")
}

// applyStatus advances a send's delivery status. Duplicate or backward
// transitions are detected against the last applied status and ignored, so
// replaying an event is a no-op.
func (d *Dispatcher) applyStatus(correlationID string, to store.Status, serverID string, createdAt int64, errMsg string) {
	d.mu.Lock()
	msg, known := d.tracked[correlationID]
	if !known || !msg.Status.Before(to) {
		d.mu.Unlock()
		return
	}
	msg.Status = to
	if serverID != "" {
		msg.ServerID = serverID
		d.byServer[serverID] = correlationID
	}
	if createdAt > 0 {
		// Authoritative timestamp from the persisted record.
		msg.CreatedAt = createdAt
	}
	d.tracked[correlationID] = msg

	var callbacks []DeliveryCallback
	if p := d.pending[correlationID]; p != nil {
		for _, fn := range p.callbacks {
			callbacks = append(callbacks, fn)
		}
		if to.Terminal() {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(d.pending, correlationID)
		}
	}
	d.mu.Unlock()

	if err := d.db.UpdateSendStatus(correlationID, to, serverID, errMsg, d.clock.Now()); err != nil {
		d.logger.Error("failed to journal status", zap.Error(err), zap.String("correlation_id", correlationID))
	}

	d.bus.Publish(bus.Event{Kind: "message.status_changed", Timestamp: d.clock.Now(), Payload: msg})
	if to == store.StatusFailed {
		d.bus.Publish(bus.Event{Kind: "message.send_failed", Timestamp: d.clock.Now(), Payload: msg})
	}
	for _, fn := range callbacks {
		fn(msg)
	}
}
