package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/clock"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/matheus3301/pulse/internal/transport"
)

// Historian fetches paged conversation history.
type Historian interface {
	History(ctx context.Context, partnerID string, page, limit int, lastSeen int64) (*rest.HistoryPage, error)
}

// Emitter announces conversation attach/detach over the transport.
type Emitter interface {
	Emit(event string, payload any) error
}

// Update is published on the bus as "conversation.updated" whenever the
// active conversation's message list changes.
type Update struct {
	PartnerID string
	Messages  []store.Message
	HasMore   bool
}

type conversation struct {
	partnerID string
	messages  []store.Message
	hasMore   bool
	page      int
	stale     bool
}

// Cache holds the message list for the currently open conversation, merging
// paged history, realtime pushes, and local sends into one ordered list.
// Conversations navigated away from are snapshotted with a bounded TTL so
// switching back within the window skips the network.
type Cache struct {
	history Historian
	emitter Emitter
	db      *store.DB
	bus     *bus.Bus
	clock   clock.Clock
	logger  *zap.Logger

	pageSize    int
	snapshotTTL time.Duration

	mu     sync.Mutex // held across history fetches so loads serialize
	conv   *conversation
	unsubs []func()
}

// NewCache creates a conversation cache. pageSize bounds history fetches and
// snapshotTTL bounds how long a navigated-away conversation stays restorable.
func NewCache(h Historian, e Emitter, db *store.DB, b *bus.Bus, clk clock.Clock, logger *zap.Logger, pageSize int, snapshotTTL time.Duration) *Cache {
	c := &Cache{
		history:     h,
		emitter:     e,
		db:          db,
		bus:         b,
		clock:       clk,
		logger:      logger.Named("cache"),
		pageSize:    pageSize,
		snapshotTTL: snapshotTTL,
	}
	return c
}

// Start subscribes the cache to realtime and dispatcher events.
func (c *Cache) Start() {
	c.unsubs = append(c.unsubs,
		c.bus.Subscribe("ws."+transport.EventNewMessage, func(evt bus.Event) {
			p, ok := evt.Payload.(*transport.NewMessage)
			if !ok {
				return
			}
			c.AppendRealtime(p.ToStore())
		}),
		c.bus.Subscribe("message.queued", func(evt bus.Event) {
			if m, ok := evt.Payload.(store.Message); ok {
				c.AppendRealtime(m)
			}
		}),
		c.bus.Subscribe("message.status_changed", func(evt bus.Event) {
			if m, ok := evt.Payload.(store.Message); ok {
				c.applyUpdate(m)
			}
		}),
	)
}

// Stop detaches the cache from the bus and snapshots the open conversation.
func (c *Cache) Stop() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.Close()
}

// Open makes partnerID the active conversation. A snapshot saved within the
// TTL window is restored without touching the network; otherwise the first
// history page is fetched. The previous conversation, if any, is snapshotted
// and detached.
func (c *Cache) Open(ctx context.Context, partnerID string) ([]store.Message, error) {
	c.mu.Lock()

	if c.conv != nil && c.conv.partnerID == partnerID {
		out := copyMessages(c.conv.messages)
		c.mu.Unlock()
		return out, nil
	}
	c.closeLocked()

	if err := c.emitter.Emit(transport.EventJoinChat, &transport.JoinChat{ChatID: partnerID}); err != nil {
		c.logger.Debug("join_chat emit failed", zap.Error(err))
	}

	msgs, hasMore, err := c.db.LoadSnapshot(partnerID, c.clock.Now())
	if err != nil {
		c.logger.Warn("snapshot load failed", zap.Error(err), zap.String("partner_id", partnerID))
	}
	if len(msgs) > 0 {
		c.conv = &conversation{partnerID: partnerID, messages: msgs, hasMore: hasMore, page: 1}
		upd := c.updateLocked()
		c.mu.Unlock()
		c.publish(upd)
		return copyMessages(msgs), nil
	}

	c.conv = &conversation{partnerID: partnerID}
	out, upd, err := c.loadLocked(ctx, 1)
	c.mu.Unlock()
	c.publish(upd)
	return out, err
}

// Close detaches the active conversation, snapshotting its messages so a
// quick return restores them without a fetch.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Cache) closeLocked() {
	if c.conv == nil {
		return
	}
	if err := c.db.SaveSnapshot(c.conv.partnerID, c.conv.messages, c.conv.hasMore, c.clock.Now(), c.snapshotTTL); err != nil {
		c.logger.Warn("snapshot save failed", zap.Error(err), zap.String("partner_id", c.conv.partnerID))
	}
	if err := c.emitter.Emit(transport.EventLeaveChat, &transport.LeaveChat{ChatID: c.conv.partnerID}); err != nil {
		c.logger.Debug("leave_chat emit failed", zap.Error(err))
	}
	c.conv = nil
}

// Load fetches the given history page and merges it into the active
// conversation. An empty page-1 response against a non-empty list is treated
// as suspect and discarded rather than wiping visible history.
func (c *Cache) Load(ctx context.Context, page int) ([]store.Message, error) {
	c.mu.Lock()
	out, upd, err := c.loadLocked(ctx, page)
	c.mu.Unlock()
	c.publish(upd)
	return out, err
}

// LoadMore fetches the next older page, if the server reported one.
func (c *Cache) LoadMore(ctx context.Context) ([]store.Message, error) {
	c.mu.Lock()
	if c.conv == nil || !c.conv.hasMore {
		var out []store.Message
		if c.conv != nil {
			out = copyMessages(c.conv.messages)
		}
		c.mu.Unlock()
		return out, nil
	}
	out, upd, err := c.loadLocked(ctx, c.conv.page+1)
	c.mu.Unlock()
	c.publish(upd)
	return out, err
}

// loadLocked fetches and merges a page. The returned Update, if any, must be
// published by the caller after releasing c.mu so bus subscribers can call
// back into the cache.
func (c *Cache) loadLocked(ctx context.Context, page int) ([]store.Message, *Update, error) {
	if c.conv == nil {
		return nil, nil, nil
	}
	conv := c.conv

	resp, err := c.history.History(ctx, conv.partnerID, page, c.pageSize, 0)
	if err != nil {
		return copyMessages(conv.messages), nil, err
	}

	if conv.stale {
		// Invalidated: rebuild from the fresh page, keeping unresolved
		// local sends. Pruned only after the fetch succeeds so a failed
		// refetch never loses visible history.
		kept := make([]store.Message, 0, len(conv.messages))
		for _, m := range conv.messages {
			if m.Status == store.StatusPending {
				kept = append(kept, m)
			}
		}
		conv.messages = kept
		conv.stale = false
	}

	if page == 1 && len(resp.Messages) == 0 && len(conv.messages) > 0 {
		c.logger.Warn("discarding empty first page against non-empty cache",
			zap.String("partner_id", conv.partnerID))
		return copyMessages(conv.messages), nil, nil
	}

	for _, m := range resp.Messages {
		mergeMessage(&conv.messages, m)
	}
	sortMessages(conv.messages)
	conv.hasMore = resp.HasMore
	if page > conv.page {
		conv.page = page
	}
	return copyMessages(conv.messages), c.updateLocked(), nil
}

// AppendRealtime inserts a message into the active conversation if it is not
// already present, then resorts. Messages for other conversations are
// ignored; they will be fetched when that conversation opens.
func (c *Cache) AppendRealtime(msg store.Message) {
	c.mu.Lock()
	if c.conv == nil || !c.belongsLocked(msg) {
		c.mu.Unlock()
		return
	}
	var upd *Update
	if mergeMessage(&c.conv.messages, msg) {
		sortMessages(c.conv.messages)
		upd = c.updateLocked()
	}
	c.mu.Unlock()
	c.publish(upd)
}

// applyUpdate folds a delivery-status transition into the active list.
func (c *Cache) applyUpdate(msg store.Message) {
	c.mu.Lock()
	if c.conv == nil || !c.belongsLocked(msg) {
		c.mu.Unlock()
		return
	}
	var upd *Update
	for i := range c.conv.messages {
		if c.conv.messages[i].Same(&msg) {
			absorb(&c.conv.messages[i], msg)
			sortMessages(c.conv.messages)
			upd = c.updateLocked()
			break
		}
	}
	c.mu.Unlock()
	c.publish(upd)
}

// Snapshot persists the active conversation's list now, without detaching.
// A process restart or quick conversation switch within the TTL restores it.
func (c *Cache) Snapshot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	return c.db.SaveSnapshot(c.conv.partnerID, c.conv.messages, c.conv.hasMore, c.clock.Now(), c.snapshotTTL)
}

// Restore replaces the active conversation's list with its stored snapshot,
// if one exists within the TTL. Reports whether a snapshot was applied.
func (c *Cache) Restore() (bool, error) {
	c.mu.Lock()
	if c.conv == nil {
		c.mu.Unlock()
		return false, nil
	}
	msgs, hasMore, err := c.db.LoadSnapshot(c.conv.partnerID, c.clock.Now())
	if err != nil || len(msgs) == 0 {
		c.mu.Unlock()
		return false, err
	}
	c.conv.messages = msgs
	c.conv.hasMore = hasMore
	c.conv.stale = false
	upd := c.updateLocked()
	c.mu.Unlock()
	c.publish(upd)
	return true, nil
}

// Invalidate marks the active conversation stale: the next Load hits the
// network. Unresolved local sends survive the refetch; the snapshot is
// dropped so a reopen cannot restore stale history.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return
	}
	c.conv.stale = true
	if err := c.db.DeleteSnapshot(c.conv.partnerID); err != nil {
		c.logger.Warn("snapshot delete failed", zap.Error(err))
	}
}

// Messages returns a copy of the active conversation's ordered message list.
func (c *Cache) Messages() []store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	return copyMessages(c.conv.messages)
}

// ActivePartner returns the open conversation's partner id, or empty.
func (c *Cache) ActivePartner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return ""
	}
	return c.conv.partnerID
}

// HasMore reports whether older history pages remain on the server.
func (c *Cache) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv != nil && c.conv.hasMore
}

func (c *Cache) belongsLocked(msg store.Message) bool {
	p := c.conv.partnerID
	return msg.ConversationID == p || msg.SenderID == p || msg.ReceiverID == p
}

// updateLocked captures the payload for "conversation.updated" while c.mu is
// held. Publishing happens after the unlock; handlers run on the publishing
// goroutine and may read back into the cache.
func (c *Cache) updateLocked() *Update {
	return &Update{
		PartnerID: c.conv.partnerID,
		Messages:  copyMessages(c.conv.messages),
		HasMore:   c.conv.hasMore,
	}
}

func (c *Cache) publish(upd *Update) {
	if upd == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      "conversation.updated",
		Timestamp: c.clock.Now(),
		Payload:   *upd,
	})
}

// mergeMessage inserts msg or folds it into an existing entry matching by
// correlation or server id. Reports whether the list changed.
func mergeMessage(list *[]store.Message, msg store.Message) bool {
	for i := range *list {
		if (*list)[i].Same(&msg) {
			return absorb(&(*list)[i], msg)
		}
	}
	*list = append(*list, msg)
	return true
}

// absorb updates dst with authoritative fields from src. The server-assigned
// id and createdAt win once known; delivery status only moves forward.
func absorb(dst *store.Message, src store.Message) bool {
	changed := false
	if src.ServerID != "" && dst.ServerID != src.ServerID {
		dst.ServerID = src.ServerID
		changed = true
	}
	if src.CorrelationID != "" && dst.CorrelationID == "" {
		dst.CorrelationID = src.CorrelationID
		changed = true
	}
	if src.CreatedAt > 0 && dst.CreatedAt != src.CreatedAt {
		dst.CreatedAt = src.CreatedAt
		changed = true
	}
	if dst.Status.Before(src.Status) {
		dst.Status = src.Status
		changed = true
	}
	return changed
}

func sortMessages(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
}

func copyMessages(msgs []store.Message) []store.Message {
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out
}
