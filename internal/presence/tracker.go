package presence

import (
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/clock"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/matheus3301/pulse/internal/transport"
)

// Callback receives presence changes for subscribed consumers.
type Callback func(store.PresenceRecord)

// Tracker maintains the online/offline state per user, fed by inbound
// user_status_change events and periodic full snapshots. Consumers read
// through IsOnline/LastSeen or subscribe; they never own a transport
// subscription themselves.
type Tracker struct {
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]store.PresenceRecord
	subs    map[int]Callback
	nextSub int
	unsub   func()
}

func NewTracker(b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Tracker {
	return &Tracker{
		bus:     b,
		clock:   clk,
		logger:  logger.Named("presence"),
		records: make(map[string]store.PresenceRecord),
		subs:    make(map[int]Callback),
	}
}

// Start attaches the tracker to the event bus.
func (t *Tracker) Start() {
	t.unsub = t.bus.Subscribe("ws."+transport.EventUserStatus, func(evt bus.Event) {
		p, ok := evt.Payload.(*transport.UserStatus)
		if !ok {
			return
		}
		t.Apply(store.PresenceRecord{UserID: p.UserID, IsOnline: p.IsOnline, LastSeen: p.LastSeen})
	})
}

// Stop detaches the tracker from the bus. Tracked state is retained.
func (t *Tracker) Stop() {
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
}

// IsOnline reports whether the user is currently tracked as online.
// Unknown users are offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[userID].IsOnline
}

// LastSeen returns the user's last-seen timestamp in unix milliseconds,
// or zero if unknown.
func (t *Tracker) LastSeen(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[userID].LastSeen
}

// Subscribe registers a callback invoked on every observable presence
// change. Returns an unsubscribe function.
func (t *Tracker) Subscribe(fn Callback) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Apply records a presence update. Updates are idempotent: re-applying the
// current state changes nothing and notifies nobody.
func (t *Tracker) Apply(rec store.PresenceRecord) {
	t.mu.Lock()
	cur, known := t.records[rec.UserID]
	if rec.LastSeen == 0 {
		rec.LastSeen = cur.LastSeen
	}
	if known && cur.IsOnline == rec.IsOnline && cur.LastSeen == rec.LastSeen {
		t.mu.Unlock()
		return
	}
	t.records[rec.UserID] = rec
	callbacks := make([]Callback, 0, len(t.subs))
	for _, fn := range t.subs {
		callbacks = append(callbacks, fn)
	}
	t.mu.Unlock()

	t.logger.Debug("presence changed",
		zap.String("user_id", rec.UserID), zap.Bool("online", rec.IsOnline))
	t.bus.Publish(bus.Event{Kind: "presence.changed", Timestamp: t.clock.Now(), Payload: rec})
	for _, fn := range callbacks {
		fn(rec)
	}
}

// ApplySnapshot folds a full presence snapshot in, record by record. Only
// records that actually change state produce notifications.
func (t *Tracker) ApplySnapshot(recs []store.PresenceRecord) {
	for _, rec := range recs {
		t.Apply(rec)
	}
}

// Online returns the ids of all users currently tracked as online.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, rec := range t.records {
		if rec.IsOnline {
			out = append(out, id)
		}
	}
	return out
}
