package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/clock"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/matheus3301/pulse/internal/transport"
	"go.uber.org/zap"
)

type fakeHistory struct {
	mu    sync.Mutex
	pages map[int]*rest.HistoryPage
	err   error
	calls int
}

func (h *fakeHistory) History(_ context.Context, _ string, page, _ int, _ int64) (*rest.HistoryPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if p, ok := h.pages[page]; ok {
		return p, nil
	}
	return &rest.HistoryPage{}, nil
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) Emit(event string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEmitter) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.events {
		if got == event {
			n++
		}
	}
	return n
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(corr, server, sender string, createdAt int64) store.Message {
	return store.Message{
		CorrelationID:  corr,
		ServerID:       server,
		ConversationID: "bob",
		SenderID:       sender,
		ReceiverID:     "bob",
		Body:           "m-" + corr + server,
		Status:         store.StatusSent,
		CreatedAt:      createdAt,
	}
}

func newTestCache(t *testing.T, h *fakeHistory) (*Cache, *fakeEmitter, *clock.Fake, *bus.Bus) {
	t.Helper()
	e := &fakeEmitter{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	b := bus.New()
	c := NewCache(h, e, testDB(t), b, clk, zap.NewNop(), 20, 60*time.Second)
	c.Start()
	t.Cleanup(c.Stop)
	return c, e, clk, b
}

func ids(msgs []store.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.ServerID != "" {
			out = append(out, m.ServerID)
		} else {
			out = append(out, m.CorrelationID)
		}
	}
	return out
}

func TestLoadMergesHistoryWithPendingSends(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{
			msg("", "s1", "bob", 100),
			msg("", "s2", "me", 300),
		}},
	}}
	c, _, _, b := newTestCache(t, h)

	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	// Two local sends queued by the dispatcher, no id overlap with history.
	pending := msg("c1", "", "me", 200)
	pending.Status = store.StatusPending
	b.Publish(bus.Event{Kind: "message.queued", Payload: pending})
	pending2 := msg("c2", "", "me", 400)
	pending2.Status = store.StatusPending
	b.Publish(bus.Event{Kind: "message.queued", Payload: pending2})

	got, err := c.Load(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("merged length = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].CreatedAt > got[i].CreatedAt {
			t.Fatalf("not sorted ascending at %d: %v", i, ids(got))
		}
	}
}

func TestAcknowledgedSendAppearsOnce(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{1: {}}}
	c, _, _, b := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	pending := msg("cX", "", "me", 200)
	pending.Status = store.StatusPending
	b.Publish(bus.Event{Kind: "message.queued", Payload: pending})

	// Server push for the same send, now carrying its assigned id.
	b.Publish(bus.Event{Kind: "ws." + transport.EventNewMessage, Payload: &transport.NewMessage{
		ID: "sY", TempID: "cX", ChatID: "bob", SenderID: "me", ReceiverID: "bob",
		Message: "hello", Status: "sent", CreatedAt: 250,
	}})

	got := c.Messages()
	if len(got) != 1 {
		t.Fatalf("messages = %v, want exactly one entry", ids(got))
	}
	if got[0].CorrelationID != "cX" || got[0].ServerID != "sY" {
		t.Errorf("merged entry = %+v, want correlation cX with server id sY", got[0])
	}
	if got[0].CreatedAt != 250 {
		t.Errorf("createdAt = %d, want authoritative 250", got[0].CreatedAt)
	}
}

func TestEmptyFirstPageDoesNotWipeCache(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, _, _ := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	h.mu.Lock()
	h.pages[1] = &rest.HistoryPage{} // transient empty response
	h.mu.Unlock()

	got, err := c.Load(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("cache wiped by empty page: %v", ids(got))
	}
}

func TestSnapshotRestoreWithinTTL(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, e, clk, _ := newTestCache(t, h)

	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	fetchesAfterB := h.callCount()

	// Switch to another conversation, then straight back.
	if _, err := c.Open(context.Background(), "carol"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(30 * time.Second)
	got, err := c.Open(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 || got[0].ServerID != "s1" {
		t.Fatalf("restored list = %v, want [s1]", ids(got))
	}
	// Restoring must not have refetched bob's history (carol cost one fetch).
	if h.callCount() != fetchesAfterB+1 {
		t.Errorf("history calls = %d, want %d (snapshot should skip fetch)", h.callCount(), fetchesAfterB+1)
	}
	if e.count(transport.EventJoinChat) != 3 || e.count(transport.EventLeaveChat) != 2 {
		t.Errorf("join/leave = %d/%d, want 3/2", e.count(transport.EventJoinChat), e.count(transport.EventLeaveChat))
	}
}

func TestSnapshotExpiredTriggersFetch(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, clk, _ := newTestCache(t, h)

	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Open(context.Background(), "carol"); err != nil {
		t.Fatal(err)
	}
	calls := h.callCount()

	clk.Advance(61 * time.Second)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if h.callCount() != calls+1 {
		t.Errorf("history calls = %d, want %d (expired snapshot must refetch)", h.callCount(), calls+1)
	}
}

func TestInvalidatePreservesPendingSends(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, _, b := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	pending := msg("c1", "", "me", 200)
	pending.Status = store.StatusPending
	b.Publish(bus.Event{Kind: "message.queued", Payload: pending})

	c.Invalidate()

	h.mu.Lock()
	h.pages[1] = &rest.HistoryPage{Messages: []store.Message{msg("", "s9", "bob", 50)}}
	h.mu.Unlock()

	got, err := c.Load(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"s9", "c1"}
	if len(got) != 2 || got[0].ServerID != want[0] || got[1].CorrelationID != want[1] {
		t.Fatalf("after invalidate = %v, want %v", ids(got), want)
	}
}

func TestAppendRealtimeIgnoresOtherConversations(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{1: {}}}
	c, _, _, _ := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	other := store.Message{ServerID: "sZ", ConversationID: "carol", SenderID: "carol", ReceiverID: "me", CreatedAt: 100}
	c.AppendRealtime(other)

	if got := c.Messages(); len(got) != 0 {
		t.Errorf("message for another conversation cached: %v", ids(got))
	}
}

func TestStatusChangePublishesUpdate(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{1: {}}}
	c, _, _, b := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	var updates int
	b.Subscribe("conversation.updated", func(bus.Event) { updates++ })

	pending := msg("c1", "", "me", 200)
	pending.Status = store.StatusPending
	b.Publish(bus.Event{Kind: "message.queued", Payload: pending})

	sent := pending
	sent.ServerID = "s1"
	sent.Status = store.StatusSent
	b.Publish(bus.Event{Kind: "message.status_changed", Payload: sent})

	if updates != 2 {
		t.Errorf("conversation.updated events = %d, want 2", updates)
	}
	got := c.Messages()
	if len(got) != 1 || got[0].Status != store.StatusSent || got[0].ServerID != "s1" {
		t.Errorf("entry after status change = %+v", got)
	}
}

func TestUpdateSubscriberCanReadBack(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, _, b := newTestCache(t, h)

	// Handlers run on the publishing goroutine, so reading back into the
	// cache from inside one must not deadlock.
	var seen []int
	b.Subscribe("conversation.updated", func(bus.Event) {
		got := c.Messages()
		_ = c.ActivePartner()
		_ = c.HasMore()
		seen = append(seen, len(got))
	})

	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	c.AppendRealtime(msg("", "s2", "bob", 200))
	if _, err := c.Load(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 3 {
		t.Fatalf("subscriber ran %d times, want 3", len(seen))
	}
	if seen[2] != 2 {
		t.Errorf("final read-back saw %d messages, want 2", seen[2])
	}
}

func TestLoadErrorKeepsCache(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, _, _ := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	h.mu.Lock()
	h.err = errors.New("network down")
	h.mu.Unlock()

	got, err := c.Load(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(got) != 1 {
		t.Errorf("cached list lost on fetch error: %v", ids(got))
	}
}

func TestExplicitSnapshotRestore(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, _, b := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if err := c.Snapshot(); err != nil {
		t.Fatal(err)
	}

	// A realtime arrival after the snapshot is rolled back by Restore.
	b.Publish(bus.Event{Kind: "ws." + transport.EventNewMessage, Payload: &transport.NewMessage{
		ID: "s2", ChatID: "bob", SenderID: "bob", ReceiverID: "me", Message: "late", CreatedAt: 300,
	}})
	if got := c.Messages(); len(got) != 2 {
		t.Fatalf("pre-restore list = %v", ids(got))
	}

	applied, err := c.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("Restore() did not apply stored snapshot")
	}
	if got := c.Messages(); len(got) != 1 || got[0].ServerID != "s1" {
		t.Errorf("restored list = %v, want [s1]", ids(got))
	}
}

func TestLoadMorePaginates(t *testing.T) {
	h := &fakeHistory{pages: map[int]*rest.HistoryPage{
		1: {Messages: []store.Message{msg("", "s2", "bob", 200)}, HasMore: true},
		2: {Messages: []store.Message{msg("", "s1", "bob", 100)}},
	}}
	c, _, _, _ := newTestCache(t, h)
	if _, err := c.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if !c.HasMore() {
		t.Fatal("HasMore = false after page 1 with more")
	}

	got, err := c.LoadMore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"s1", "s2"}; len(got) != 2 || got[0].ServerID != want[0] || got[1].ServerID != want[1] {
		t.Fatalf("after LoadMore = %v, want %v", ids(got), want)
	}
	if c.HasMore() {
		t.Error("HasMore = true after final page")
	}
}
