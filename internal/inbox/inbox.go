package inbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/presence"
	"github.com/matheus3301/pulse/internal/store"
)

// Lister is the REST surface the inbox reads from.
type Lister interface {
	Conversations(ctx context.Context) ([]store.Conversation, error)
	UnreadCount(ctx context.Context) (int, error)
}

// Service is the single place UI layers query for the conversation list and
// unread totals. Each refresh also feeds the presence tracker a full
// snapshot, since the list endpoint carries per-partner online flags.
type Service struct {
	lister   Lister
	presence *presence.Tracker
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	convs  []store.Conversation
	unread int
	unsub  func()
}

func NewService(l Lister, tr *presence.Tracker, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{lister: l, presence: tr, bus: b, logger: logger.Named("inbox")}
}

// Start refreshes the inbox whenever the connection (re)establishes, so the
// list and presence snapshot are fresh after every reconnect.
func (s *Service) Start() {
	s.unsub = s.bus.Subscribe("conn.connected", func(bus.Event) {
		if _, err := s.Refresh(context.Background()); err != nil {
			s.logger.Warn("inbox refresh failed", zap.Error(err))
		}
	})
}

func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// Refresh fetches the conversation list and unread total, updates the cached
// copies and applies the embedded presence flags as a snapshot.
func (s *Service) Refresh(ctx context.Context) ([]store.Conversation, error) {
	convs, err := s.lister.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := s.lister.UnreadCount(ctx)
	if err != nil {
		s.logger.Warn("unread count fetch failed", zap.Error(err))
		unread = -1
	}

	s.mu.Lock()
	s.convs = convs
	if unread >= 0 {
		s.unread = unread
	}
	s.mu.Unlock()

	recs := make([]store.PresenceRecord, 0, len(convs))
	for _, conv := range convs {
		recs = append(recs, store.PresenceRecord{UserID: conv.PartnerID, IsOnline: conv.IsOnline})
	}
	s.presence.ApplySnapshot(recs)

	s.bus.Publish(bus.Event{Kind: "inbox.updated", Payload: s.Conversations()})
	return convs, nil
}

// Conversations returns the last fetched conversation list.
func (s *Service) Conversations() []store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Unread returns the last fetched total unread count.
func (s *Service) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}
