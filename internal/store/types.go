package store

// Status is a message delivery status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders delivery statuses so stale or duplicate transitions can
// be detected. Failed is terminal and handled separately.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Before reports whether s precedes other in the delivery progression.
// Failed never precedes anything: once failed, a message stays failed.
func (s Status) Before(other Status) bool {
	if s == StatusFailed || other == StatusFailed {
		return s != StatusFailed && other == StatusFailed
	}
	return statusRank[s] < statusRank[other]
}

// Terminal reports whether no further ack is awaited for s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead || s == StatusFailed
}

// Message is a chat message as held in the conversation cache.
// CorrelationID is assigned client-side at send time and is stable for the
// message's lifetime; ServerID is empty until the server acknowledges.
type Message struct {
	CorrelationID  string
	ServerID       string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string
	Type           string
	Status         Status
	CreatedAt      int64 // unix milliseconds
}

// Same reports whether two messages refer to the same logical message,
// matching by correlation id first and server id second.
func (m *Message) Same(other *Message) bool {
	if m.CorrelationID != "" && m.CorrelationID == other.CorrelationID {
		return true
	}
	return m.ServerID != "" && m.ServerID == other.ServerID
}

// Conversation summarizes a peer conversation for inbox listings.
type Conversation struct {
	PartnerID   string
	PartnerName string
	LastMessage string
	LastAt      int64
	UnreadCount int
	IsOnline    bool
}

// PresenceRecord is the tracked online state for one user.
type PresenceRecord struct {
	UserID   string
	IsOnline bool
	LastSeen int64 // unix milliseconds, zero if unknown
}

// JournalEntry is a recorded send intent with its latest observed status.
type JournalEntry struct {
	ID             int64
	CorrelationID  string
	ServerID       string
	ConversationID string
	Body           string
	Type           string
	Status         Status
	ErrorMessage   string
}
