package live

import (
	"context"

	"github.com/google/uuid"

	"chatd/internal/store"
)

// Kind is the closed set of change kinds announced by the storage layer.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is one decoded row-level change from the feed. It is handed to
// exactly one worker, the one serving ChannelID.
type ChangeEvent struct {
	Kind      Kind
	MessageID uuid.UUID
	ChannelID uuid.UUID
}

// Topic identifies a fan-out group: a channel within its owning server. The
// server id is needed to render correct links inside delivered snippets.
type Topic struct {
	ServerID  uuid.UUID
	ChannelID uuid.UUID
}

// Event is one rendered unit delivered to a subscriber's stream. Name is the
// SSE event name the browser swaps on.
type Event struct {
	Name string
	Data string
}

// MessageSource fetches the affected entity for insert/update changes. It is
// read-only from the engine's perspective and safe for concurrent use.
type MessageSource interface {
	Message(ctx context.Context, id uuid.UUID) (*store.Message, error)
}

// Renderer produces subscriber-specific payloads. Message may fail per
// subscriber; Deleted is content-independent and cannot fail.
type Renderer interface {
	Message(msg *store.Message, viewer uuid.UUID, topic Topic, oob bool) (string, error)
	Deleted(id uuid.UUID) string
}
