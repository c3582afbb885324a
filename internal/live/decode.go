package live

import (
	"fmt"

	"github.com/google/uuid"
)

// uuidTextLen is the length of a canonical textual UUID.
const uuidTextLen = 36

var channelKinds = map[string]Kind{
	"insert_message": KindInsert,
	"update_message": KindUpdate,
	"delete_message": KindDelete,
}

// FeedChannels lists the notification channels the engine understands, in the
// order the feed should LISTEN on them.
func FeedChannels() []string {
	return []string{"insert_message", "update_message", "delete_message"}
}

// DecodeError reports a notification that could not be turned into a
// ChangeEvent. Decode failures are non-fatal: callers log and drop the input.
type DecodeError struct {
	Channel string
	Payload string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode notification on %q: %s", e.Channel, e.Reason)
}

// Decode parses a raw feed notification. The payload must be exactly two
// canonical UUIDs back to back: the message id followed by the channel id.
func Decode(channel, payload string) (ChangeEvent, error) {
	kind, ok := channelKinds[channel]
	if !ok {
		return ChangeEvent{}, &DecodeError{Channel: channel, Payload: payload, Reason: "unrecognized channel"}
	}
	if len(payload) != 2*uuidTextLen {
		return ChangeEvent{}, &DecodeError{Channel: channel, Payload: payload, Reason: fmt.Sprintf("payload is %d bytes, want %d", len(payload), 2*uuidTextLen)}
	}
	messageID, err := uuid.Parse(payload[:uuidTextLen])
	if err != nil {
		return ChangeEvent{}, &DecodeError{Channel: channel, Payload: payload, Reason: fmt.Sprintf("bad message id: %v", err)}
	}
	channelID, err := uuid.Parse(payload[uuidTextLen:])
	if err != nil {
		return ChangeEvent{}, &DecodeError{Channel: channel, Payload: payload, Reason: fmt.Sprintf("bad channel id: %v", err)}
	}
	return ChangeEvent{Kind: kind, MessageID: messageID, ChannelID: channelID}, nil
}
