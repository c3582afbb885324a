package live

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// registrationWait bounds how long a caller waits for its delivery channel.
// The worker answers as soon as its loop picks the request up, so hitting
// this means the engine is wedged, not merely busy.
const registrationWait = 5 * time.Second

// Subscription is one viewer's live feed for one topic: a lazily produced,
// non-restartable sequence of rendered events, terminated only by the
// viewer's disconnect (or the topic worker retiring).
type Subscription struct {
	topic  Topic
	viewer uuid.UUID
	events <-chan Event
}

func (s *Subscription) Topic() Topic { return s.topic }

func (s *Subscription) Viewer() uuid.UUID { return s.viewer }

func (s *Subscription) Events() <-chan Event { return s.events }

// Subscribe registers a viewer's interest in a topic and returns the stream
// to read rendered events from. The viewer is considered disconnected when
// ctx is done, so callers must pass the context of the consuming transport.
//
// Engine failures are explicit: ErrRegistrationClosed when the request could
// not be submitted, ErrNoResponse when no delivery channel came back in time.
// If ctx ends first the caller gets its own ctx.Err() back, so a client
// disconnect is never mistaken for an engine fault.
func (r *Router) Subscribe(ctx context.Context, topic Topic, viewer uuid.UUID) (*Subscription, error) {
	reg := registration{
		topic:  topic,
		viewer: viewer,
		done:   ctx.Done(),
		reply:  make(chan *Subscription, 1),
	}

	select {
	case r.register <- reg:
	case <-r.stopped:
		return nil, ErrRegistrationClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(registrationWait)
	defer timer.Stop()
	select {
	case sub := <-reg.reply:
		return sub, nil
	case <-timer.C:
		return nil, ErrNoResponse
	case <-r.stopped:
		return nil, ErrNoResponse
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
