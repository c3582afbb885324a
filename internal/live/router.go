package live

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// registration asks a topic's worker to add a viewer and hand a fresh
// delivery channel back through reply. reply has capacity 1 so the worker's
// single send never blocks; if the caller abandoned the request the value is
// discarded with the channel.
type registration struct {
	topic  Topic
	viewer uuid.UUID
	done   <-chan struct{}
	reply  chan *Subscription
}

// Options tune the engine. The zero value gets sensible defaults.
type Options struct {
	// SubscriberBuffer is the delivery channel capacity per subscriber. A
	// subscriber whose buffer is full at delivery time is treated as gone.
	SubscriberBuffer int

	// IdleTimeout tears down a worker whose subscriber set has been empty
	// for this long. Zero keeps workers for the life of the process.
	IdleTimeout time.Duration
}

const defaultSubscriberBuffer = 32

// idleNotice is a worker's claim that its subscriber set has been empty for
// a full idle period. regs is the number of registrations the worker had
// received when it made the claim; the router compares it against the number
// it has forwarded, so a notice that raced with a registration is stale and
// must not retire the worker.
type idleNotice struct {
	channelID uuid.UUID
	regs      uint64
}

// Router owns the topic directory. The map of running workers is touched
// only inside Run's goroutine; everything else reaches it through channels.
type Router struct {
	log      zerolog.Logger
	source   MessageSource
	renderer Renderer
	opts     Options

	events   chan ChangeEvent
	register chan registration
	idle     chan idleNotice
	stopped  chan struct{}
}

func NewRouter(log zerolog.Logger, source MessageSource, renderer Renderer, opts Options) *Router {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Router{
		log:      log,
		source:   source,
		renderer: renderer,
		opts:     opts,
		events:   make(chan ChangeEvent, 1),
		register: make(chan registration, 4),
		idle:     make(chan idleNotice, 1),
		stopped:  make(chan struct{}),
	}
}

// Dispatch hands a decoded change event to the router. It blocks only while
// the router is momentarily busy, and fails instead of hanging once the
// router has stopped.
func (r *Router) Dispatch(ctx context.Context, ev ChangeEvent) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single owner of the topic directory. It routes events and
// registrations to per-topic workers, spawning them lazily on first
// registration, and retires workers that report themselves idle.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.stopped)
	workers := make(map[uuid.UUID]*worker)
	defer func() {
		for _, w := range workers {
			close(w.stop)
		}
		activeTopics.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-r.events:
			w, ok := workers[ev.ChannelID]
			if !ok {
				// No subscriber has ever asked for this topic.
				routeMissesTotal.Inc()
				r.log.Debug().Stringer("channel_id", ev.ChannelID).Stringer("kind", ev.Kind).Msg("no worker for channel, dropping event")
				continue
			}
			select {
			case w.events <- ev:
			case <-w.done:
				// Worker died underneath us; next registration recreates it.
				delete(workers, ev.ChannelID)
				activeTopics.Dec()
				r.log.Error().Stringer("channel_id", ev.ChannelID).Msg("worker inbox unexpectedly closed, dropping event")
			case <-ctx.Done():
				return ctx.Err()
			}

		case reg := <-r.register:
			w, ok := workers[reg.topic.ChannelID]
			if ok {
				select {
				case w.regs <- reg:
					w.regsSent++
					continue
				case <-w.done:
					delete(workers, reg.topic.ChannelID)
					activeTopics.Dec()
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			w = r.spawnWorker(reg.topic)
			workers[reg.topic.ChannelID] = w
			activeTopics.Inc()
			// Fresh worker, empty capacity-1 inbox: this cannot block.
			w.regs <- reg
			w.regsSent++

		case n := <-r.idle:
			w, ok := workers[n.channelID]
			if !ok {
				continue
			}
			if n.regs != w.regsSent {
				// A registration raced past the notice; the worker already
				// accepted it and is no longer idle. It will report again if
				// it empties out.
				continue
			}
			delete(workers, n.channelID)
			activeTopics.Dec()
			close(w.stop)
			r.log.Info().Stringer("channel_id", n.channelID).Msg("retiring idle worker")
		}
	}
}
