package live

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fetchTimeout bounds the single entity fetch a worker performs per
// insert/update event. While the fetch runs no other event for the topic is
// processed; that serializes renders per topic.
const fetchTimeout = 5 * time.Second

type deliverResult int

const (
	deliverOK deliverResult = iota
	deliverGone
	deliverStalled
)

// subscriber is one viewer's end of the fan-out. The worker is the sole
// writer to events; the HTTP side is the sole reader. done is closed by the
// transport when the viewer disconnects.
type subscriber struct {
	events chan Event
	done   <-chan struct{}
}

func (s *subscriber) deliver(ev Event) deliverResult {
	select {
	case <-s.done:
		return deliverGone
	default:
	}
	select {
	case s.events <- ev:
		deliveriesTotal.Inc()
		return deliverOK
	case <-s.done:
		return deliverGone
	default:
		// Buffer full: the consumer stalled long enough to be written off.
		return deliverStalled
	}
}

// worker serves one topic. Its subs map is touched only inside run's
// goroutine; the router reaches it through events, regs and stop.
type worker struct {
	topic    Topic
	log      zerolog.Logger
	source   MessageSource
	renderer Renderer
	opts     Options

	events chan ChangeEvent
	regs   chan registration
	stop   chan struct{}
	done   chan struct{}

	// Router-side channels: idle reports an empty subscriber set, register
	// takes back registrations that raced into a retiring worker.
	idle          chan<- idleNotice
	register      chan<- registration
	routerStopped <-chan struct{}

	// regsSent counts registrations forwarded into regs; owned by the
	// router goroutine. regsSeen counts registrations taken out of regs;
	// owned by the worker goroutine. They meet only inside an idleNotice.
	regsSent uint64
	regsSeen uint64

	subs map[uuid.UUID]*subscriber
}

func (r *Router) spawnWorker(topic Topic) *worker {
	w := &worker{
		topic:         topic,
		log:           r.log.With().Stringer("server_id", topic.ServerID).Stringer("channel_id", topic.ChannelID).Logger(),
		source:        r.source,
		renderer:      r.renderer,
		opts:          r.opts,
		events:        make(chan ChangeEvent, 1),
		regs:          make(chan registration, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		idle:          r.idle,
		register:      r.register,
		routerStopped: r.stopped,
		subs:          make(map[uuid.UUID]*subscriber),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		activeSubscribers.Sub(float64(len(w.subs)))
	}()

	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if w.opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(w.opts.IdleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	for {
		select {
		case <-w.stop:
			w.drainRegistrations()
			return
		case ev := <-w.events:
			w.handleEvent(ev)
			if len(w.subs) == 0 {
				w.resetIdle(idleTimer)
			}
		case reg := <-w.regs:
			w.regsSeen++
			w.handleRegistration(reg)
			w.resetIdle(idleTimer)
		case <-idleC:
			if len(w.subs) == 0 {
				select {
				case w.idle <- idleNotice{channelID: w.topic.ChannelID, regs: w.regsSeen}:
				default:
				}
			}
			idleTimer.Reset(w.opts.IdleTimeout)
		}
	}
}

func (w *worker) resetIdle(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(w.opts.IdleTimeout)
}

// drainRegistrations hands any registration that raced into a retiring
// worker back to the router, which will spawn a fresh worker for it.
func (w *worker) drainRegistrations() {
	for {
		select {
		case reg := <-w.regs:
			go func(reg registration) {
				select {
				case w.register <- reg:
				case <-w.routerStopped:
				case <-reg.done:
				}
			}(reg)
		default:
			return
		}
	}
}

func (w *worker) handleRegistration(reg registration) {
	// Re-registration replaces the previous stream; closing it tells the
	// superseded reader its feed has ended.
	if old, ok := w.subs[reg.viewer]; ok {
		close(old.events)
	} else {
		activeSubscribers.Inc()
	}
	sub := &subscriber{
		events: make(chan Event, w.opts.SubscriberBuffer),
		done:   reg.done,
	}
	w.subs[reg.viewer] = sub
	reg.reply <- &Subscription{topic: w.topic, viewer: reg.viewer, events: sub.events}
	w.log.Debug().Stringer("viewer_id", reg.viewer).Msg("subscriber registered")
}

func (w *worker) handleEvent(ev ChangeEvent) {
	eventsTotal.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case KindInsert, KindUpdate:
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		msg, err := w.source.Message(ctx, ev.MessageID)
		cancel()
		if err != nil {
			w.log.Error().Err(err).Stringer("message_id", ev.MessageID).Stringer("kind", ev.Kind).Msg("message fetch failed, skipping event")
			return
		}
		var dead []prunedSub
		for viewer, sub := range w.subs {
			data, err := w.renderer.Message(msg, viewer, w.topic, ev.Kind == KindUpdate)
			if err != nil {
				// This viewer misses this one event; they stay registered.
				w.log.Error().Err(err).Stringer("viewer_id", viewer).Stringer("message_id", ev.MessageID).Msg("render failed for subscriber")
				continue
			}
			if res := sub.deliver(Event{Name: "message", Data: data}); res != deliverOK {
				dead = append(dead, prunedSub{viewer, sub, res})
			}
		}
		w.prune(dead)

	case KindDelete:
		out := Event{Name: "message", Data: w.renderer.Deleted(ev.MessageID)}
		var dead []prunedSub
		for viewer, sub := range w.subs {
			if res := sub.deliver(out); res != deliverOK {
				dead = append(dead, prunedSub{viewer, sub, res})
			}
		}
		w.prune(dead)
	}
}

type prunedSub struct {
	viewer uuid.UUID
	sub    *subscriber
	res    deliverResult
}

// prune removes dead subscribers after a full delivery pass, never while
// iterating the set. Closing the delivery channel is what lets the transport
// see the drop; the worker is the channel's sole writer, so this is safe.
func (w *worker) prune(dead []prunedSub) {
	for _, d := range dead {
		delete(w.subs, d.viewer)
		close(d.sub.events)
		activeSubscribers.Dec()
		reason := "disconnected"
		if d.res == deliverStalled {
			reason = "stalled"
		}
		droppedSubscribersTotal.WithLabelValues(reason).Inc()
		w.log.Debug().Stringer("viewer_id", d.viewer).Str("reason", reason).Msg("pruned subscriber")
	}
}
