package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatd/internal/store"
)

type fakeSource struct {
	mu    sync.Mutex
	msgs  map[uuid.UUID]*store.Message
	err   error
	delay time.Duration
	calls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{msgs: make(map[uuid.UUID]*store.Message)}
}

func (f *fakeSource) add(msg *store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[msg.ID] = msg
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) slow(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeSource) Message(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	msg, ok := f.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

// fakeRenderer encodes everything a test needs to assert on into the payload.
type fakeRenderer struct {
	mu      sync.Mutex
	failFor uuid.UUID
}

func (f *fakeRenderer) failViewer(v uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor = v
}

func (f *fakeRenderer) Message(msg *store.Message, viewer uuid.UUID, topic Topic, oob bool) (string, error) {
	f.mu.Lock()
	failFor := f.failFor
	f.mu.Unlock()
	if viewer == failFor {
		return "", errors.New("render broke for this viewer")
	}
	ownership := "other"
	if msg.Author == viewer {
		ownership = "own"
	}
	return fmt.Sprintf("%s|%s|%s|oob=%v", msg.ID, viewer, ownership, oob), nil
}

func (f *fakeRenderer) Deleted(id uuid.UUID) string {
	return "deleted|" + id.String()
}

func startRouter(t *testing.T, source MessageSource, renderer Renderer, opts Options) (*Router, context.CancelFunc) {
	t.Helper()
	r := NewRouter(zerolog.Nop(), source, renderer, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r, cancel
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, sub *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(wait):
	}
}

// expectClosed asserts the stream has ended: the engine closed the delivery
// channel so the transport can see the subscriber was dropped.
func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the stream to end")
	}
}

func dispatch(t *testing.T, r *Router, ev ChangeEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func testTopic() Topic {
	return Topic{ServerID: uuid.New(), ChannelID: uuid.New()}
}

func TestEventBeforeAnyRegistrationIsDropped(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	early := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(early)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: early.ID, ChannelID: topic.ChannelID})

	// No worker existed, so no fetch may have happened either.
	sub, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	expectNoEvent(t, sub, 100*time.Millisecond)
	if n := source.fetches(); n != 0 {
		t.Fatalf("%d fetches for a dropped event, want 0", n)
	}

	late := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(late)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: late.ID, ChannelID: topic.ChannelID})
	ev := recvEvent(t, sub)
	if want := late.ID.String(); !strings.Contains(ev.Data, want) {
		t.Fatalf("event %q does not carry message %s", ev.Data, want)
	}
}

func TestTwoSubscribersSeeOwnership(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	author := uuid.New()
	other := uuid.New()
	msg := &store.Message{ID: uuid.New(), Author: author}
	source.add(msg)

	subAuthor, err := r.Subscribe(context.Background(), topic, author)
	if err != nil {
		t.Fatalf("subscribe author: %v", err)
	}
	subOther, err := r.Subscribe(context.Background(), topic, other)
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: msg.ID, ChannelID: topic.ChannelID})

	evAuthor := recvEvent(t, subAuthor)
	if !strings.Contains(evAuthor.Data, "|own|") {
		t.Fatalf("author's event lacks ownership flag: %q", evAuthor.Data)
	}
	evOther := recvEvent(t, subOther)
	if !strings.Contains(evOther.Data, "|other|") {
		t.Fatalf("other viewer's event claims ownership: %q", evOther.Data)
	}
	expectNoEvent(t, subAuthor, 50*time.Millisecond)
	expectNoEvent(t, subOther, 50*time.Millisecond)
	if n := source.fetches(); n != 1 {
		t.Fatalf("%d fetches for one event, want 1 shared fetch", n)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	sub, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m1 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	m2 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(m1)
	source.add(m2)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m1.ID, ChannelID: topic.ChannelID})
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m2.ID, ChannelID: topic.ChannelID})

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	if !strings.Contains(first.Data, m1.ID.String()) || !strings.Contains(second.Data, m2.ID.String()) {
		t.Fatalf("order violated: got %q then %q", first.Data, second.Data)
	}
}

func TestUpdateCarriesOutOfBandFlag(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	sub, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msg := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(msg)

	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: msg.ID, ChannelID: topic.ChannelID})
	if ev := recvEvent(t, sub); !strings.Contains(ev.Data, "oob=false") {
		t.Fatalf("insert rendered out of band: %q", ev.Data)
	}
	dispatch(t, r, ChangeEvent{Kind: KindUpdate, MessageID: msg.ID, ChannelID: topic.ChannelID})
	if ev := recvEvent(t, sub); !strings.Contains(ev.Data, "oob=true") {
		t.Fatalf("update not rendered out of band: %q", ev.Data)
	}
}

func TestDeleteNeedsNoFetchAndIsIdentical(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	sub1, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub2, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	id := uuid.New()
	dispatch(t, r, ChangeEvent{Kind: KindDelete, MessageID: id, ChannelID: topic.ChannelID})

	ev1 := recvEvent(t, sub1)
	ev2 := recvEvent(t, sub2)
	if ev1.Data != ev2.Data {
		t.Fatalf("delete payloads differ: %q vs %q", ev1.Data, ev2.Data)
	}
	if want := "deleted|" + id.String(); ev1.Data != want {
		t.Fatalf("delete payload %q, want %q", ev1.Data, want)
	}
	if n := source.fetches(); n != 0 {
		t.Fatalf("%d fetches for a delete, want 0", n)
	}
}

func TestDisconnectedSubscriberIsPruned(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	goneCtx, goneCancel := context.WithCancel(context.Background())
	subGone, err := r.Subscribe(goneCtx, topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subStays, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	goneCancel()

	m1 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	m2 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(m1)
	source.add(m2)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m1.ID, ChannelID: topic.ChannelID})
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m2.ID, ChannelID: topic.ChannelID})

	if ev := recvEvent(t, subStays); !strings.Contains(ev.Data, m1.ID.String()) {
		t.Fatalf("surviving subscriber got %q, want message %s", ev.Data, m1.ID)
	}
	if ev := recvEvent(t, subStays); !strings.Contains(ev.Data, m2.ID.String()) {
		t.Fatalf("surviving subscriber got %q, want message %s", ev.Data, m2.ID)
	}
	expectClosed(t, subGone)
}

func TestRenderFailureSkipsOnlyThatSubscriber(t *testing.T) {
	source := newFakeSource()
	renderer := &fakeRenderer{}
	r, _ := startRouter(t, source, renderer, Options{})

	topic := testTopic()
	unlucky := uuid.New()
	lucky := uuid.New()
	renderer.failViewer(unlucky)

	subUnlucky, err := r.Subscribe(context.Background(), topic, unlucky)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subLucky, err := r.Subscribe(context.Background(), topic, lucky)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m1 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(m1)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m1.ID, ChannelID: topic.ChannelID})
	recvEvent(t, subLucky)
	expectNoEvent(t, subUnlucky, 50*time.Millisecond)

	// The failing subscriber stays registered and catches the next event.
	renderer.failViewer(uuid.Nil)
	m2 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(m2)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m2.ID, ChannelID: topic.ChannelID})
	if ev := recvEvent(t, subUnlucky); !strings.Contains(ev.Data, m2.ID.String()) {
		t.Fatalf("recovered subscriber got %q, want message %s", ev.Data, m2.ID)
	}
}

func TestFetchFailureSkipsWholeEvent(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	sub, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	source.fail(errors.New("database on fire"))
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: uuid.New(), ChannelID: topic.ChannelID})
	expectNoEvent(t, sub, 100*time.Millisecond)

	source.fail(nil)
	msg := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(msg)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: msg.ID, ChannelID: topic.ChannelID})
	recvEvent(t, sub)
}

func TestSubscribeAfterRouterStopped(t *testing.T) {
	r, cancel := startRouter(t, newFakeSource(), &fakeRenderer{}, Options{})
	cancel()
	<-r.stopped

	_, err := r.Subscribe(context.Background(), testTopic(), uuid.New())
	if !errors.Is(err, ErrRegistrationClosed) {
		t.Fatalf("subscribe after stop: %v, want ErrRegistrationClosed", err)
	}
}

func TestSubscribeWithDeadContext(t *testing.T) {
	r, _ := startRouter(t, newFakeSource(), &fakeRenderer{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Subscribe(ctx, testTopic(), uuid.New())
	if err == nil {
		t.Fatalf("subscribe with canceled context succeeded")
	}
	// The caller's own cancellation must not be reported as an engine fault.
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe with canceled context: %v, want context.Canceled", err)
	}
}

func TestStalledSubscriberIsPruned(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{SubscriberBuffer: 1})

	topic := testTopic()
	stalled, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	active, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Three events; the stalled reader never drains, so its cap-1 buffer
	// overflows on the second and it gets written off.
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		m := &store.Message{ID: uuid.New(), Author: uuid.New()}
		source.add(m)
		ids = append(ids, m.ID)
		dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m.ID, ChannelID: topic.ChannelID})
	}
	for _, id := range ids {
		if ev := recvEvent(t, active); !strings.Contains(ev.Data, id.String()) {
			t.Fatalf("active subscriber got %q, want message %s", ev.Data, id)
		}
	}
	// The stalled subscriber holds exactly the one buffered event; after
	// draining it, the closed channel tells the transport the feed is dead.
	recvEvent(t, stalled)
	expectClosed(t, stalled)
}

func TestIdleWorkerIsRetired(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{IdleTimeout: 20 * time.Millisecond})

	topic := testTopic()
	ctx, cancelSub := context.WithCancel(context.Background())
	if _, err := r.Subscribe(ctx, topic, uuid.New()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancelSub()

	// The disconnect is noticed on the next delivery pass; the empty worker
	// then idles out.
	msg := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(msg)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: msg.ID, ChannelID: topic.ChannelID})
	time.Sleep(200 * time.Millisecond)

	// A fresh registration must get a fresh, working worker.
	sub, err := r.Subscribe(context.Background(), topic, uuid.New())
	if err != nil {
		t.Fatalf("subscribe after retirement: %v", err)
	}
	m2 := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(m2)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: m2.ID, ChannelID: topic.ChannelID})
	if ev := recvEvent(t, sub); !strings.Contains(ev.Data, m2.ID.String()) {
		t.Fatalf("post-retirement subscriber got %q, want message %s", ev.Data, m2.ID)
	}
}

// A worker whose idle notice is already queued must not be retired out from
// under a registration it accepted in the meantime. The test wedges the
// router on a slow topic so the idle notice and the registration pile up,
// then checks the new subscription is live whichever the router drains first.
func TestRegistrationRacingIdleNoticeSurvives(t *testing.T) {
	for i := 0; i < 8; i++ {
		source := newFakeSource()
		r, _ := startRouter(t, source, &fakeRenderer{}, Options{IdleTimeout: 20 * time.Millisecond})

		topicA := testTopic()
		topicB := testTopic()

		// Empty out topic A's worker so its idle timer is running.
		ctxA, cancelA := context.WithCancel(context.Background())
		if _, err := r.Subscribe(ctxA, topicA, uuid.New()); err != nil {
			t.Fatalf("subscribe A: %v", err)
		}
		cancelA()
		mA := &store.Message{ID: uuid.New(), Author: uuid.New()}
		source.add(mA)
		dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: mA.ID, ChannelID: topicA.ChannelID})

		if _, err := r.Subscribe(context.Background(), topicB, uuid.New()); err != nil {
			t.Fatalf("subscribe B: %v", err)
		}

		// Wedge the router: topic B's worker fetches slowly, its capacity-1
		// inbox fills, and the third event blocks the router loop long enough
		// for A's idle notice to queue up.
		source.slow(150 * time.Millisecond)
		for j := 0; j < 3; j++ {
			mB := &store.Message{ID: uuid.New(), Author: uuid.New()}
			source.add(mB)
			dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: mB.ID, ChannelID: topicB.ChannelID})
		}
		time.Sleep(50 * time.Millisecond)

		sub, err := r.Subscribe(context.Background(), topicA, uuid.New())
		if err != nil {
			t.Fatalf("subscribe A during idle race: %v", err)
		}

		source.slow(0)
		mA2 := &store.Message{ID: uuid.New(), Author: uuid.New()}
		source.add(mA2)
		dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: mA2.ID, ChannelID: topicA.ChannelID})
		if ev := recvEvent(t, sub); !strings.Contains(ev.Data, mA2.ID.String()) {
			t.Fatalf("subscription registered during idle race got %q, want message %s", ev.Data, mA2.ID)
		}
	}
}

func TestReRegistrationEndsPreviousStream(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topic := testTopic()
	viewer := uuid.New()
	first, err := r.Subscribe(context.Background(), topic, viewer)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := r.Subscribe(context.Background(), topic, viewer)
	if err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}

	expectClosed(t, first)

	msg := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(msg)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: msg.ID, ChannelID: topic.ChannelID})
	if ev := recvEvent(t, second); !strings.Contains(ev.Data, msg.ID.String()) {
		t.Fatalf("replacement stream got %q, want message %s", ev.Data, msg.ID)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	source := newFakeSource()
	r, _ := startRouter(t, source, &fakeRenderer{}, Options{})

	topicA := testTopic()
	topicB := testTopic()
	subA, err := r.Subscribe(context.Background(), topicA, uuid.New())
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	subB, err := r.Subscribe(context.Background(), topicB, uuid.New())
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	msg := &store.Message{ID: uuid.New(), Author: uuid.New()}
	source.add(msg)
	dispatch(t, r, ChangeEvent{Kind: KindInsert, MessageID: msg.ID, ChannelID: topicA.ChannelID})

	if ev := recvEvent(t, subA); !strings.Contains(ev.Data, msg.ID.String()) {
		t.Fatalf("topic A subscriber got %q", ev.Data)
	}
	expectNoEvent(t, subB, 100*time.Millisecond)
}
