// Package feed consumes the Postgres LISTEN/NOTIFY change feed and hands
// decoded change events to the live router.
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"chatd/internal/live"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Dispatcher is the router-facing side of the engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev live.ChangeEvent) error
}

// Listener holds one dedicated connection on LISTEN and forwards every
// decoded notification. Decode failures are logged and dropped; connection
// failures trigger reconnection with exponential backoff.
type Listener struct {
	log    zerolog.Logger
	pool   *pgxpool.Pool
	router Dispatcher
	ready  atomic.Bool
}

func NewListener(log zerolog.Logger, pool *pgxpool.Pool, router Dispatcher) *Listener {
	return &Listener{log: log, pool: pool, router: router}
}

// Ready reports whether the feed connection is currently established.
func (l *Listener) Ready() bool {
	return l.ready.Load()
}

// Run blocks consuming notifications until ctx is canceled or the router
// stops accepting events.
func (l *Listener) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := l.consume(ctx, func() { backoff = initialBackoff })
		l.ready.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == live.ErrStopped {
			return err
		}
		l.log.Error().Err(err).Dur("backoff", backoff).Msg("change feed connection lost, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume takes a connection out of the pool for the lifetime of the
// subscription; a pooled connection must not go back with LISTEN state on it.
func (l *Listener) consume(ctx context.Context, connected func()) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	for _, ch := range live.FeedChannels() {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	l.ready.Store(true)
	connected()
	l.log.Info().Msg("change feed connected")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		notificationsTotal.WithLabelValues(n.Channel).Inc()

		ev, err := live.Decode(n.Channel, n.Payload)
		if err != nil {
			decodeFailuresTotal.Inc()
			l.log.Error().Err(err).Str("channel", n.Channel).Str("payload", n.Payload).Msg("dropping malformed notification")
			continue
		}
		if err := l.router.Dispatch(ctx, ev); err != nil {
			return err
		}
	}
}
