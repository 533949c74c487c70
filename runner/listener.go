package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/duna-oss/deltic-sub000/pgctx"
)

// Notification is one NOTIFY delivery.
type Notification struct {
	Channel string
	Payload string
}

// Listener opens LISTEN subscriptions.
type Listener interface {
	Listen(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers notifications until closed. The channel is closed
// when the subscription ends, whether by Close or by a connection failure;
// Err reports the failure once the channel is closed.
type Subscription interface {
	Notifications() <-chan Notification
	Err() error
	Close() error
}

// RuntimeListener listens on a dedicated connection claimed from a pgctx
// runtime, outside the session freelist. Listen must be called inside a
// session.
type RuntimeListener struct {
	Runtime *pgctx.Runtime
	Logger  zerolog.Logger
}

func (l *RuntimeListener) Listen(ctx context.Context, channel string) (Subscription, error) {
	conn, err := l.Runtime.ClaimFresh(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %q", channel)); err != nil {
		releaseErr := l.Runtime.Release(ctx, conn, err)
		if releaseErr != nil {
			err = fmt.Errorf("%w (release: %w)", err, releaseErr)
		}
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	sub := &runtimeSubscription{
		rt:     l.Runtime,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Notification),
		log:    l.Logger.With().Str("component", "pg_listener").Str("channel", channel).Logger(),
	}
	sub.done.Add(1)
	go sub.wait(waitCtx)
	return sub, nil
}

type runtimeSubscription struct {
	rt     *pgctx.Runtime
	conn   *pgctx.PooledConn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Notification
	log    zerolog.Logger

	closeOnce sync.Once
	done      sync.WaitGroup
	err       error
}

func (s *runtimeSubscription) Notifications() <-chan Notification { return s.out }

// Err is meaningful once the notification channel is closed; the write
// happens before the close.
func (s *runtimeSubscription) Err() error { return s.err }

func (s *runtimeSubscription) wait(ctx context.Context) {
	defer s.done.Done()
	defer close(s.out)
	for {
		channel, payload, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("notification wait failed")
				s.err = err
			}
			return
		}
		select {
		case s.out <- Notification{Channel: channel, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *runtimeSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.done.Wait()
		err = s.rt.Release(context.WithoutCancel(s.ctx), s.conn, context.Canceled)
	})
	return err
}

// PQListener listens through lib/pq's self-reconnecting listener, for
// deployments that keep the notification stream outside the pgx pool.
type PQListener struct {
	ConnInfo     string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Logger       zerolog.Logger
}

func (l *PQListener) Listen(_ context.Context, channel string) (Subscription, error) {
	minRe := l.MinReconnect
	if minRe <= 0 {
		minRe = 10 * time.Second
	}
	maxRe := l.MaxReconnect
	if maxRe <= 0 {
		maxRe = time.Minute
	}
	log := l.Logger.With().Str("component", "pq_listener").Str("channel", channel).Logger()

	pl := pq.NewListener(l.ConnInfo, minRe, maxRe, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("listener event")
		}
	})
	if err := pl.Listen(channel); err != nil {
		pl.Close()
		return nil, err
	}

	sub := &pqSubscription{pl: pl, out: make(chan Notification), closed: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

type pqSubscription struct {
	pl     *pq.Listener
	out    chan Notification
	closed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *pqSubscription) Notifications() <-chan Notification { return s.out }

// Err is always nil: lib/pq reconnects on its own and only closes the
// notification channel when the listener itself is closed.
func (s *pqSubscription) Err() error { return nil }

func (s *pqSubscription) forward() {
	defer close(s.out)
	for n := range s.pl.Notify {
		// nil marks a reconnect; deliver it anyway so the consumer rescans
		// for anything missed while disconnected.
		delivery := Notification{}
		if n != nil {
			delivery = Notification{Channel: n.Channel, Payload: n.Extra}
		}
		select {
		case s.out <- delivery:
		case <-s.closed:
			return
		}
	}
}

func (s *pqSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.pl.Close()
	})
	return s.closeErr
}
