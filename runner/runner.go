// Package runner drives outbox relays in the background. A runner competes
// for a leader lock, drains the backlog once elected, and then relays on
// every NOTIFY wakeup with a poll interval as the safety net for missed
// notifications.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/duna-oss/deltic-sub000/dlock"
	"github.com/duna-oss/deltic-sub000/outbox"
)

var (
	ErrAlreadyStarted = errors.New("runner: already started")
	// ErrListenerLost marks a notification subscription that ended outside
	// of a clean shutdown.
	ErrListenerLost = errors.New("runner: notification listener lost")
)

const (
	DefaultPollInterval = 2500 * time.Millisecond
	DefaultLockRetry    = 1000 * time.Millisecond
)

// Options tune a runner. Zero values fall back to the defaults above.
type Options struct {
	// Channel is the NOTIFY channel to wake up on. Empty disables listening
	// and the runner relies on polling alone.
	Channel      string
	PollInterval time.Duration
	LockRetry    time.Duration
	Logger       zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LockRetry <= 0 {
		o.LockRetry = DefaultLockRetry
	}
	return o
}

// Runner relays a single outbox. At most one runner per mutex is active at a
// time; the others keep retrying the lock and take over when the leader
// stops.
//
// When the runner's collaborators are database-backed (advisory mutex,
// runtime listener, SQL repositories), Start must be called inside a pgctx
// session.
type Runner struct {
	relay    *outbox.Relay
	mutex    dlock.Mutex
	listener Listener
	opts     Options
	log      zerolog.Logger

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(relay *outbox.Relay, mutex dlock.Mutex, listener Listener, opts Options) *Runner {
	opts = opts.withDefaults()
	return &Runner{
		relay:    relay,
		mutex:    mutex,
		listener: listener,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "outbox_runner").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start blocks until Stop is called, the context ends, or a fatal error: the
// first relay failure and a lost notification subscription both terminate
// the runner and surface here, for a supervisor to restart. It returns
// ErrAlreadyStarted when the runner is already running.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer r.started.Store(false)

	acquired, err := r.acquire(ctx)
	if err != nil || !acquired {
		return err
	}
	defer func() {
		if err := r.mutex.Unlock(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn().Err(err).Msg("failed to release leader lock")
		}
	}()

	trigger := make(chan struct{}, 1)
	var (
		sub     Subscription
		subDead chan struct{}
	)
	if r.listener != nil && r.opts.Channel != "" {
		sub, err = r.listener.Listen(ctx, r.opts.Channel)
		if err != nil {
			return fmt.Errorf("runner: listen on %q: %w", r.opts.Channel, err)
		}
		defer sub.Close()
		subDead = make(chan struct{})
		go forward(sub, trigger, r.stop, subDead)
	}

	return r.run(ctx, sub, trigger, subDead)
}

// Stop asks a blocked Start to return. Safe to call more than once and
// before Start.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runner) acquire(ctx context.Context) (bool, error) {
	for {
		ok, err := r.mutex.TryLock(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			r.log.Info().Msg("leader lock acquired")
			return true, nil
		}
		select {
		case <-r.stop:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.opts.LockRetry):
		}
	}
}

func (r *Runner) run(ctx context.Context, sub Subscription, trigger <-chan struct{}, subDead <-chan struct{}) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := drain(ctx, r.relay, r.log); err != nil {
			return err
		}
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-subDead:
			return subscriptionLost(ctx, r.stop, sub)
		case <-trigger:
		case <-ticker.C:
		}
	}
}

// forward turns listener notifications into trigger tokens. The buffered
// trigger doubles as the dirty flag: a notification arriving while a batch
// is being processed parks one token, so the loop runs again right after.
// When the subscription's channel closes, dead is closed to report it.
func forward(sub Subscription, trigger chan<- struct{}, stop <-chan struct{}, dead chan<- struct{}) {
	for {
		select {
		case _, ok := <-sub.Notifications():
			if !ok {
				close(dead)
				return
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		case <-stop:
			return
		}
	}
}

// subscriptionLost classifies why the notification stream ended. A close
// during shutdown is clean; anything else is fatal, because a runner that
// cannot hear notifications also cannot tell whether its database session,
// and with it the leader lock, is still alive.
func subscriptionLost(ctx context.Context, stop <-chan struct{}, sub Subscription) error {
	select {
	case <-stop:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sub.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrListenerLost, err)
	}
	return ErrListenerLost
}

func drain(ctx context.Context, relay *outbox.Relay, log zerolog.Logger) error {
	for {
		n, err := relay.RelayBatch(ctx)
		if err != nil {
			return fmt.Errorf("runner: relay batch (%d relayed): %w", n, err)
		}
		if n > 0 {
			log.Debug().Int("relayed", n).Msg("relayed batch")
		}
		if n < relay.BatchSize {
			return nil
		}
	}
}
