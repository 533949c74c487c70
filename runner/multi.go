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

// MultiRunner relays several outboxes from one process. All of them share a
// single central NOTIFY channel whose payload names the outbox to wake; each
// outbox still has its own leader lock and poll loop, so one slow table never
// starves the others.
type MultiRunner struct {
	relays   map[string]*outbox.Relay
	locks    dlock.KeyedMutex
	listener Listener
	opts     Options
	log      zerolog.Logger

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewMulti(relays map[string]*outbox.Relay, locks dlock.KeyedMutex, listener Listener, opts Options) *MultiRunner {
	opts = opts.withDefaults()
	return &MultiRunner{
		relays:   relays,
		locks:    locks,
		listener: listener,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "outbox_multi_runner").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start blocks until Stop is called, the context ends, or a fatal error.
// Every relay gets a worker; a worker's relay error and a lost notification
// subscription both stop all of them, and Start returns the joined errors
// for a supervisor to act on.
func (m *MultiRunner) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer m.started.Store(false)

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		m.Stop()
	}

	triggers := make(map[string]chan struct{}, len(m.relays))
	for identifier := range m.relays {
		triggers[identifier] = make(chan struct{}, 1)
	}

	if m.listener != nil && m.opts.Channel != "" {
		sub, err := m.listener.Listen(ctx, m.opts.Channel)
		if err != nil {
			return fmt.Errorf("runner: listen on %q: %w", m.opts.Channel, err)
		}
		defer sub.Close()
		go m.route(ctx, sub, triggers, fail)
	}

	var wg sync.WaitGroup
	for identifier, relay := range m.relays {
		wg.Add(1)
		go func(identifier string, relay *outbox.Relay) {
			defer wg.Done()
			if err := m.work(ctx, identifier, relay, triggers[identifier]); err != nil {
				fail(err)
			}
		}(identifier, relay)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stop asks Start to return. Safe to call more than once and before Start.
func (m *MultiRunner) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// route fans central-channel notifications out to the trigger of the outbox
// named by the payload. Payloads that name no known outbox are dropped. A
// subscription that ends outside of shutdown is fatal for the whole runner.
func (m *MultiRunner) route(ctx context.Context, sub Subscription, triggers map[string]chan struct{}, fail func(error)) {
	wakeAll := func() {
		for _, trigger := range triggers {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
	}
	for {
		select {
		case n, ok := <-sub.Notifications():
			if !ok {
				if err := subscriptionLost(ctx, m.stop, sub); err != nil && ctx.Err() == nil {
					fail(err)
				}
				m.Stop()
				return
			}
			if n.Payload == "" {
				// reconnect marker, rescan everything
				wakeAll()
				continue
			}
			trigger, known := triggers[n.Payload]
			if !known {
				m.log.Debug().Str("payload", n.Payload).Msg("notification for unknown outbox")
				continue
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		case <-m.stop:
			return
		}
	}
}

func (m *MultiRunner) work(ctx context.Context, identifier string, relay *outbox.Relay, trigger <-chan struct{}) error {
	log := m.log.With().Str("outbox", identifier).Logger()

	acquired, err := m.acquire(ctx, identifier)
	if err != nil || !acquired {
		return err
	}
	log.Info().Msg("leader lock acquired")
	defer func() {
		if err := m.locks.Unlock(context.WithoutCancel(ctx), identifier); err != nil {
			log.Warn().Err(err).Msg("failed to release leader lock")
		}
	}()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := drain(ctx, relay, log); err != nil {
			return fmt.Errorf("%s: %w", identifier, err)
		}
		select {
		case <-m.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
		case <-ticker.C:
		}
	}
}

func (m *MultiRunner) acquire(ctx context.Context, identifier string) (bool, error) {
	for {
		ok, err := m.locks.TryLock(ctx, identifier)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-m.stop:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.opts.LockRetry):
		}
	}
}
