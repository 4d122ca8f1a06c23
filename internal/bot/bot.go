// Package bot is the long-running client runtime: it owns the single
// websocket connection, polls each configured resource category, matches
// asynchronous replies back to their callers, and hands deduplicated items
// to the caller's handlers.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/config"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/federation"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/storage"
)

// ConnState is the connection lifecycle state. It is owned exclusively by
// the runtime and never entered from two code paths concurrently.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateClosingByRequest
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosingByRequest:
		return "closing"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Logger matches the stdlib log.Logger surface the runtime needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Handler processes one fetched entry. Returning an error leaves the
// entry's dedup row unwritten so it is reconsidered the next time it
// surfaces; it never affects other entries in the batch.
type Handler func(ctx context.Context, entry lemmy.Entry, reprocess *ReprocessControl) error

// Options wires a runtime together. Everything the runtime mutates lives
// on the Bot instance itself, so independent runtimes can coexist in one
// process.
type Options struct {
	Config   *config.Config
	Handlers map[lemmy.Category]Handler
	// Backend overrides the store built from Config.Storage.DSN.
	Backend storage.Backend
	Logger  Logger
	// OnConnectFailure is invoked after both transport variants failed in
	// one connect cycle. The reconnect backoff is scheduled regardless.
	OnConnectFailure func(error)
}

// Bot is one runtime instance.
type Bot struct {
	cfg              *config.Config
	log              Logger
	backend          storage.Backend
	handlers         map[lemmy.Category]Handler
	onConnectFailure func(error)
	dial             dialFunc
	pending          *correlator

	reconnectBackoff time.Duration
	authRetryDelay   time.Duration

	mu             sync.Mutex
	state          ConnState
	conn           transport
	authToken      string
	loginInFlight  bool
	started        bool
	closing        bool
	rootCtx        context.Context
	rootCancel     context.CancelFunc
	epochCancel    context.CancelFunc
	reconnectTimer *time.Timer
	policy         *federation.Policy
	inflight       map[lemmy.Category]map[int64]struct{}
	done           chan struct{}
	doneErr        error

	sendMu sync.Mutex
}

// New builds a runtime from options. It does not touch the network.
func New(opts Options) (*Bot, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	for category := range opts.Handlers {
		if !lemmy.ValidCategory(string(category)) {
			return nil, fmt.Errorf("handler registered for unknown category %q", string(category))
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = storage.NewBackendFromDSN(opts.Config.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage backend: %w", err)
		}
	}
	policy, err := federation.NewPolicy(opts.Config.Federation, opts.Config.Instance)
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg:              opts.Config,
		log:              logger,
		backend:          backend,
		handlers:         opts.Handlers,
		onConnectFailure: opts.OnConnectFailure,
		dial:             dialWebsocket,
		pending:          newCorrelator(),
		reconnectBackoff: time.Duration(opts.Config.Connection.ReconnectMinutes) * time.Minute,
		authRetryDelay:   5 * time.Second,
		state:            StateDisconnected,
		policy:           policy,
		inflight:         map[lemmy.Category]map[int64]struct{}{},
		done:             make(chan struct{}),
	}, nil
}

// Start brings the connection up and begins polling. It is idempotent
// while the runtime is already running.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return fmt.Errorf("runtime is shutting down")
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.doneErr = nil
	b.done = make(chan struct{})
	b.rootCtx, b.rootCancel = context.WithCancel(ctx)
	b.mu.Unlock()

	go b.connect()
	return nil
}

// Stop closes the transport and cancels every scheduled fetch loop and
// pending timer. In-flight correlator polls complete or time out on their
// own. Once teardown finishes a later Start works cleanly.
func (b *Bot) Stop() {
	b.shutdown(nil)
}

// Done is closed once the runtime has stopped, either by request or
// fatally. Err reports the fatal cause, if any.
func (b *Bot) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Err returns the fatal error that stopped the runtime, or nil.
func (b *Bot) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doneErr
}

// State returns the current connection lifecycle state.
func (b *Bot) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// UpdateFederation swaps the federation policy, rebuilding the compiled
// matcher. Invoked by the config watcher when the federation section
// changes; items already dispatched are unaffected.
func (b *Bot) UpdateFederation(opts federation.Options) error {
	policy, err := federation.NewPolicy(opts, b.cfg.Instance)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.policy = policy
	b.mu.Unlock()
	b.log.Printf("federation policy updated")
	return nil
}

func (b *Bot) currentPolicy() *federation.Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// shutdown performs the teardown shared by Stop and fatal errors.
func (b *Bot) shutdown(cause error) {
	b.mu.Lock()
	if !b.started || b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.state = StateClosingByRequest
	b.doneErr = cause
	conn := b.conn
	b.conn = nil
	timer := b.reconnectTimer
	b.reconnectTimer = nil
	epochCancel := b.epochCancel
	b.epochCancel = nil
	rootCancel := b.rootCancel
	done := b.done
	b.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if epochCancel != nil {
		epochCancel()
	}
	if rootCancel != nil {
		rootCancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	// Teardown complete; clear the closing flag so a later Start works.
	b.mu.Lock()
	b.closing = false
	b.started = false
	b.state = StateDisconnected
	b.authToken = ""
	b.loginInFlight = false
	b.mu.Unlock()
	close(done)
}

func (b *Bot) fail(cause error) {
	b.log.Printf("fatal: %v", cause)
	b.shutdown(cause)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
