// Package registry owns the per-bot client state: a lazily constructed
// (cryptobox, identity store, transport) triple per bot id, with exclusive
// acquisition so two requests never interleave against the same session
// state.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/helium-bots/helium/internal/cryptobox"
	"github.com/helium-bots/helium/internal/device"
	"github.com/helium-bots/helium/internal/dispatch"
	"github.com/helium-bots/helium/internal/observability"
	"github.com/helium-bots/helium/internal/state"
	"github.com/helium-bots/helium/internal/statestore/physical"
	"github.com/helium-bots/helium/internal/transport"
)

// initialPreKeyCount is how many one-time pre-keys a freshly provisioned
// bot registers with the service.
const initialPreKeyCount = 50

// BackendFactory builds the record store for one bot. Implementations are
// parameterized only by the backend selection; the bot id becomes the
// store's namespace.
type BackendFactory func(ctx context.Context, botID string) (physical.Backend, error)

// NewBackendFactory returns a factory for the named statestore backend.
func NewBackendFactory(backend string, config map[string]string) BackendFactory {
	return func(ctx context.Context, botID string) (physical.Backend, error) {
		cfg := make(map[string]string, len(config)+1)
		for k, v := range config {
			cfg[k] = v
		}
		cfg["namespace"] = botID
		return physical.New(ctx, backend, cfg)
	}
}

// Registry maps bot ids to their active client state.
type Registry struct {
	apiURL          string
	sessionFactory  BackendFactory
	identityFactory BackendFactory
	transportOpts   []transport.Option
	metrics         *observability.Metrics
	log             *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds one bot's state. sem serializes all dispatcher operations
// for the bot; the fields after it are set on first acquisition.
type entry struct {
	sem sync.Mutex

	built      bool
	box        *cryptobox.Box
	identity   *state.IdentityStore
	session    *state.BotSession
	transport  *transport.Client
	dispatcher *dispatch.Dispatcher
}

// Option configures a Registry.
type Option func(*Registry)

// WithTransportOptions forwards options to every transport client the
// registry builds, mainly for tests.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Registry) { r.transportOpts = opts }
}

// New creates a registry building bot state from the given factories.
func New(apiURL string, sessionFactory, identityFactory BackendFactory, metrics *observability.Metrics, opts ...Option) *Registry {
	r := &Registry{
		apiURL:          apiURL,
		sessionFactory:  sessionFactory,
		identityFactory: identityFactory,
		metrics:         metrics,
		log:             slog.Default().With("component", "registry"),
		entries:         make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle is a scoped, exclusive view of one bot's client state. It must be
// released; releasing does not close the underlying session store.
type Handle struct {
	BotID      string
	Box        cryptobox.Cryptobox
	Identity   *state.IdentityStore
	Session    *state.BotSession
	Transport  *transport.Client
	Dispatcher *dispatch.Dispatcher

	release func()
}

// Release returns the bot's exclusive scope. The handle is unusable after.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

func (r *Registry) entryFor(botID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[botID]
	if !ok {
		e = &entry{}
		r.entries[botID] = e
	}
	return e
}

// Acquire obtains the exclusive handle for a bot, blocking while another
// operation for the same bot is in flight. Bots that were never
// provisioned fail with state.ErrMissingState.
func (r *Registry) Acquire(ctx context.Context, botID string) (*Handle, error) {
	e := r.entryFor(botID)
	e.sem.Lock()

	if err := r.build(ctx, botID, e); err != nil {
		e.sem.Unlock()
		return nil, err
	}

	return &Handle{
		BotID:      botID,
		Box:        e.box,
		Identity:   e.identity,
		Session:    e.session,
		Transport:  e.transport,
		Dispatcher: e.dispatcher,
		release:    e.sem.Unlock,
	}, nil
}

// build constructs the bot's state on first acquisition. Called with the
// entry's scope held.
func (r *Registry) build(ctx context.Context, botID string, e *entry) error {
	if e.built {
		return nil
	}

	identityBackend, err := r.identityFactory(ctx, botID)
	if err != nil {
		return fmt.Errorf("registry: identity store for %s: %w", botID, err)
	}
	identity := state.NewIdentityStore(identityBackend)

	session, err := identity.Load(ctx)
	if err != nil {
		identity.Close()
		return err
	}

	sessionBackend, err := r.sessionFactory(ctx, botID)
	if err != nil {
		identity.Close()
		return fmt.Errorf("registry: session store for %s: %w", botID, err)
	}
	box, err := cryptobox.Open(ctx, sessionBackend)
	if err != nil {
		identity.Close()
		sessionBackend.Close()
		return err
	}

	client := transport.NewClient(r.apiURL, session.Token, r.transportOpts...)

	e.box = box
	e.identity = identity
	e.session = session
	e.transport = client
	e.dispatcher = dispatch.New(box, client, session.ClientID, r.metrics)
	e.built = true

	r.log.DebugContext(ctx, "bot state initialized", "bot", botID)
	return nil
}

// Provision creates a bot's identity record and cryptographic state, and
// returns the last-resort pre-key plus the initial one-time pre-key batch
// to register with the service.
func (r *Registry) Provision(ctx context.Context, session *state.BotSession) (device.PreKey, []device.PreKey, error) {
	e := r.entryFor(session.BotID)
	e.sem.Lock()
	defer e.sem.Unlock()

	identityBackend, err := r.identityFactory(ctx, session.BotID)
	if err != nil {
		return device.PreKey{}, nil, fmt.Errorf("registry: identity store for %s: %w", session.BotID, err)
	}
	identity := state.NewIdentityStore(identityBackend)

	if exists, err := identity.Exists(ctx); err != nil {
		identity.Close()
		return device.PreKey{}, nil, err
	} else if exists {
		identity.Close()
		return device.PreKey{}, nil, fmt.Errorf("registry: bot %s already provisioned", session.BotID)
	}

	if err := identity.Save(ctx, session); err != nil {
		identity.Close()
		return device.PreKey{}, nil, err
	}

	sessionBackend, err := r.sessionFactory(ctx, session.BotID)
	if err != nil {
		identity.Close()
		return device.PreKey{}, nil, fmt.Errorf("registry: session store for %s: %w", session.BotID, err)
	}
	box, err := cryptobox.Open(ctx, sessionBackend)
	if err != nil {
		identity.Close()
		sessionBackend.Close()
		return device.PreKey{}, nil, err
	}

	lastResort, err := box.NewLastResortPreKey(ctx)
	if err != nil {
		identity.Close()
		box.Close()
		return device.PreKey{}, nil, err
	}
	preKeys, err := box.NewPreKeys(ctx, 0, initialPreKeyCount)
	if err != nil {
		identity.Close()
		box.Close()
		return device.PreKey{}, nil, err
	}

	client := transport.NewClient(r.apiURL, session.Token, r.transportOpts...)

	e.box = box
	e.identity = identity
	e.session = session
	e.transport = client
	e.dispatcher = dispatch.New(box, client, session.ClientID, r.metrics)
	e.built = true

	r.log.InfoContext(ctx, "bot provisioned", "bot", session.BotID)
	return lastResort, preKeys, nil
}

// Decommission permanently closes a bot's stores and evicts it. Unlike
// Release, this does close the cryptobox.
func (r *Registry) Decommission(ctx context.Context, botID string) error {
	r.mu.Lock()
	e, ok := r.entries[botID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	// Wait for any in-flight operation, then evict with the entry's scope
	// held: an Acquire racing the eviction must not build a second triple
	// against the same backing store.
	e.sem.Lock()
	defer e.sem.Unlock()

	r.mu.Lock()
	delete(r.entries, botID)
	r.mu.Unlock()

	if !e.built {
		return nil
	}

	var firstErr error
	if err := e.box.Close(); err != nil {
		firstErr = err
	}
	if err := e.identity.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.built = false
	r.log.InfoContext(ctx, "bot decommissioned", "bot", botID)
	return firstErr
}

// Close decommissions every known bot.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Decommission(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
