package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultService = "https://bsky.social"

	persistTimeout = 10 * time.Second
	syncTimeout    = 30 * time.Second
	logoutTimeout  = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("session coordinator already started")

// SessionView is the read-only projection handed to callers.
type SessionView struct {
	Accounts       []domain.Account
	CurrentAccount *domain.Account
	HasSession     bool
}

// Coordinator owns the session state. Account operations run one at a time:
// starting one supersedes whatever operation is still in flight, and a
// superseded operation never touches state.
type Coordinator struct {
	store         ports.SessionStore
	agents        ports.AgentFactory
	lifecycle     *agentLifecycle
	logger        zerolog.Logger
	clock         ports.Clock
	prompter      ports.SignInPrompter
	service       string
	resumeOnStart bool

	mu          sync.Mutex
	state       State
	epoch       uint64
	mounted     bool
	started     bool
	unsubscribe func()
	public      ports.Agent

	watchers    map[int]chan struct{}
	nextWatcher int

	// persistMu serializes store writes, which run outside mu. persisted is
	// the sequence of the newest snapshot written.
	persistMu  sync.Mutex
	persistSeq uint64
	persisted  uint64

	listenersMu   sync.Mutex
	dropListeners map[int]func(domain.DID)
	nextListener  int
}

type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(clock ports.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithSignInPrompter(prompter ports.SignInPrompter) Option {
	return func(c *Coordinator) { c.prompter = prompter }
}

// WithPublicService sets the service used by the anonymous agent.
func WithPublicService(service string) Option {
	return func(c *Coordinator) {
		if service != "" {
			c.service = service
		}
	}
}

// WithResumeOnStart makes Start resume the persisted current account.
func WithResumeOnStart(resume bool) Option {
	return func(c *Coordinator) { c.resumeOnStart = resume }
}

func NewCoordinator(store ports.SessionStore, agents ports.AgentFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		agents:        agents,
		logger:        zerolog.Nop(),
		clock:         ports.SystemClock{},
		service:       DefaultService,
		watchers:      map[int]chan struct{}{},
		dropListeners: map[int]func(domain.DID){},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lifecycle = newAgentLifecycle(agents, c.clock, c.logger)

	return c
}

// Start hydrates the roster from the durable store and subscribes to
// changes written by other instances.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	record, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("load persisted session: %w", err)
	}

	c.mu.Lock()
	c.mounted = true
	c.state = State{Accounts: domain.CloneAccounts(record.Accounts)}
	c.mu.Unlock()

	unsubscribe, err := c.store.OnUpdate(c.onStoreUpdate)
	if err != nil {
		c.mu.Lock()
		c.mounted = false
		c.mu.Unlock()
		return fmt.Errorf("subscribe to session store: %w", err)
	}

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.logger.Debug().Int("accounts", len(record.Accounts)).Str("current", record.CurrentDID().String()).Msg("session hydrated")

	if !c.resumeOnStart {
		return nil
	}
	current, ok := record.SyncedCurrentAccount()
	if !ok || !current.HasSession() {
		return nil
	}
	if err := c.ResumeSession(ctx, current); err != nil {
		c.logger.Warn().Err(err).Str("did", current.DID.String()).Msg("resume persisted session")
	}

	return nil
}

// Close unsubscribes from the store and disposes every agent. Operations
// still in flight are discarded.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.mounted = false
	c.epoch++
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	current := c.state.CurrentAgentState.Agent
	c.state.CurrentAgentState = AgentState{}
	public := c.public
	c.public = nil
	for id, signal := range c.watchers {
		close(signal)
		delete(c.watchers, id)
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if current != nil {
		current.Dispose()
	}
	if public != nil {
		public.Dispose()
	}

	return nil
}

func (c *Coordinator) Login(ctx context.Context, req ports.LoginRequest, logContext string) error {
	epoch, log, err := c.beginTask("login", logContext)
	if err != nil {
		return err
	}
	if req.Service == "" {
		req.Service = c.service
	}

	prepared, err := c.lifecycle.createAgentAndLogin(ctx, req, c.onAgentSessionChange)
	if err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}

	if err := c.switchTo(epoch, prepared); err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}

	log.Info().Str("did", prepared.account.DID.String()).Msg("account:loggedIn")
	return nil
}

func (c *Coordinator) CreateAccount(ctx context.Context, req ports.CreateAccountRequest, logContext string) error {
	epoch, log, err := c.beginTask("createAccount", logContext)
	if err != nil {
		return err
	}
	if req.Service == "" {
		req.Service = c.service
	}

	prepared, err := c.lifecycle.createAgentAndCreateAccount(ctx, req, c.onAgentSessionChange)
	if err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}

	if err := c.switchTo(epoch, prepared); err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}

	log.Info().Str("did", prepared.account.DID.String()).Bool("signup_queued", prepared.account.SignupQueued).Msg("account:create:success")
	return nil
}

// ResumeSession binds an agent rebuilt from a stored account.
func (c *Coordinator) ResumeSession(ctx context.Context, account domain.Account) error {
	epoch, log, err := c.beginTask("resumeSession", "")
	if err != nil {
		return err
	}

	prepared, err := c.lifecycle.createAgentAndResume(ctx, account, c.onAgentSessionChange)
	if err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}

	if err := c.switchTo(epoch, prepared); err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}

	log.Debug().Str("did", prepared.account.DID.String()).Msg("method:end")
	return nil
}

func (c *Coordinator) LogoutCurrentAccount(logContext string) error {
	epoch, log, err := c.beginTask("logout", logContext)
	if err != nil {
		return err
	}

	if err := c.dispatchIfCurrent(epoch, LoggedOutCurrentAccount{}); err != nil {
		return err
	}
	log.Info().Str("scope", "current").Msg("account:loggedOut")
	return nil
}

// LogoutEveryAccount strips the session material of every roster entry. The
// bound session is also revoked server side, best effort. An operation
// started during the revoke supersedes it and keeps its own session.
func (c *Coordinator) LogoutEveryAccount(ctx context.Context, logContext string) error {
	epoch, log, err := c.beginTask("logout", logContext)
	if err != nil {
		return err
	}

	c.mu.Lock()
	current := c.state.CurrentAgentState.Agent
	c.mu.Unlock()
	if current != nil {
		revokeCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
		if err := current.Logout(revokeCtx); err != nil {
			log.Warn().Err(err).Msg("revoke session")
		}
		cancel()
	}

	if err := c.dispatchIfCurrent(epoch, LoggedOutEveryAccount{}); err != nil {
		log.Debug().Err(err).Msg("method:end")
		return err
	}
	log.Info().Str("scope", "every").Msg("account:loggedOut")
	return nil
}

func (c *Coordinator) RemoveAccount(did domain.DID) error {
	epoch, log, err := c.beginTask("removeAccount", "")
	if err != nil {
		return err
	}

	if err := c.dispatchIfCurrent(epoch, RemovedAccount{AccountDID: did}); err != nil {
		return err
	}
	log.Info().Str("did", did.String()).Msg("account:removed")
	return nil
}

func (c *Coordinator) Accounts() []domain.Account {
	c.mu.Lock()
	defer c.mu.Unlock()

	return domain.CloneAccounts(c.state.Accounts)
}

func (c *Coordinator) CurrentAccount() (domain.Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.CurrentAccount()
}

func (c *Coordinator) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.state.CurrentAgentState.Anonymous()
}

func (c *Coordinator) Session() SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := SessionView{
		Accounts:   domain.CloneAccounts(c.state.Accounts),
		HasSession: !c.state.CurrentAgentState.Anonymous(),
	}
	if current, ok := c.state.CurrentAccount(); ok {
		view.CurrentAccount = &current
	}
	return view
}

// Agent returns the bound agent, or a public agent when signed out.
// Callers must not keep it across account switches.
func (c *Coordinator) Agent() (ports.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted {
		return nil, domain.ErrNotInProvider
	}
	if agent := c.state.CurrentAgentState.Agent; agent != nil {
		return agent, nil
	}
	if c.public == nil {
		c.public = c.agents.Public(c.service)
	}
	return c.public, nil
}

// RequireAuth runs fn when an account is bound and prompts for sign-in otherwise.
func (c *Coordinator) RequireAuth(fn func()) {
	if c.HasSession() {
		fn()
		return
	}
	if c.prompter != nil {
		c.prompter.PromptSignIn()
	}
}

// OnSessionDropped registers fn for sessions that expired or failed to be
// created on the bound agent.
func (c *Coordinator) OnSessionDropped(fn func(domain.DID)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.dropListeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.dropListeners, id)
	}
}

// Changes delivers the session view after state transitions. Bursts of
// transitions are coalesced. The channel is closed when ctx ends or the
// coordinator closes.
func (c *Coordinator) Changes(ctx context.Context) <-chan SessionView {
	out := make(chan SessionView)
	signal := make(chan struct{}, 1)

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		close(out)
		return out
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = signal
	c.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signal:
				if !ok {
					return
				}
			}

			select {
			case out <- c.Session():
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (c *Coordinator) beginTask(method, logContext string) (uint64, zerolog.Logger, error) {
	log := c.logger.With().
		Str("op", uuid.NewString()).
		Str("method", method).
		Str("log_context", logContext).
		Logger()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted {
		return 0, log, domain.ErrNotInProvider
	}
	c.epoch++
	log.Debug().Uint64("epoch", c.epoch).Msg("method:start")

	return c.epoch, log, nil
}

// switchTo binds prepared unless a newer operation started meanwhile, in
// which case the orphaned agent is disposed.
func (c *Coordinator) switchTo(epoch uint64, prepared preparedAgent) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		prepared.agent.Dispose()
		return domain.ErrNotInProvider
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		prepared.agent.Dispose()
		return domain.ErrOperationSuperseded
	}
	pending := c.dispatchLocked(SwitchedToAccount{NewAgent: prepared.agent, NewAccount: prepared.account})
	c.mu.Unlock()

	c.flush(pending)

	if prepared.revalidate {
		c.lifecycle.revalidateInBackground(prepared.agent, prepared.account.DID)
	}
	return nil
}

// dispatchIfCurrent applies action unless an operation newer than epoch
// started meanwhile.
func (c *Coordinator) dispatchIfCurrent(epoch uint64, action Action) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return domain.ErrNotInProvider
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		return domain.ErrOperationSuperseded
	}
	pending := c.dispatchLocked(action)
	c.mu.Unlock()

	c.flush(pending)
	return nil
}

// pendingWrite is a snapshot of a dirty state awaiting its store write.
type pendingWrite struct {
	seq    uint64
	record domain.PersistedSession
}

// dispatchLocked reduces action and disposes the agent that lost its
// binding. A dirty state is snapshotted once; the caller passes the snapshot
// to flush after releasing mu.
func (c *Coordinator) dispatchLocked(action Action) *pendingWrite {
	previous := c.state.CurrentAgentState.Agent

	next := Reduce(c.state, action)
	dirty := next.NeedsPersist
	next.NeedsPersist = false
	c.state = next

	c.logger.Debug().Str("action", action.actionName()).Bool("persist", dirty).Str("current", next.CurrentAgentState.DID.String()).Msg("session:dispatch")

	var pending *pendingWrite
	if dirty {
		c.persistSeq++
		pending = &pendingWrite{seq: c.persistSeq, record: next.Persisted()}
	}

	if previous != nil && previous != next.CurrentAgentState.Agent {
		previous.Dispose()
		c.logger.Debug().Msg("agent:dispose")
	}

	for _, signal := range c.watchers {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	return pending
}

// flush writes pending unless a newer snapshot reached the store first.
func (c *Coordinator) flush(pending *pendingWrite) {
	if pending == nil {
		return
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if pending.seq <= c.persisted {
		c.logger.Debug().Uint64("seq", pending.seq).Msg("session:persist:stale")
		return
	}
	c.persisted = pending.seq

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.store.Write(ctx, pending.record); err != nil {
		c.logger.Error().Err(err).Msg("persist session")
	}
}

func (c *Coordinator) onAgentSessionChange(agent ports.Agent, accountDID domain.DID, event domain.SessionEvent) {
	var refreshed *domain.Account
	if account, err := agentToAccount(agent); err == nil {
		refreshed = &account
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	bound := c.state.CurrentAgentState
	applies := bound.Agent == agent && bound.DID == accountDID
	pending := c.dispatchLocked(ReceivedAgentEvent{
		Agent:            agent,
		AccountDID:       accountDID,
		SessionEvent:     event,
		RefreshedAccount: refreshed,
	})
	c.mu.Unlock()

	c.flush(pending)

	c.logger.Debug().Str("did", accountDID.String()).Str("event", string(event)).Bool("applied", applies).Msg("agent:event")

	if applies && event.Dropped() {
		c.emitSessionDropped(accountDID)
	}
}

func (c *Coordinator) emitSessionDropped(did domain.DID) {
	c.listenersMu.Lock()
	listeners := make([]func(domain.DID), 0, len(c.dropListeners))
	for _, fn := range c.dropListeners {
		listeners = append(listeners, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(did)
	}
}

// onStoreUpdate reconciles a record written by another instance.
func (c *Coordinator) onStoreUpdate(record domain.PersistedSession) {
	synced, hasSynced := record.SyncedCurrentAccount()

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	pending := c.dispatchLocked(SyncedAccounts{
		SyncedAccounts:   record.Accounts,
		SyncedCurrentDID: record.CurrentDID(),
	})
	bound := c.state.CurrentAgentState
	c.mu.Unlock()

	c.flush(pending)

	c.logger.Debug().Int("accounts", len(record.Accounts)).Str("current", record.CurrentDID().String()).Msg("session:sync")

	if !hasSynced || !synced.HasSession() {
		return
	}

	if synced.DID == bound.DID && bound.Agent != nil {
		bound.Agent.PatchSession(domain.SessionFromAccount(synced))
		c.logger.Debug().Str("did", synced.DID.String()).Msg("agent:patch")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := c.ResumeSession(ctx, synced); err != nil {
		c.logger.Warn().Err(err).Str("did", synced.DID.String()).Msg("resume synced session")
	}
}
