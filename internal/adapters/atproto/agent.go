package atproto

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	nsidCreateSession  = "com.atproto.server.createSession"
	nsidCreateAccount  = "com.atproto.server.createAccount"
	nsidGetSession     = "com.atproto.server.getSession"
	nsidRefreshSession = "com.atproto.server.refreshSession"
	nsidDeleteSession  = "com.atproto.server.deleteSession"
)

// Agent is an XRPC client bound to at most one session. It refreshes its own
// tokens and reports every session change through the installed callback.
type Agent struct {
	service    string
	httpClient *http.Client
	logger     zerolog.Logger

	// life is cancelled by Dispose, aborting in-flight requests.
	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	session  *domain.AtpSession
	pdsURL   string
	onChange ports.SessionChangeFunc
	disposed bool

	refreshes singleflight.Group
}

var _ ports.Agent = (*Agent)(nil)

func newAgent(service string, httpClient *http.Client, logger zerolog.Logger) *Agent {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	life, cancel := context.WithCancel(context.Background())

	return &Agent{
		service:    service,
		httpClient: httpClient,
		logger:     logger.With().Str("service", service).Logger(),
		life:       life,
		cancel:     cancel,
	}
}

func (a *Agent) Service() string {
	return a.service
}

func (a *Agent) PdsURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pdsURL
}

func (a *Agent) Session() (domain.AtpSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		return domain.AtpSession{}, false
	}
	return *a.session, true
}

func (a *Agent) PatchSession(session domain.AtpSession) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return
	}
	a.session = &session
}

func (a *Agent) OnSessionChange(fn ports.SessionChangeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return
	}
	a.onChange = fn
}

// Dispose drops the session and the callback and aborts in-flight requests.
// A disposed agent never refreshes or reports again.
func (a *Agent) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.session = nil
	a.onChange = nil
	a.mu.Unlock()

	a.cancel()
}

func (a *Agent) Disposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.disposed
}

func (a *Agent) login(ctx context.Context, req ports.LoginRequest) error {
	ctx, done := a.requestContext(ctx)
	defer done()

	client, err := newXRPCClient(a.httpClient, a.service, "")
	if err != nil {
		return err
	}
	// Taken-down accounts still sign in; the restriction travels in Status.
	allowTakendown := true
	out, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier:      req.Identifier,
		Password:        req.Password,
		AuthFactorToken: ref(req.AuthFactorToken),
		AllowTakendown:  &allowTakendown,
	})
	if err != nil {
		a.clearSession(domain.SessionEventCreateFailed)
		return fmt.Errorf("%w: %w", domain.ErrCreateFailed, wrapError(ctx, nsidCreateSession, err))
	}

	session := domain.AtpSession{
		DID:             domain.DID(out.Did),
		Handle:          out.Handle,
		Email:           deref(out.Email),
		EmailConfirmed:  deref(out.EmailConfirmed),
		EmailAuthFactor: deref(out.EmailAuthFactor),
		AccessJwt:       out.AccessJwt,
		RefreshJwt:      out.RefreshJwt,
		Active:          activeOrDefault(out.Active),
		Status:          domain.AccountStatus(deref(out.Status)),
	}
	return a.installSession(session, pdsEndpoint(out.DidDoc), domain.SessionEventCreate)
}

func (a *Agent) createAccount(ctx context.Context, req ports.CreateAccountRequest) error {
	ctx, done := a.requestContext(ctx)
	defer done()

	client, err := newXRPCClient(a.httpClient, a.service, "")
	if err != nil {
		return err
	}
	out, err := comatproto.ServerCreateAccount(ctx, client, &comatproto.ServerCreateAccount_Input{
		Email:             ref(req.Email),
		Password:          ref(req.Password),
		Handle:            req.Handle,
		InviteCode:        ref(req.InviteCode),
		VerificationPhone: ref(req.VerificationPhone),
		VerificationCode:  ref(req.VerificationCode),
	})
	if err != nil {
		a.clearSession(domain.SessionEventCreateFailed)
		return fmt.Errorf("%w: %w", domain.ErrCreateFailed, wrapError(ctx, nsidCreateAccount, err))
	}

	session := domain.AtpSession{
		DID:        domain.DID(out.Did),
		Handle:     out.Handle,
		Email:      req.Email,
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Active:     true,
	}
	return a.installSession(session, pdsEndpoint(out.DidDoc), domain.SessionEventCreate)
}

// ResumeSession revalidates the installed session, refreshing it first if
// the access token expired.
func (a *Agent) ResumeSession(ctx context.Context) error {
	current, ok := a.Session()
	if !ok {
		if a.Disposed() {
			return domain.ErrAgentDisposed
		}
		return domain.ErrNoSession
	}

	var out *comatproto.ServerGetSession_Output
	err := a.authorized(ctx, nsidGetSession, func(ctx context.Context, client *xrpc.Client) error {
		var err error
		out, err = comatproto.ServerGetSession(ctx, client)
		return err
	})
	if err != nil {
		if !domain.Transient(err) && !errors.Is(err, domain.ErrAgentDisposed) && ctx.Err() == nil {
			a.clearSession(domain.SessionEventExpired)
		}
		return err
	}

	latest, ok := a.Session()
	if !ok {
		return domain.ErrNoSession
	}
	latest.DID = domain.DID(out.Did)
	latest.Handle = out.Handle
	latest.Email = deref(out.Email)
	latest.EmailConfirmed = deref(out.EmailConfirmed)
	latest.EmailAuthFactor = deref(out.EmailAuthFactor)
	latest.Active = activeOrDefault(out.Active)
	latest.Status = domain.AccountStatus(deref(out.Status))

	if latest.DID != current.DID {
		return fmt.Errorf("resume session: service returned %s for %s", latest.DID, current.DID)
	}

	return a.installSession(latest, pdsEndpoint(out.DidDoc), domain.SessionEventUpdate)
}

// Query performs an authenticated XRPC query, refreshing the session once
// when the access token is rejected as expired.
func (a *Agent) Query(ctx context.Context, nsid string, params url.Values, out any) error {
	return a.authorized(ctx, nsid, func(ctx context.Context, client *xrpc.Client) error {
		return client.Do(ctx, xrpc.Query, "", nsid, queryParams(params), nil, out)
	})
}

// authorized runs call with the access token, refreshing once on expiry.
func (a *Agent) authorized(ctx context.Context, nsid string, call func(context.Context, *xrpc.Client) error) error {
	ctx, done := a.requestContext(ctx)
	defer done()

	err := a.callWithAccess(ctx, nsid, call)
	if err != nil && expiredToken(err) {
		if err := a.refresh(ctx); err != nil {
			return err
		}
		err = a.callWithAccess(ctx, nsid, call)
	}
	if err != nil && a.life.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrAgentDisposed, err)
	}

	return a.reportNetworkError(err)
}

func (a *Agent) callWithAccess(ctx context.Context, nsid string, call func(context.Context, *xrpc.Client) error) error {
	host, token, err := a.endpoint(func(s domain.AtpSession) string { return s.AccessJwt })
	if err != nil {
		return err
	}
	client, err := newXRPCClient(a.httpClient, host, token)
	if err != nil {
		return err
	}

	return wrapError(ctx, nsid, call(ctx, client))
}

// refresh exchanges the refresh token. Concurrent callers share one exchange
// so a rotating refresh token is consumed once.
func (a *Agent) refresh(ctx context.Context) error {
	_, err, _ := a.refreshes.Do("refresh", func() (any, error) {
		client, err := a.refreshClient()
		if err != nil {
			return nil, err
		}

		out, err := comatproto.ServerRefreshSession(ctx, client)
		if err != nil {
			err = wrapError(ctx, nsidRefreshSession, err)
			if a.Disposed() {
				return nil, domain.ErrAgentDisposed
			}
			if ctx.Err() != nil {
				return nil, err
			}
			if domain.Transient(err) {
				a.emit(domain.SessionEventNetworkError)
				return nil, err
			}
			a.logger.Debug().Err(err).Msg("refresh rejected, dropping session")
			a.clearSession(domain.SessionEventExpired)
			return nil, fmt.Errorf("%w: %w", domain.ErrSessionExpired, err)
		}

		latest, ok := a.Session()
		if !ok {
			return nil, domain.ErrNoSession
		}
		latest.AccessJwt = out.AccessJwt
		latest.RefreshJwt = out.RefreshJwt
		latest.Handle = out.Handle
		if out.Active != nil {
			latest.Active = *out.Active
		}
		latest.Status = domain.AccountStatus(deref(out.Status))

		return nil, a.installSession(latest, pdsEndpoint(out.DidDoc), domain.SessionEventUpdate)
	})

	return err
}

// refreshClient authenticates with the refresh token, which the PDS expects
// as the bearer on refreshSession and deleteSession.
func (a *Agent) refreshClient() (*xrpc.Client, error) {
	host, token, err := a.sessionEndpoint(func(s domain.AtpSession) string { return s.RefreshJwt })
	if err != nil {
		return nil, err
	}
	return newXRPCClient(a.httpClient, host, token)
}

// Logout revokes the session server side and forgets it locally.
func (a *Agent) Logout(ctx context.Context) error {
	ctx, done := a.requestContext(ctx)
	defer done()

	client, err := a.refreshClient()
	if err != nil {
		return err
	}

	err = wrapError(ctx, nsidDeleteSession, comatproto.ServerDeleteSession(ctx, client))

	a.mu.Lock()
	if !a.disposed {
		a.session = nil
	}
	a.mu.Unlock()

	return err
}

// endpoint resolves the host to call and the selected token. The token is
// empty for agents without a session.
func (a *Agent) endpoint(token func(domain.AtpSession) string) (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return "", "", domain.ErrAgentDisposed
	}
	host := a.service
	if a.pdsURL != "" {
		host = a.pdsURL
	}
	if a.session == nil {
		return host, "", nil
	}
	return host, token(*a.session), nil
}

func (a *Agent) sessionEndpoint(token func(domain.AtpSession) string) (string, string, error) {
	host, value, err := a.endpoint(token)
	if err != nil {
		return "", "", err
	}
	if value == "" {
		return "", "", domain.ErrNoSession
	}
	return host, value, nil
}

func (a *Agent) installSession(session domain.AtpSession, pdsURL string, event domain.SessionEvent) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return domain.ErrAgentDisposed
	}
	a.session = &session
	if pdsURL != "" {
		a.pdsURL = pdsURL
	}
	a.mu.Unlock()

	a.emit(event)
	return nil
}

// clearSession forgets the session and reports event, once.
func (a *Agent) clearSession(event domain.SessionEvent) {
	a.mu.Lock()
	if a.disposed || a.session == nil {
		a.mu.Unlock()
		if event == domain.SessionEventCreateFailed {
			a.emit(event)
		}
		return
	}
	a.session = nil
	a.mu.Unlock()

	a.emit(event)
}

// emit calls the callback outside the lock so the receiver may dispose the agent.
func (a *Agent) emit(event domain.SessionEvent) {
	a.mu.Lock()
	if a.disposed || a.onChange == nil {
		a.mu.Unlock()
		return
	}
	fn := a.onChange
	var snapshot *domain.AtpSession
	if a.session != nil {
		copied := *a.session
		snapshot = &copied
	}
	a.mu.Unlock()

	fn(event, snapshot)
}

func (a *Agent) reportNetworkError(err error) error {
	if err != nil && domain.Transient(err) && !errors.Is(err, domain.ErrAgentDisposed) {
		a.emit(domain.SessionEventNetworkError)
	}
	return err
}

// requestContext derives a context that is also cancelled by Dispose.
func (a *Agent) requestContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.life, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func activeOrDefault(active *bool) bool {
	if active == nil {
		return true
	}
	return *active
}
