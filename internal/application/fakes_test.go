package application

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testService = "https://pds.example.com"

func testToken(t testing.TB, did domain.DID, scope string, exp time.Time) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   did.String(),
		"scope": scope,
		"exp":   exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func testSession(t testing.TB, did domain.DID, handle string) domain.AtpSession {
	t.Helper()

	return domain.AtpSession{
		DID:        did,
		Handle:     handle,
		Email:      handle + "@example.com",
		AccessJwt:  testToken(t, did, "com.atproto.access", time.Now().Add(time.Hour)),
		RefreshJwt: testToken(t, did, "com.atproto.refresh", time.Now().Add(24*time.Hour)),
		Active:     true,
	}
}

func testAccount(t testing.TB, did domain.DID, handle string) domain.Account {
	t.Helper()

	session := testSession(t, did, handle)
	return domain.Account{
		Service:    testService,
		DID:        did,
		Handle:     handle,
		Email:      session.Email,
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Active:     true,
	}
}

type fakeAgent struct {
	service string

	mu         sync.Mutex
	session    *domain.AtpSession
	onChange   ports.SessionChangeFunc
	disposed   bool
	patches    int
	resumes    int
	logouts    int
	resumeErrs []error
	logoutErr  error

	logoutGate    chan struct{}
	logoutStarted chan struct{}
}

var _ ports.Agent = (*fakeAgent)(nil)

func newFakeAgent(session *domain.AtpSession) *fakeAgent {
	return &fakeAgent{service: testService, session: session}
}

func (a *fakeAgent) Service() string { return a.service }

func (a *fakeAgent) PdsURL() string { return "" }

func (a *fakeAgent) Session() (domain.AtpSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		return domain.AtpSession{}, false
	}
	return *a.session, true
}

func (a *fakeAgent) PatchSession(session domain.AtpSession) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return
	}
	a.patches++
	a.session = &session
}

func (a *fakeAgent) ResumeSession(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return domain.ErrAgentDisposed
	}
	a.resumes++
	if len(a.resumeErrs) == 0 {
		return nil
	}
	err := a.resumeErrs[0]
	a.resumeErrs = a.resumeErrs[1:]
	return err
}

func (a *fakeAgent) OnSessionChange(fn ports.SessionChangeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.disposed {
		a.onChange = fn
	}
}

func (a *fakeAgent) Query(context.Context, string, url.Values, any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return domain.ErrAgentDisposed
	}
	return nil
}

// holdLogout makes the next Logout wait until release is called.
func (a *fakeAgent) holdLogout() (started <-chan struct{}, release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logoutGate = make(chan struct{})
	a.logoutStarted = make(chan struct{})
	gate := a.logoutGate

	var once sync.Once
	return a.logoutStarted, func() { once.Do(func() { close(gate) }) }
}

func (a *fakeAgent) Logout(ctx context.Context) error {
	a.mu.Lock()
	gate, started := a.logoutGate, a.logoutStarted
	a.logoutGate, a.logoutStarted = nil, nil
	a.mu.Unlock()

	if gate != nil {
		close(started)
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.logouts++
	a.session = nil
	return a.logoutErr
}

func (a *fakeAgent) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disposed = true
	a.session = nil
	a.onChange = nil
}

func (a *fakeAgent) isDisposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.disposed
}

func (a *fakeAgent) counts() (patches, resumes, logouts int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.patches, a.resumes, a.logouts
}

// emit replaces the session and reports event the way a real agent does.
func (a *fakeAgent) emit(event domain.SessionEvent, session *domain.AtpSession) {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	if event != domain.SessionEventNetworkError {
		a.session = session
	}
	fn := a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(event, session)
	}
}

type fakeFactory struct {
	t testing.TB

	mu        sync.Mutex
	sessions  map[string]domain.AtpSession
	loginErr  error
	gates     map[string]chan struct{}
	started   chan string
	logins    []*fakeAgent
	restored  []*fakeAgent
	publics   []*fakeAgent
	resumeErr []error
}

var _ ports.AgentFactory = (*fakeFactory)(nil)

func newFakeFactory(t testing.TB) *fakeFactory {
	return &fakeFactory{
		t:        t,
		sessions: map[string]domain.AtpSession{},
		gates:    map[string]chan struct{}{},
		started:  make(chan string, 16),
	}
}

// register makes identifier sign in as did.
func (f *fakeFactory) register(identifier string, did domain.DID) domain.AtpSession {
	session := testSession(f.t, did, identifier)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[identifier] = session
	return session
}

// block holds logins for identifier until the returned func is called.
func (f *fakeFactory) block(identifier string) func() {
	gate := make(chan struct{})

	f.mu.Lock()
	f.gates[identifier] = gate
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeFactory) Login(ctx context.Context, req ports.LoginRequest) (ports.Agent, error) {
	f.mu.Lock()
	gate := f.gates[req.Identifier]
	f.mu.Unlock()

	f.started <- req.Identifier
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loginErr != nil {
		return nil, f.loginErr
	}
	session, ok := f.sessions[req.Identifier]
	if !ok || req.Password != "hunter2" {
		return nil, domain.ErrAuthenticationFailed
	}
	agent := newFakeAgent(&session)
	agent.service = req.Service
	f.logins = append(f.logins, agent)
	return agent, nil
}

func (f *fakeFactory) CreateAccount(_ context.Context, req ports.CreateAccountRequest) (ports.Agent, error) {
	session := testSession(f.t, domain.DID("did:plc:"+req.Handle), req.Handle)
	session.Email = req.Email

	f.mu.Lock()
	defer f.mu.Unlock()

	agent := newFakeAgent(&session)
	agent.service = req.Service
	f.logins = append(f.logins, agent)
	return agent, nil
}

func (f *fakeFactory) Restore(account domain.Account) ports.Agent {
	session := domain.SessionFromAccount(account)

	f.mu.Lock()
	defer f.mu.Unlock()

	agent := newFakeAgent(&session)
	agent.service = account.Service
	agent.resumeErrs = append([]error(nil), f.resumeErr...)
	f.restored = append(f.restored, agent)
	return agent
}

func (f *fakeFactory) Public(service string) ports.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()

	agent := newFakeAgent(nil)
	agent.service = service
	f.publics = append(f.publics, agent)
	return agent
}

func (f *fakeFactory) lastLogin() *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(f.t, f.logins)
	return f.logins[len(f.logins)-1]
}

func (f *fakeFactory) restoredAgents() []*fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeAgent(nil), f.restored...)
}

func (f *fakeFactory) publicCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.publics)
}

type countingPrompter struct {
	mu      sync.Mutex
	prompts int
}

func (p *countingPrompter) PromptSignIn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts++
}

func (p *countingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func refreshedExpiry() time.Time {
	return time.Now().Add(2 * time.Hour)
}

// blockingStore holds writes until release is called.
type blockingStore struct {
	ports.SessionStore

	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newBlockingStore(inner ports.SessionStore) *blockingStore {
	return &blockingStore{SessionStore: inner, entered: make(chan struct{}, 16), gate: make(chan struct{})}
}

func (s *blockingStore) Write(ctx context.Context, session domain.PersistedSession) error {
	s.entered <- struct{}{}
	<-s.gate
	return s.SessionStore.Write(ctx, session)
}

func (s *blockingStore) release() {
	s.once.Do(func() { close(s.gate) })
}
