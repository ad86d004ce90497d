package atproto

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bnema/bsky-accounts-cli/internal/adapters/atproto/pdstest"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceDID = "did:plc:alice"

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *eventRecorder) record(event domain.SessionEvent, _ *domain.AtpSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []domain.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionEvent(nil), r.events...)
}

func newTestPDS(t *testing.T) *pdstest.Server {
	t.Helper()

	pds := pdstest.New(t)
	pds.AddAccount(pdstest.Account{DID: aliceDID, Handle: "alice.test", Email: "alice@example.com", EmailConfirmed: true})
	return pds
}

func loginAlice(t *testing.T, pds *pdstest.Server) (*Agent, *eventRecorder) {
	t.Helper()

	factory := NewFactory(pds.Client(), zerolog.Nop())
	agent, err := factory.Login(context.Background(), ports.LoginRequest{
		Service:    pds.URL,
		Identifier: "alice.test",
		Password:   pdstest.DefaultPassword,
	})
	require.NoError(t, err)
	t.Cleanup(agent.Dispose)

	events := &eventRecorder{}
	agent.OnSessionChange(events.record)
	return agent.(*Agent), events
}

func TestFactoryLoginInstallsSession(t *testing.T) {
	pds := newTestPDS(t)
	agent, events := loginAlice(t, pds)

	session, ok := agent.Session()
	require.True(t, ok)
	assert.Equal(t, domain.DID(aliceDID), session.DID)
	assert.Equal(t, "alice.test", session.Handle)
	assert.Equal(t, "alice@example.com", session.Email)
	assert.True(t, session.EmailConfirmed)
	assert.True(t, session.Active)
	assert.NotEmpty(t, session.AccessJwt)
	assert.NotEmpty(t, session.RefreshJwt)
	assert.Equal(t, pds.URL, agent.PdsURL())
	assert.Equal(t, pds.URL, agent.Service())
	assert.Empty(t, events.snapshot())
}

func TestFactoryLoginErrors(t *testing.T) {
	pds := newTestPDS(t)
	pds.AddAccount(pdstest.Account{DID: "did:plc:bob", Handle: "bob.test", EmailAuthFactor: true, AuthFactorToken: "123456"})
	factory := NewFactory(pds.Client(), zerolog.Nop())

	testCases := []struct {
		name string
		req  ports.LoginRequest
		want error
	}{
		{name: "bad password", req: ports.LoginRequest{Identifier: "alice.test", Password: "nope"}, want: domain.ErrAuthenticationFailed},
		{name: "unknown account", req: ports.LoginRequest{Identifier: "nobody.test", Password: pdstest.DefaultPassword}, want: domain.ErrAuthenticationFailed},
		{name: "auth factor required", req: ports.LoginRequest{Identifier: "bob.test", Password: pdstest.DefaultPassword}, want: domain.ErrAuthFactorTokenRequired},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Service = pds.URL
			agent, err := factory.Login(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, domain.ErrCreateFailed)
			assert.Nil(t, agent)

			var xrpcErr *XRPCError
			assert.True(t, errors.As(err, &xrpcErr))
		})
	}
}

func TestFactoryLoginTakendownAccountCarriesStatus(t *testing.T) {
	pds := newTestPDS(t)
	pds.AddAccount(pdstest.Account{DID: "did:plc:dave", Handle: "dave.test", Status: string(domain.AccountStatusTakendown)})

	agent, err := NewFactory(pds.Client(), zerolog.Nop()).Login(context.Background(), ports.LoginRequest{
		Service:    pds.URL,
		Identifier: "dave.test",
		Password:   pdstest.DefaultPassword,
	})
	require.NoError(t, err)
	t.Cleanup(agent.Dispose)

	session, ok := agent.Session()
	require.True(t, ok)
	assert.Equal(t, domain.DID("did:plc:dave"), session.DID)
	assert.Equal(t, domain.AccountStatusTakendown, session.Status)
	assert.False(t, session.Active)
	assert.Equal(t, 1, pds.Calls(nsidCreateSession))

	client, err := newXRPCClient(pds.Client(), pds.URL, "")
	require.NoError(t, err)
	_, err = comatproto.ServerCreateSession(context.Background(), client, &comatproto.ServerCreateSession_Input{
		Identifier: "dave.test",
		Password:   pdstest.DefaultPassword,
	})
	require.ErrorIs(t, wrapError(context.Background(), nsidCreateSession, err), domain.ErrServiceRejected)
}

func TestFactoryLoginWithAuthFactorToken(t *testing.T) {
	pds := newTestPDS(t)
	pds.AddAccount(pdstest.Account{DID: "did:plc:bob", Handle: "bob.test", EmailAuthFactor: true, AuthFactorToken: "123456"})

	agent, err := NewFactory(pds.Client(), zerolog.Nop()).Login(context.Background(), ports.LoginRequest{
		Service:         pds.URL,
		Identifier:      "bob.test",
		Password:        pdstest.DefaultPassword,
		AuthFactorToken: "123456",
	})
	require.NoError(t, err)
	t.Cleanup(agent.Dispose)

	session, ok := agent.Session()
	require.True(t, ok)
	assert.True(t, session.EmailAuthFactor)
}

func TestFactoryLoginNetworkFailureIsTransient(t *testing.T) {
	pds := newTestPDS(t)
	url := pds.URL
	pds.Close()

	_, err := NewFactory(http.DefaultClient, zerolog.Nop()).Login(context.Background(), ports.LoginRequest{
		Service:    url,
		Identifier: "alice.test",
		Password:   pdstest.DefaultPassword,
	})
	require.ErrorIs(t, err, domain.ErrNetworkUnavailable)
	assert.True(t, domain.Transient(err))
}

func TestFactoryCreateAccount(t *testing.T) {
	pds := newTestPDS(t)

	agent, err := NewFactory(pds.Client(), zerolog.Nop()).CreateAccount(context.Background(), ports.CreateAccountRequest{
		Service:  pds.URL,
		Email:    "carol@example.com",
		Password: "s3cret",
		Handle:   "carol.test",
	})
	require.NoError(t, err)
	t.Cleanup(agent.Dispose)

	session, ok := agent.Session()
	require.True(t, ok)
	assert.Equal(t, domain.DID("did:plc:carol"), session.DID)
	assert.Equal(t, "carol.test", session.Handle)
	assert.Equal(t, "carol@example.com", session.Email)
	assert.Equal(t, pds.URL, agent.PdsURL())
}

func TestFactoryCreateAccountHandleTaken(t *testing.T) {
	pds := newTestPDS(t)

	_, err := NewFactory(pds.Client(), zerolog.Nop()).CreateAccount(context.Background(), ports.CreateAccountRequest{
		Service:  pds.URL,
		Email:    "other@example.com",
		Password: "s3cret",
		Handle:   "alice.test",
	})
	require.Error(t, err)

	var xrpcErr *XRPCError
	require.True(t, errors.As(err, &xrpcErr))
	assert.Equal(t, "HandleNotAvailable", xrpcErr.Name)
}

func TestAgentQueryRefreshesExpiredAccessToken(t *testing.T) {
	pds := newTestPDS(t)
	agent, events := loginAlice(t, pds)
	before, _ := agent.Session()

	pds.ExpireAccessTokens()

	var out struct {
		DID    domain.DID `json:"did"`
		Handle string     `json:"handle"`
	}
	require.NoError(t, agent.Query(context.Background(), nsidGetSession, nil, &out))
	assert.Equal(t, domain.DID(aliceDID), out.DID)
	assert.Equal(t, "alice.test", out.Handle)

	after, ok := agent.Session()
	require.True(t, ok)
	assert.NotEqual(t, before.AccessJwt, after.AccessJwt)
	assert.NotEqual(t, before.RefreshJwt, after.RefreshJwt)
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventUpdate}, events.snapshot())
	assert.Equal(t, 1, pds.Calls(nsidRefreshSession))
	assert.Equal(t, 2, pds.Calls(nsidGetSession))
}

func TestAgentConcurrentQueriesShareOneRefresh(t *testing.T) {
	pds := newTestPDS(t)
	agent, _ := loginAlice(t, pds)

	pds.ExpireAccessTokens()
	release := pds.Hold(nsidRefreshSession)

	const callers = 5
	errs := make(chan error, callers)
	for range callers {
		go func() {
			errs <- agent.Query(context.Background(), nsidGetSession, nil, nil)
		}()
	}

	require.Eventually(t, func() bool {
		return pds.Calls(nsidGetSession) == callers && pds.Calls(nsidRefreshSession) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	release()

	for range callers {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, pds.Calls(nsidRefreshSession))
}

func TestAgentRejectedRefreshExpiresSession(t *testing.T) {
	pds := newTestPDS(t)
	agent, events := loginAlice(t, pds)

	pds.RevokeSessions(aliceDID)

	err := agent.Query(context.Background(), nsidGetSession, nil, nil)
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	_, ok := agent.Session()
	assert.False(t, ok)
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventExpired}, events.snapshot())

	err = agent.Query(context.Background(), nsidGetSession, nil, nil)
	require.Error(t, err)
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventExpired}, events.snapshot())
}

func TestAgentTransientFailureKeepsSession(t *testing.T) {
	pds := newTestPDS(t)
	agent, events := loginAlice(t, pds)

	pds.FailNext(nsidGetSession, http.StatusServiceUnavailable, "", 1)

	err := agent.Query(context.Background(), nsidGetSession, nil, nil)
	require.ErrorIs(t, err, domain.ErrNetworkUnavailable)

	_, ok := agent.Session()
	assert.True(t, ok)
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventNetworkError}, events.snapshot())
}

func TestAgentResumeSession(t *testing.T) {
	pds := newTestPDS(t)
	accessJwt, refreshJwt := pds.IssueSession(aliceDID)

	agent := NewFactory(pds.Client(), zerolog.Nop()).Restore(domain.Account{
		Service:    pds.URL,
		DID:        aliceDID,
		Handle:     "old-handle.test",
		AccessJwt:  accessJwt,
		RefreshJwt: refreshJwt,
	})
	t.Cleanup(agent.Dispose)
	events := &eventRecorder{}
	agent.OnSessionChange(events.record)

	require.NoError(t, agent.ResumeSession(context.Background()))

	session, ok := agent.Session()
	require.True(t, ok)
	assert.Equal(t, "alice.test", session.Handle)
	assert.Equal(t, accessJwt, session.AccessJwt)
	assert.Equal(t, pds.URL, agent.PdsURL())
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventUpdate}, events.snapshot())
}

func TestAgentResumeRevokedSessionExpires(t *testing.T) {
	pds := newTestPDS(t)
	accessJwt, refreshJwt := pds.IssueSession(aliceDID)
	pds.RevokeSessions(aliceDID)

	agent := NewFactory(pds.Client(), zerolog.Nop()).Restore(domain.Account{
		Service:    pds.URL,
		DID:        aliceDID,
		AccessJwt:  accessJwt,
		RefreshJwt: refreshJwt,
	})
	t.Cleanup(agent.Dispose)
	events := &eventRecorder{}
	agent.OnSessionChange(events.record)

	err := agent.ResumeSession(context.Background())
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventExpired}, events.snapshot())

	require.ErrorIs(t, agent.ResumeSession(context.Background()), domain.ErrNoSession)
}

func TestAgentDisposeAbortsInFlightRequests(t *testing.T) {
	pds := newTestPDS(t)
	agent, events := loginAlice(t, pds)

	release := pds.Hold(nsidGetSession)
	t.Cleanup(release)

	errs := make(chan error, 1)
	go func() {
		errs <- agent.Query(context.Background(), nsidGetSession, nil, nil)
	}()

	require.Eventually(t, func() bool {
		return pds.Calls(nsidGetSession) == 1
	}, 2*time.Second, 5*time.Millisecond)
	agent.Dispose()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("query not aborted by Dispose")
	}

	assert.True(t, agent.Disposed())
	_, ok := agent.Session()
	assert.False(t, ok)
	assert.Empty(t, events.snapshot())
	require.ErrorIs(t, agent.Query(context.Background(), nsidGetSession, nil, nil), domain.ErrAgentDisposed)
	require.ErrorIs(t, agent.ResumeSession(context.Background()), domain.ErrAgentDisposed)
}

func TestAgentLogoutRevokesSession(t *testing.T) {
	pds := newTestPDS(t)
	agent, events := loginAlice(t, pds)
	session, _ := agent.Session()

	require.NoError(t, agent.Logout(context.Background()))

	_, ok := agent.Session()
	assert.False(t, ok)
	assert.Empty(t, events.snapshot())
	assert.Equal(t, 1, pds.Calls(nsidDeleteSession))

	restored := NewFactory(pds.Client(), zerolog.Nop()).Restore(domain.Account{
		Service:    pds.URL,
		DID:        aliceDID,
		AccessJwt:  "stale",
		RefreshJwt: session.RefreshJwt,
	})
	t.Cleanup(restored.Dispose)
	require.ErrorIs(t, restored.ResumeSession(context.Background()), domain.ErrSessionExpired)
}

func TestPublicAgentSendsNoToken(t *testing.T) {
	pds := newTestPDS(t)
	agent := NewFactory(pds.Client(), zerolog.Nop()).Public(pds.URL)
	t.Cleanup(agent.Dispose)

	_, ok := agent.Session()
	assert.False(t, ok)

	err := agent.Query(context.Background(), nsidGetSession, nil, nil)
	require.ErrorIs(t, err, domain.ErrNoSession)
	require.ErrorIs(t, agent.Logout(context.Background()), domain.ErrNoSession)
}
