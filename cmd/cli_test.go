package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/adapters/atproto/pdstest"
	"github.com/bnema/bsky-accounts-cli/internal/application"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginThenStatusShowsCurrentAccount(t *testing.T) {
	home := setupCLI(t)

	stdout, _, err := executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)
	assert.Equal(t, "Signed in as @alice.test (did:plc:alice)\n", stdout)

	stdout, _, err = executeCLI(t, home, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "accounts: 1")
	assert.Contains(t, stdout, "* @alice.test (did:plc:alice)")
	assert.Contains(t, stdout, "session: signed in")
}

func TestLoginKeepsTokensOutOfSessionFile(t *testing.T) {
	home := setupCLI(t)

	_, _, err := executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(home, ".bsky", "session.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "did:plc:alice")
	assert.NotContains(t, string(content), "eyJ")

	entries, err := os.ReadDir(filepath.Join(home, ".bsky", "secrets"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestLoginReadsPasswordFromEnvironment(t *testing.T) {
	home := setupCLI(t)
	t.Setenv(passwordEnv, pdstest.DefaultPassword)

	stdout, _, err := executeCLI(t, home, "login", "@alice.test")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Signed in as @alice.test")
}

func TestLoginReadsPasswordFromStdin(t *testing.T) {
	home := setupCLI(t)

	stdout, stderr, err := executeCLIWithInput(t, home, strings.NewReader(pdstest.DefaultPassword+"\n"), "login", "alice.test")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Password: ")
	assert.Contains(t, stdout, "Signed in as @alice.test")
}

func TestLoginRejectsBadPassword(t *testing.T) {
	home := setupCLI(t)

	_, _, err := executeCLI(t, home, "login", "alice.test", "--password", "wrong")
	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	stdout, _, err := executeCLI(t, home, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No accounts yet.")
}

func TestLoginRequiresPassword(t *testing.T) {
	home := setupCLI(t)

	_, _, err := executeCLIWithInput(t, home, strings.NewReader(""), "login", "alice.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password is required")
}

func TestLoginAuthFactorToken(t *testing.T) {
	home := t.TempDir()
	pds := startPDS(t, home)
	pds.AddAccount(pdstest.Account{DID: "did:plc:bob", Handle: "bob.test", EmailAuthFactor: true, AuthFactorToken: "123456"})

	_, _, err := executeCLI(t, home, "login", "bob.test", "--password", pdstest.DefaultPassword)
	require.ErrorIs(t, err, domain.ErrAuthFactorTokenRequired)
	assert.Contains(t, err.Error(), "--auth-factor-token")

	stdout, _, err := executeCLI(t, home, "login", "bob.test", "--password", pdstest.DefaultPassword, "--auth-factor-token", "123456")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Signed in as @bob.test")
}

func TestStatusJSONOutput(t *testing.T) {
	home := setupCLI(t)
	_, _, err := executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "status", "--json")
	require.NoError(t, err)
	require.True(t, json.Valid([]byte(stdout)))

	var statuses []application.Status
	require.NoError(t, json.Unmarshal([]byte(stdout), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.DID("did:plc:alice"), statuses[0].Account.DID)
	assert.True(t, statuses[0].Current)
	assert.True(t, statuses[0].SignedIn)
	assert.Empty(t, statuses[0].Account.AccessJwt)
	assert.Empty(t, statuses[0].Account.RefreshJwt)
}

func TestLoginTakendownAccountBindsWithRestriction(t *testing.T) {
	home := t.TempDir()
	pds := startPDS(t, home)
	pds.AddAccount(pdstest.Account{DID: "did:plc:dave", Handle: "dave.test", Status: string(domain.AccountStatusTakendown)})

	stdout, stderr, err := executeCLI(t, home, "login", "dave.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Signed in as @dave.test")

	stdout, _, err = executeCLI(t, home, "status", "--json")
	require.NoError(t, err)

	var statuses []application.Status
	require.NoError(t, json.Unmarshal([]byte(stdout), &statuses))
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Current)
	assert.True(t, statuses[0].SignedIn)
	assert.Equal(t, domain.AccountStatusTakendown, statuses[0].Account.Status)
	assert.Equal(t, domain.StatusLabel(domain.AccountStatusTakendown), statuses[0].StatusText)
}

func TestStatusVerboseShowsDetails(t *testing.T) {
	home := setupCLI(t)
	_, _, err := executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "status", "-v")
	require.NoError(t, err)
	assert.Contains(t, stdout, "service:")
	assert.Contains(t, stdout, "email: alice@example.com")
}

func TestAccountSwitchBetweenSignedInAccounts(t *testing.T) {
	home := setupCLI(t)
	loginAll(t, home)

	stdout, _, err := executeCLI(t, home, "account", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "  did:plc:alice\t@alice.test\tsigned in")
	assert.Contains(t, stdout, "* did:plc:carol\t@carol.test\tsigned in")

	stdout, _, err = executeCLI(t, home, "account", "switch", "alice.test")
	require.NoError(t, err)
	assert.Equal(t, "Now using @alice.test (did:plc:alice)\n", stdout)

	stdout, _, err = executeCLI(t, home, "account", "switch", "did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, "Already using @alice.test (did:plc:alice)\n", stdout)

	stdout, _, err = executeCLI(t, home, "account", "list")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "* did:plc:alice"), stdout)
}

func TestAccountSwitchToSignedOutAccountFails(t *testing.T) {
	home := setupCLI(t)
	loginAll(t, home)

	_, _, err := executeCLI(t, home, "logout", "--all")
	require.NoError(t, err)

	_, _, err = executeCLI(t, home, "account", "switch", "alice.test")
	require.ErrorIs(t, err, domain.ErrNoSession)
	assert.Contains(t, err.Error(), "bsa login alice.test")
}

func TestAccountRemove(t *testing.T) {
	home := setupCLI(t)
	loginAll(t, home)

	stdout, _, err := executeCLI(t, home, "account", "remove", "@carol.test")
	require.NoError(t, err)
	assert.Equal(t, "Removed @carol.test\n", stdout)

	stdout, _, err = executeCLI(t, home, "account", "list")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "carol")
	assert.NotContains(t, stdout, "*")

	_, _, err = executeCLI(t, home, "account", "remove", "nobody.test")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestAccountCreate(t *testing.T) {
	home := setupCLI(t)

	stdout, _, err := executeCLI(t, home, "account", "create",
		"--email", "dave@example.com",
		"--handle", "dave.test",
		"--password", "s3cret",
	)
	require.NoError(t, err)
	assert.Equal(t, "Created @dave.test (did:plc:dave)\n", stdout)
}

func TestAccountCreateRequiresFlags(t *testing.T) {
	home := setupCLI(t)

	_, _, err := executeCLI(t, home, "account", "create", "--handle", "dave.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag(s) \"email\" not set")
}

func TestLogoutKeepsAccountInRoster(t *testing.T) {
	home := setupCLI(t)
	_, _, err := executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "logout")
	require.NoError(t, err)
	assert.Equal(t, "Signed out of @alice.test\n", stdout)

	stdout, _, err = executeCLI(t, home, "account", "list")
	require.NoError(t, err)
	assert.Equal(t, "  did:plc:alice\t@alice.test\tsigned in\n", stdout)

	stdout, _, err = executeCLI(t, home, "logout")
	require.NoError(t, err)
	assert.Equal(t, "No account is signed in\n", stdout)
}

func TestLogoutAllStripsSessions(t *testing.T) {
	home := setupCLI(t)
	loginAll(t, home)

	stdout, _, err := executeCLI(t, home, "logout", "--all")
	require.NoError(t, err)
	assert.Equal(t, "Signed out of every account\n", stdout)

	stdout, _, err = executeCLI(t, home, "account", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "@alice.test\tsigned out")
	assert.Contains(t, stdout, "@carol.test\tsigned out")
}

func TestWhoami(t *testing.T) {
	home := setupCLI(t)

	_, stderr, err := executeCLI(t, home, "whoami")
	require.ErrorIs(t, err, domain.ErrNoSession)
	assert.Contains(t, stderr, "Not signed in. Run `bsa login` to sign in.")

	_, _, err = executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "whoami")
	require.NoError(t, err)
	assert.Equal(t, "@alice.test (did:plc:alice)\nemail: alice@example.com (confirmed)\n", stdout)
}

func TestWhoamiAfterServerRevokedSession(t *testing.T) {
	home := t.TempDir()
	pds := startPDS(t, home)
	_, _, err := executeCLI(t, home, "login", "alice.test", "--password", pdstest.DefaultPassword)
	require.NoError(t, err)

	pds.RevokeSessions("did:plc:alice")

	_, _, err = executeCLI(t, home, "whoami")
	require.Error(t, err)

	stdout, _, err := executeCLI(t, home, "account", "list")
	require.NoError(t, err)
	assert.Equal(t, "  did:plc:alice\t@alice.test\tsigned out\n", stdout)
}

func TestVersionCommand(t *testing.T) {
	home := setupCLI(t)

	stdout, _, err := executeCLI(t, home, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "bsa "+version.Version+" ("), stdout)
	assert.True(t, strings.HasSuffix(stdout, ")\n"), stdout)
}

func TestUnknownCommand(t *testing.T) {
	home := setupCLI(t)

	_, _, err := executeCLI(t, home, "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command \"frobnicate\"")
}

func TestInvalidConfigurationSurfaces(t *testing.T) {
	home := setupCLI(t)
	t.Setenv("BSA_STORE_BACKEND", "sqlite")

	_, _, err := executeCLI(t, home, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load configuration")
}

func TestFindAccount(t *testing.T) {
	accounts := []domain.Account{
		{DID: "did:plc:alice", Handle: "Alice.test"},
		{DID: "did:plc:bob", Handle: "bob.test"},
	}

	testCases := []struct {
		ref  string
		want domain.DID
	}{
		{ref: "did:plc:bob", want: "did:plc:bob"},
		{ref: "alice.test", want: "did:plc:alice"},
		{ref: "@ALICE.TEST", want: "did:plc:alice"},
		{ref: " bob.test ", want: "did:plc:bob"},
	}
	for _, tc := range testCases {
		account, err := findAccount(accounts, tc.ref)
		require.NoError(t, err, tc.ref)
		assert.Equal(t, tc.want, account.DID, tc.ref)
	}

	_, err := findAccount(accounts, "carol.test")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func setupCLI(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	startPDS(t, home)
	return home
}

// startPDS points the CLI at a fake PDS that knows alice and carol.
func startPDS(t *testing.T, home string) *pdstest.Server {
	t.Helper()

	pds := pdstest.New(t)
	pds.AddAccount(pdstest.Account{DID: "did:plc:alice", Handle: "alice.test", Email: "alice@example.com", EmailConfirmed: true})
	pds.AddAccount(pdstest.Account{DID: "did:plc:carol", Handle: "carol.test", Email: "carol@example.com"})

	t.Setenv("HOME", home)
	t.Setenv("BSA_SERVICE", pds.URL)
	t.Setenv(passwordEnv, "")
	return pds
}

func loginAll(t *testing.T, home string) {
	t.Helper()

	for _, handle := range []string{"alice.test", "carol.test"} {
		_, stderr, err := executeCLI(t, home, "login", handle, "--password", pdstest.DefaultPassword)
		require.NoError(t, err, "stderr: %s", stderr)
	}
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	return executeCLIWithInput(t, home, strings.NewReader(""), args...)
}

func executeCLIWithInput(t *testing.T, home string, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	return executeCLIContext(t, context.Background(), home, stdin, args...)
}

func executeCLIContext(t *testing.T, ctx context.Context, home string, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestWatchReportsCurrentAccountUntilCancelled(t *testing.T) {
	home := setupCLI(t)
	loginAll(t, home)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	stdout, _, err := executeCLIContext(t, ctx, home, strings.NewReader(""), "watch")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "accounts: 2, current: @carol.test\n"), stdout)
}

func TestWatchRosterDrawsAccountTable(t *testing.T) {
	home := setupCLI(t)
	loginAll(t, home)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stdout, _, err := executeCLIContext(t, ctx, home, strings.NewReader(""), "watch", "--roster")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Bluesky Accounts")
}

func TestDescribeView(t *testing.T) {
	alice := domain.Account{DID: "did:plc:alice", Handle: "alice.test"}

	assert.Equal(t, "accounts: 0, current: none", describeView(application.SessionView{}))
	assert.Equal(t, "accounts: 1, current: @alice.test", describeView(application.SessionView{
		Accounts:       []domain.Account{alice},
		CurrentAccount: &alice,
		HasSession:     true,
	}))
}
