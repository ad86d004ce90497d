// Package pdstest runs an in-process PDS that speaks the handful of
// com.atproto.server procedures the agent uses.
package pdstest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	scopeAccess       = "com.atproto.access"
	scopeSignupQueued = "com.atproto.signupQueued"
	scopeTakendown    = "com.atproto.takendown"
	statusTakendown   = "takendown"
	DefaultPassword   = "hunter2"
	DefaultAccessTTL  = time.Hour
)

type Account struct {
	DID             string
	Handle          string
	Email           string
	EmailConfirmed  bool
	Password        string
	EmailAuthFactor bool
	AuthFactorToken string
	SignupQueued    bool
	Status          string
}

type failure struct {
	status int
	name   string
	times  int
}

type Server struct {
	*httptest.Server

	AccessTTL time.Duration
	Now       func() time.Time

	mu       sync.Mutex
	accounts []*Account
	access   map[string]string
	refresh  map[string]string
	calls    map[string]int
	failures map[string]*failure
	holds    map[string]chan struct{}
	seq      int
}

// New starts a server closed on test cleanup.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		AccessTTL: DefaultAccessTTL,
		Now:       time.Now,
		access:    map[string]string{},
		refresh:   map[string]string{},
		calls:     map[string]int{},
		failures:  map[string]*failure{},
		holds:     map[string]chan struct{}{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)

	return s
}

// AddAccount registers an account. An empty password defaults to DefaultPassword.
func (s *Server) AddAccount(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.Password == "" {
		account.Password = DefaultPassword
	}
	s.accounts = append(s.accounts, &account)
}

// IssueSession mints a session for did as if it had signed in earlier.
func (s *Server) IssueSession(did string) (accessJwt string, refreshJwt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.lookupLocked(did)
	if account == nil {
		panic(fmt.Sprintf("pdstest: unknown account %s", did))
	}
	return s.issueLocked(account)
}

// Calls counts the requests received for nsid.
func (s *Server) Calls(nsid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[nsid]
}

// FailNext answers the next times requests for nsid with an XRPC error.
func (s *Server) FailNext(nsid string, status int, name string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[nsid] = &failure{status: status, name: name, times: times}
}

// Hold blocks requests for nsid until release is called or the client gives up.
func (s *Server) Hold(nsid string) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gate := make(chan struct{})
	s.holds[nsid] = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[nsid] == gate {
				delete(s.holds, nsid)
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// ExpireAccessTokens makes every access token issued so far unusable.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = map[string]string{}
}

// RevokeSessions drops every token of did.
func (s *Server) RevokeSessions(did string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, owner := range s.access {
		if owner == did {
			delete(s.access, token)
		}
	}
	for token, owner := range s.refresh {
		if owner == did {
			delete(s.refresh, token)
		}
	}
}

// Token builds an unsigned JWT with the claims a PDS puts on access tokens.
func Token(did string, scope string, exp time.Time, jti int) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"at+jwt"}`))
	payload, _ := json.Marshal(map[string]any{
		"sub":   did,
		"scope": scope,
		"exp":   exp.Unix(),
		"iat":   exp.Add(-time.Hour).Unix(),
		"jti":   fmt.Sprintf("%d", jti),
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	nsid := strings.TrimPrefix(r.URL.Path, "/xrpc/")

	s.mu.Lock()
	s.calls[nsid]++
	gate := s.holds[nsid]
	fail := s.failures[nsid]
	if fail != nil {
		fail.times--
		if fail.times <= 0 {
			delete(s.failures, nsid)
		}
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail != nil {
		writeError(w, fail.status, fail.name, "injected failure")
		return
	}

	switch nsid {
	case "com.atproto.server.createSession":
		s.createSession(w, r)
	case "com.atproto.server.createAccount":
		s.createAccount(w, r)
	case "com.atproto.server.getSession":
		s.getSession(w, r)
	case "com.atproto.server.refreshSession":
		s.refreshSession(w, r)
	case "com.atproto.server.deleteSession":
		s.deleteSession(w, r)
	default:
		writeError(w, http.StatusNotImplemented, "MethodNotImplemented", nsid)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier      string `json:"identifier"`
		Password        string `json:"password"`
		AuthFactorToken string `json:"authFactorToken"`
		AllowTakendown  bool   `json:"allowTakendown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.lookupLocked(in.Identifier)
	if account == nil || account.Password != in.Password {
		writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "Invalid identifier or password")
		return
	}
	if account.EmailAuthFactor && in.AuthFactorToken == "" {
		writeError(w, http.StatusUnauthorized, "AuthFactorTokenRequired", "A sign in code has been sent to your email address")
		return
	}
	if account.EmailAuthFactor && in.AuthFactorToken != account.AuthFactorToken {
		writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "Token is invalid")
		return
	}

	if account.Status == statusTakendown && !in.AllowTakendown {
		writeError(w, http.StatusUnauthorized, "AccountTakedown", "Account has been taken down")
		return
	}

	accessJwt, refreshJwt := s.issueLocked(account)
	writeJSON(w, s.sessionBodyLocked(account, map[string]any{
		"accessJwt":  accessJwt,
		"refreshJwt": refreshJwt,
	}))
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Handle   string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupLocked(in.Handle) != nil {
		writeError(w, http.StatusBadRequest, "HandleNotAvailable", "Handle already taken")
		return
	}

	account := &Account{
		DID:      "did:plc:" + strings.ReplaceAll(strings.SplitN(in.Handle, ".", 2)[0], "-", ""),
		Handle:   in.Handle,
		Email:    in.Email,
		Password: in.Password,
	}
	s.accounts = append(s.accounts, account)

	accessJwt, refreshJwt := s.issueLocked(account)
	writeJSON(w, map[string]any{
		"did":        account.DID,
		"handle":     account.Handle,
		"accessJwt":  accessJwt,
		"refreshJwt": refreshJwt,
		"didDoc":     s.didDoc(account.DID),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	did, ok := s.access[bearer(r)]
	if !ok {
		writeError(w, http.StatusBadRequest, "ExpiredToken", "Token has expired")
		return
	}

	writeJSON(w, s.sessionBodyLocked(s.lookupLocked(did), nil))
}

func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := bearer(r)
	did, ok := s.refresh[token]
	if !ok {
		writeError(w, http.StatusBadRequest, "ExpiredToken", "Token has been revoked")
		return
	}
	delete(s.refresh, token)

	account := s.lookupLocked(did)
	accessJwt, refreshJwt := s.issueLocked(account)
	writeJSON(w, map[string]any{
		"did":        account.DID,
		"handle":     account.Handle,
		"accessJwt":  accessJwt,
		"refreshJwt": refreshJwt,
		"didDoc":     s.didDoc(account.DID),
		"active":     true,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := bearer(r)
	if _, ok := s.refresh[token]; !ok {
		writeError(w, http.StatusBadRequest, "InvalidToken", "Token is invalid")
		return
	}
	delete(s.refresh, token)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lookupLocked(identifier string) *Account {
	identifier = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(identifier), "@"))
	for _, account := range s.accounts {
		if strings.ToLower(account.Handle) == identifier || strings.ToLower(account.Email) == identifier || account.DID == identifier {
			return account
		}
	}
	return nil
}

func (s *Server) issueLocked(account *Account) (string, string) {
	s.seq++
	scope := scopeAccess
	switch {
	case account.Status == statusTakendown:
		scope = scopeTakendown
	case account.SignupQueued:
		scope = scopeSignupQueued
	}
	accessJwt := Token(account.DID, scope, s.Now().Add(s.AccessTTL), s.seq)
	refreshJwt := Token(account.DID, "com.atproto.refresh", s.Now().Add(90*24*time.Hour), s.seq)
	s.access[accessJwt] = account.DID
	s.refresh[refreshJwt] = account.DID
	return accessJwt, refreshJwt
}

func (s *Server) sessionBodyLocked(account *Account, extra map[string]any) map[string]any {
	body := map[string]any{
		"did":             account.DID,
		"handle":          account.Handle,
		"email":           account.Email,
		"emailConfirmed":  account.EmailConfirmed,
		"emailAuthFactor": account.EmailAuthFactor,
		"didDoc":          s.didDoc(account.DID),
		"active":          account.Status == "",
	}
	if account.Status != "" {
		body["status"] = account.Status
	}
	for key, value := range extra {
		body[key] = value
	}
	return body
}

func (s *Server) didDoc(did string) map[string]any {
	return map[string]any{
		"id": did,
		"service": []map[string]string{{
			"id":              "#atproto_pds",
			"type":            "AtprotoPersonalDataServer",
			"serviceEndpoint": s.URL,
		}},
	}
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": name, "message": message})
}
