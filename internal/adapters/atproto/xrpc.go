package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/version"
)

// XRPCError is an error response from an XRPC endpoint, classified into the
// domain errors the session core understands.
type XRPCError struct {
	StatusCode int
	Name       string
	Message    string
	kind       error
	cause      error
}

func (e *XRPCError) Error() string {
	name := e.Name
	if name == "" {
		name = http.StatusText(e.StatusCode)
	}
	if e.Message == "" {
		return fmt.Sprintf("xrpc %d %s", e.StatusCode, name)
	}
	return fmt.Sprintf("xrpc %d %s: %s", e.StatusCode, name, e.Message)
}

func (e *XRPCError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func classify(statusCode int, name string) error {
	switch name {
	case "ExpiredToken", "InvalidToken":
		return domain.ErrSessionExpired
	case "AuthFactorTokenRequired":
		return domain.ErrAuthFactorTokenRequired
	case "AccountTakedown", "AccountDeactivated", "AccountSuspended":
		return domain.ErrServiceRejected
	case "AuthenticationRequired", "InvalidPassword":
		return domain.ErrAuthenticationFailed
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return domain.ErrAuthenticationFailed
	case statusCode == http.StatusTooManyRequests, statusCode >= http.StatusInternalServerError:
		return domain.ErrNetworkUnavailable
	default:
		return nil
	}
}

// wrapError tags err with the procedure and maps it onto the domain errors.
func wrapError(ctx context.Context, nsid string, err error) error {
	if err == nil {
		return nil
	}

	var callErr *xrpc.Error
	if errors.As(err, &callErr) {
		xrpcErr := &XRPCError{StatusCode: callErr.StatusCode, cause: err}
		var body *xrpc.XRPCError
		if errors.As(callErr.Wrapped, &body) {
			xrpcErr.Name = body.ErrStr
			xrpcErr.Message = body.Message
		}
		xrpcErr.kind = classify(xrpcErr.StatusCode, xrpcErr.Name)
		return fmt.Errorf("%s: %w", nsid, xrpcErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", nsid, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", nsid, domain.ErrNetworkUnavailable, err)
}

func expiredToken(err error) bool {
	var xrpcErr *XRPCError
	return errors.As(err, &xrpcErr) && errors.Is(xrpcErr.kind, domain.ErrSessionExpired)
}

// newXRPCClient binds an indigo client to host. token, when set, is sent as
// the bearer on every call.
func newXRPCClient(httpClient *http.Client, host, token string) (*xrpc.Client, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}

	userAgent := "bsa/" + version.Version
	client := &xrpc.Client{
		Client:    httpClient,
		Host:      host,
		UserAgent: &userAgent,
	}
	if token != "" {
		client.Auth = &xrpc.AuthInfo{AccessJwt: token}
	}
	return client, nil
}

func normalizeHost(host string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(host), "/")
	base, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid service url %q", host)
	}
	return trimmed, nil
}

// queryParams converts url.Values into the parameter map indigo encodes.
func queryParams(values url.Values) map[string]any {
	if len(values) == 0 {
		return nil
	}
	params := make(map[string]any, len(values))
	for key, list := range values {
		if len(list) == 1 {
			params[key] = list[0]
			continue
		}
		params[key] = list
	}
	return params
}

type didDocument struct {
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// pdsEndpoint returns the account's PDS from a DID document as decoded by
// the lexicon types.
func pdsEndpoint(raw any) string {
	payload, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	var doc *didDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	return doc.pdsEndpoint()
}

func (d *didDocument) pdsEndpoint() string {
	if d == nil {
		return ""
	}
	for _, service := range d.Service {
		if service.ID == "#atproto_pds" || service.ID == d.ID+"#atproto_pds" {
			if service.Type == "AtprotoPersonalDataServer" {
				return service.ServiceEndpoint
			}
		}
	}
	return ""
}

func deref[T any](value *T) T {
	var zero T
	if value == nil {
		return zero
	}
	return *value
}

func ref[T comparable](value T) *T {
	var zero T
	if value == zero {
		return nil
	}
	return &value
}
