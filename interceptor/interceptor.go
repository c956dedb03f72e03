// Package interceptor attaches bearer credentials to outgoing requests and
// classifies authentication failures on the way back, broadcasting them as
// application-wide events.
package interceptor

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/session"
)

var _ http.RoundTripper = (*AuthInterceptor)(nil)

// AuthInterceptor is an http.RoundTripper that scopes bearer-token handling
// to a configured set of API origins. Requests to other origins pass through
// untouched so the token never leaks to third parties.
type AuthInterceptor struct {
	next        http.RoundTripper
	store       session.Store
	broadcaster *broadcaster.Broadcaster
	origins     map[string]bool // scheme://host allow-list
	logger      zerolog.Logger
}

// InterceptorOption modifies the AuthInterceptor during construction.
type InterceptorOption func(*AuthInterceptor)

// WithTransport sets the underlying round tripper. Defaults to
// http.DefaultTransport.
func WithTransport(next http.RoundTripper) InterceptorOption {
	return func(i *AuthInterceptor) {
		i.next = next
	}
}

// WithInterceptorLogger sets the interceptor logger.
func WithInterceptorLogger(logger zerolog.Logger) InterceptorOption {
	return func(i *AuthInterceptor) {
		i.logger = logger
	}
}

// New builds an interceptor that guards the origins of the given API base
// URLs.
func New(store session.Store, bc *broadcaster.Broadcaster, apiBaseURLs []string, options ...InterceptorOption) *AuthInterceptor {
	i := &AuthInterceptor{
		next:        http.DefaultTransport,
		store:       store,
		broadcaster: bc,
		origins:     make(map[string]bool, len(apiBaseURLs)),
		logger:      zerolog.Nop(),
	}
	for _, base := range apiBaseURLs {
		if origin, ok := originOf(base); ok {
			i.origins[origin] = true
		}
	}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Client returns an http.Client whose transport is this interceptor.
func (i *AuthInterceptor) Client() *http.Client {
	return &http.Client{Transport: i}
}

// RoundTrip attaches the bearer header on the way out, persists a rotated
// token on the way back in, and broadcasts classified failures. Responses
// are always returned to the caller, errors included.
func (i *AuthInterceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.inScope(req.URL) {
		return i.next.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	var sentToken string
	if accessToken, ok := i.store.Get(session.AccessTokenKey); ok {
		sentToken = accessToken
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode < http.StatusBadRequest {
		i.persistRotatedToken(resp, sentToken)
		return resp, nil
	}

	i.classify(resp)
	return resp, nil
}

func (i *AuthInterceptor) inScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	return i.origins[u.Scheme+"://"+u.Host]
}

// persistRotatedToken supports opportunistic token rotation: a successful
// response may carry a fresh token in its Authorization header, independent
// of the scheduled refresh path.
func (i *AuthInterceptor) persistRotatedToken(resp *http.Response, sentToken string) {
	header := resp.Header.Get("Authorization")
	if header == "" {
		return
	}
	rotated := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if rotated == "" || rotated == sentToken {
		return
	}
	i.store.Set(session.AccessTokenKey, rotated)
	i.logger.Debug().Msg("persisted rotated access token from response header")
}

func (i *AuthInterceptor) classify(resp *http.Response) {
	body := bufferBody(resp)
	re := newRequestError(resp, body)

	switch {
	case resp.StatusCode == http.StatusForbidden || re.IsAuthenticationError():
		i.broadcaster.Broadcast(broadcaster.AuthenticationError, re)
	case resp.StatusCode == http.StatusInternalServerError:
		i.broadcaster.Broadcast(broadcaster.CommunicationError, re)
	}
}

// bufferBody reads the response body for classification and restores it so
// the caller still sees the full response.
func bufferBody(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		body = nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

func originOf(base string) (string, bool) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}
