package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/session"
	"github.com/fabric8-services/go-login-client/token"
)

// RefreshErrorEvent is the payload broadcast on the authenticationError
// event when the identity provider rejects the refresh token.
type RefreshErrorEvent struct {
	StatusCode int
	Body       json.RawMessage
}

// Service orchestrates the token lifecycle: login, logout, the scheduled
// refresh loop, federated-token resolution and connection checks. Session
// state is never cached in the service itself; "logged in" is always
// re-derived from the presence of an access token in the store.
type Service struct {
	config      Config
	store       session.Store
	broadcaster *broadcaster.Broadcaster
	processor   *token.Processor
	resolver    *FederatedTokenResolver
	scheduler   *refreshScheduler
	httpClient  *http.Client
	validator   *token.Validator
	logger      zerolog.Logger

	fallbackDelay  time.Duration
	refreshTimeout time.Duration
}

// ServiceOption modifies the Service instance during construction.
type ServiceOption func(*Service)

// WithHTTPClient sets the client used for refresh, broker-exchange and
// connection-check calls.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithValidator enables OIDC verification of login payloads before they are
// persisted.
func WithValidator(v *token.Validator) ServiceOption {
	return func(s *Service) {
		s.validator = v
	}
}

// WithAfterFunc sets the timer registration function (primarily for testing).
func WithAfterFunc(afterFunc func(time.Duration, func()) *time.Timer) ServiceOption {
	return func(s *Service) {
		s.scheduler = newRefreshScheduler(afterFunc)
	}
}

// WithFallbackRefreshDelay sets the short delay used to re-arm the refresh
// loop when IsLoggedIn finds a token but no pending timer.
func WithFallbackRefreshDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.fallbackDelay = d
	}
}

// NewService initializes the authentication service and starts the federated
// broker pipelines.
func NewService(config Config, store session.Store, bc *broadcaster.Broadcaster, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("[NewService] session store is required")
	}
	if bc == nil {
		return nil, errors.New("[NewService] broadcaster is required")
	}
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "[NewService] config")
	}

	s := &Service{
		config:         config,
		store:          store,
		broadcaster:    bc,
		processor:      token.NewProcessor(store),
		scheduler:      newRefreshScheduler(nil),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         zerolog.Nop(),
		fallbackDelay:  defaultFallbackRefreshDelay,
		refreshTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(s)
	}

	s.resolver = NewFederatedTokenResolver(store, bc, s.httpClient, s.logger, config.Brokers)
	return s, nil
}

// Login processes a raw login payload, persists the token pair, schedules
// the refresh loop, broadcasts the loggedin event and triggers an initial
// federated-token resolution pass.
func (s *Service) Login(ctx context.Context, rawPayload []byte) (*token.Token, error) {
	t, err := token.ParseTokenResponse(rawPayload)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Login] ParseTokenResponse")
	}
	if s.validator != nil {
		if err := s.validator.Validate(ctx, t.AccessToken); err != nil {
			return nil, errors.Wrap(err, "[Service.Login] token validation")
		}
	}

	// Broker tokens cached by a previous account must not leak into this
	// session.
	s.resolver.ClearAll()

	s.processor.Persist(t)
	s.scheduler.ScheduleSeconds(t.ExpiresIn, s.refreshFromTimer)
	s.broadcaster.Broadcast(broadcaster.LoggedIn, 1)
	s.resolver.NotifyRefreshed(t.AccessToken)
	s.logger.Debug().Msg("logged in")
	return t, nil
}

// Logout removes the token pair and every broker token from the store,
// cancels the pending refresh and broadcasts the logout event. Idempotent:
// logging out while logged out performs the same clears and still publishes
// the event.
func (s *Service) Logout() {
	s.scheduler.Cancel()
	s.store.Remove(session.AccessTokenKey)
	s.store.Remove(session.RefreshTokenKey)
	s.resolver.ClearAll()
	s.broadcaster.Broadcast(broadcaster.Logout, 1)
	s.logger.Debug().Msg("logged out")
}

// IsLoggedIn reports whether an access token is present in the store. As a
// deliberate side effect, finding a token with no pending refresh timer
// re-arms the refresh loop with a short fallback delay and re-triggers
// federated resolution. Callers rely on this to recover the loop after a
// restart, when the timer handle was lost.
func (s *Service) IsLoggedIn() bool {
	accessToken, ok := s.store.Get(session.AccessTokenKey)
	if !ok {
		return false
	}
	if s.scheduler.Schedule(s.fallbackDelay, s.refreshFromTimer) {
		s.resolver.NotifyRefreshed(accessToken)
	}
	return true
}

// Token returns the raw stored access token. The second return value is
// false when not logged in.
func (s *Service) Token() (string, bool) {
	return s.store.Get(session.AccessTokenKey)
}

// RefreshToken exchanges the stored refresh token for a fresh pair. A no-op
// when not logged in. On HTTP 400 the authenticationError event is broadcast
// and RefreshRejectedErr returned; any other failure is treated as transient
// and does not escalate to logout.
func (s *Service) RefreshToken(ctx context.Context) error {
	if !s.loggedIn() {
		return nil
	}
	refreshToken, ok := s.store.Get(session.RefreshTokenKey)
	if !ok {
		return MissingRefreshTokenErr
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return errors.Wrap(err, "[Service.RefreshToken] marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.refreshURL(), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "[Service.RefreshToken] build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Service.RefreshToken] POST token/refresh")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "[Service.RefreshToken] read response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		t, err := token.ParseTokenEnvelope(body)
		if err != nil {
			return errors.Wrap(err, "[Service.RefreshToken] ParseTokenEnvelope")
		}
		if !s.loggedIn() {
			// A logout raced this refresh; do not resurrect cleared state.
			s.logger.Debug().Msg("discarding refresh result after logout")
			return nil
		}
		s.processor.Persist(t)
		s.scheduler.Cancel()
		s.scheduler.ScheduleSeconds(t.ExpiresIn, s.refreshFromTimer)
		s.resolver.NotifyRefreshed(t.AccessToken)
		return nil
	case http.StatusBadRequest:
		s.broadcaster.Broadcast(broadcaster.AuthenticationError, RefreshErrorEvent{
			StatusCode: resp.StatusCode,
			Body:       json.RawMessage(body),
		})
		return errors.Wrapf(RefreshRejectedErr, "[Service.RefreshToken] status %d", resp.StatusCode)
	default:
		return errors.Wrapf(RefreshFailedErr, "[Service.RefreshToken] status %d", resp.StatusCode)
	}
}

// FederatedToken returns the broker token for a linked external account.
// See FederatedTokenResolver.FederatedToken.
func (s *Service) FederatedToken(ctx context.Context, broker string) (*FederatedToken, error) {
	return s.resolver.FederatedToken(ctx, broker)
}

// ClearFederatedToken invalidates the cached token for one broker, e.g. when
// the user disconnects the linked account.
func (s *Service) ClearFederatedToken(broker string) {
	s.resolver.Clear(broker)
}

// IsOpenShiftConnected checks whether the given cluster accepts the current
// credentials: GET {api}/token?force_pull=true&for={cluster}. Any non-200
// status means not connected.
func (s *Service) IsOpenShiftConnected(ctx context.Context, cluster string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.connectionCheckURL(cluster), nil)
	if err != nil {
		return false, errors.Wrap(err, "[Service.IsOpenShiftConnected] build request")
	}
	if accessToken, ok := s.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "[Service.IsOpenShiftConnected] GET token")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode == http.StatusOK, nil
}

// TokenSource adapts the service to golang.org/x/oauth2 for callers that
// build oauth2-aware clients on top of it.
func (s *Service) TokenSource() oauth2.TokenSource {
	return serviceTokenSource{s: s}
}

// Close cancels the refresh timer and stops the broker pipelines. In-flight
// HTTP calls are not interrupted.
func (s *Service) Close() {
	s.scheduler.Cancel()
	s.resolver.Close()
}

// loggedIn is the pure store check, without IsLoggedIn's re-arming side
// effect. Used as the guard inside the refresh path.
func (s *Service) loggedIn() bool {
	_, ok := s.store.Get(session.AccessTokenKey)
	return ok
}

func (s *Service) refreshFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
	defer cancel()
	if err := s.RefreshToken(ctx); err != nil {
		s.logger.Err(err).Msg("scheduled token refresh failed")
	}
}

type serviceTokenSource struct {
	s *Service
}

func (ts serviceTokenSource) Token() (*oauth2.Token, error) {
	accessToken, ok := ts.s.Token()
	if !ok {
		return nil, NotLoggedInErr
	}
	return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}, nil
}
