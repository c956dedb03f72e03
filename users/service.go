// Package users exposes the current user's identity as a replayable stream
// driven by login lifecycle events, plus lookup calls against the auth API.
package users

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/session"
)

var UserNotFoundErr = errors.New("user not found")

// Service tracks the currently logged-in user. It subscribes to the
// loggedin, logout and authenticationError events: a login fetches the
// user's details, the other two clear them. The latest value is replayed to
// late callers of CurrentUser.
type Service struct {
	store      session.Store
	apiURL     string
	httpClient *http.Client
	logger     zerolog.Logger

	lock     sync.Mutex
	current  *User // nil with hasValue set means "nobody logged in"
	hasValue bool
	waiters  []chan *User

	subscriptions []broadcaster.Subscription
	done          chan struct{}
	closeOnce     sync.Once
}

// ServiceOption modifies the Service instance.
type ServiceOption func(*Service)

// WithHTTPClient sets the client used against the auth API. Pass a client
// built from the auth interceptor to get bearer attachment and error
// broadcasting for free.
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

// NewService builds the user service and starts consuming lifecycle events.
func NewService(store session.Store, bc *broadcaster.Broadcaster, apiURL string, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("[users.NewService] session store is required")
	}
	if bc == nil {
		return nil, errors.New("[users.NewService] broadcaster is required")
	}
	if apiURL == "" {
		return nil, errors.New("[users.NewService] apiURL is required")
	}

	s := &Service{
		store:      store,
		apiURL:     ensureSlash(apiURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	loggedIn, subLoggedIn := bc.On(broadcaster.LoggedIn)
	loggedOut, subLoggedOut := bc.On(broadcaster.Logout)
	authErr, subAuthErr := bc.On(broadcaster.AuthenticationError)
	s.subscriptions = []broadcaster.Subscription{subLoggedIn, subLoggedOut, subAuthErr}

	go s.run(loggedIn, loggedOut, authErr)
	return s, nil
}

// CurrentUser returns the logged-in user, replaying the latest known value
// or waiting for the first lifecycle event to resolve one. A nil user with a
// nil error means nobody is logged in.
func (s *Service) CurrentUser(ctx context.Context) (*User, error) {
	s.lock.Lock()
	if s.hasValue {
		current := s.current
		s.lock.Unlock()
		return current, nil
	}
	waiter := make(chan *User, 1)
	s.waiters = append(s.waiters, waiter)
	s.lock.Unlock()

	select {
	case u := <-waiter:
		return u, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetUserByID fetches a user by identity id: GET {api}/users/{id}.
func (s *Service) GetUserByID(ctx context.Context, id string) (*User, error) {
	endpoint := fmt.Sprintf("%susers/%s", s.apiURL, url.PathEscape(id))
	user, err := s.fetchUser(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.GetUserByID]")
	}
	return user, nil
}

// GetUsersBySearch searches users by name or login:
// GET {api}/search/users?q={query}.
func (s *Service) GetUsersBySearch(ctx context.Context, query string) ([]User, error) {
	endpoint := fmt.Sprintf("%ssearch/users?q=%s", s.apiURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.GetUsersBySearch] build request")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.GetUsersBySearch] GET search/users")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("[Service.GetUsersBySearch] status %d", resp.StatusCode)
	}

	var listing struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&listing); err != nil {
		return nil, errors.Wrap(err, "[Service.GetUsersBySearch] decode")
	}
	return listing.Data, nil
}

// Close detaches the event subscriptions and stops the service.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, sub := range s.subscriptions {
			sub.Close()
		}
	})
}

func (s *Service) run(loggedIn, loggedOut, authErr <-chan broadcaster.Event) {
	for {
		select {
		case <-loggedIn:
			user, err := s.fetchCurrentUser()
			if err != nil {
				s.logger.Err(err).Msg("fetching logged-in user failed")
				continue
			}
			s.publish(user)
		case <-loggedOut:
			s.publish(nil)
		case <-authErr:
			s.publish(nil)
		case <-s.done:
			return
		}
	}
}

func (s *Service) fetchCurrentUser() (*User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.fetchUser(ctx, s.apiURL+"user")
}

func (s *Service) fetchUser(ctx context.Context, endpoint string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "GET user")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, UserNotFoundErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("status %d", resp.StatusCode)
	}

	var envelope struct {
		Data *User `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if envelope.Data == nil {
		return nil, UserNotFoundErr
	}
	return envelope.Data, nil
}

func (s *Service) publish(user *User) {
	s.lock.Lock()
	s.current = user
	s.hasValue = true
	waiters := s.waiters
	s.waiters = nil
	s.lock.Unlock()

	for _, w := range waiters {
		w <- user
	}
}

func (s *Service) authorize(req *http.Request) {
	if accessToken, ok := s.store.Get(session.AccessTokenKey); ok {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

func ensureSlash(base string) string {
	if base[len(base)-1] == '/' {
		return base
	}
	return base + "/"
}
