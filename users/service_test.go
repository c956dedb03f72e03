package users_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/session"
	"github.com/fabric8-services/go-login-client/users"
)

type testFixture struct {
	store   *session.InMemoryStore
	bc      *broadcaster.Broadcaster
	service *users.Service
	server  *httptest.Server
	mux     *http.ServeMux
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		store: session.NewInMemoryStore(),
		bc:    broadcaster.New(),
		mux:   http.NewServeMux(),
	}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)

	service, err := users.NewService(f.store, f.bc, f.server.URL+"/api/")
	require.NoError(t, err)
	t.Cleanup(service.Close)
	f.service = service
	return f
}

func TestCurrentUserAfterLogin(t *testing.T) {
	f := setupTestFixture(t)
	f.mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"id":"user-1","type":"identities","attributes":{"username":"jdoe","fullName":"John Doe"}}}`)
	})

	f.store.Set(session.AccessTokenKey, "tok")
	f.bc.Broadcast(broadcaster.LoggedIn, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	user, err := f.service.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "user-1", user.ID)
	require.Equal(t, "jdoe", user.Username())
}

func TestCurrentUserClearedOnLogout(t *testing.T) {
	f := setupTestFixture(t)
	f.mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"id":"user-1","type":"identities"}}`)
	})

	f.bc.Broadcast(broadcaster.LoggedIn, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	user, err := f.service.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)

	f.bc.Broadcast(broadcaster.Logout, 1)

	require.Eventually(t, func() bool {
		user, err := f.service.CurrentUser(ctx)
		return err == nil && user == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCurrentUserClearedOnAuthenticationError(t *testing.T) {
	f := setupTestFixture(t)
	f.mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"id":"user-1","type":"identities"}}`)
	})

	f.bc.Broadcast(broadcaster.LoggedIn, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.service.CurrentUser(ctx)
	require.NoError(t, err)

	f.bc.Broadcast(broadcaster.AuthenticationError, "boom")

	require.Eventually(t, func() bool {
		user, err := f.service.CurrentUser(ctx)
		return err == nil && user == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCurrentUserWaitsForFirstEvent(t *testing.T) {
	f := setupTestFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.service.CurrentUser(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetUserByID(t *testing.T) {
	f := setupTestFixture(t)
	f.mux.HandleFunc("/api/users/user-2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"id":"user-2","type":"identities","attributes":{"username":"jane"}}}`)
	})

	user, err := f.service.GetUserByID(context.Background(), "user-2")
	require.NoError(t, err)
	require.Equal(t, "jane", user.Username())
}

func TestGetUserByIDNotFound(t *testing.T) {
	f := setupTestFixture(t)
	f.mux.HandleFunc("/api/users/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := f.service.GetUserByID(context.Background(), "ghost")
	require.ErrorIs(t, err, users.UserNotFoundErr)
}

func TestGetUsersBySearch(t *testing.T) {
	f := setupTestFixture(t)
	f.mux.HandleFunc("/api/search/users", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "jo", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"id":"user-1","type":"identities"},{"id":"user-3","type":"identities"}]}`)
	})

	found, err := f.service.GetUsersBySearch(context.Background(), "jo")
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "user-1", found[0].ID)
}
