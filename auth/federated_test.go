package auth_test

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fabric8-services/go-login-client/auth"
	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/session"
)

func TestFederatedTokenResolvedOnLogin(t *testing.T) {
	var exchanges atomic.Int32
	f := setupTestFixture(t, func(serverURL string) []auth.Broker {
		return []auth.Broker{{Name: "openshift-v3", TokenURL: serverURL + "/broker/openshift-v3/token"}}
	})
	f.mux.HandleFunc("/broker/openshift-v3/token", func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"os-tok","token_type":"bearer"}`)
	})

	_, err := f.service.Login(context.Background(), []byte(loginPayload))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	federated, err := f.service.FederatedToken(ctx, "openshift-v3")
	require.NoError(t, err)
	require.NotNil(t, federated)
	require.Equal(t, "os-tok", federated.AccessToken)
	require.EqualValues(t, 1, exchanges.Load())

	cached, ok := f.store.Get(session.BrokerTokenKey("openshift-v3"))
	require.True(t, ok)
	require.Equal(t, "os-tok", cached)

	// A second lookup is served from the store, no network call.
	federated, err = f.service.FederatedToken(ctx, "openshift-v3")
	require.NoError(t, err)
	require.Equal(t, "os-tok", federated.AccessToken)
	require.EqualValues(t, 1, exchanges.Load())
}

func TestFederatedTokenReplaysLatestValue(t *testing.T) {
	var exchanges atomic.Int32
	f := setupTestFixture(t, func(serverURL string) []auth.Broker {
		return []auth.Broker{{Name: "github", TokenURL: serverURL + "/broker/github/token"}}
	})
	f.mux.HandleFunc("/broker/github/token", func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		io.WriteString(w, `{"access_token":"gh-tok"}`)
	})

	_, err := f.service.Login(context.Background(), []byte(loginPayload))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.service.FederatedToken(ctx, "github")
	require.NoError(t, err)

	// Even with the store entry gone, a late subscriber replays the last
	// resolved value without a new exchange.
	f.store.Remove(session.BrokerTokenKey("github"))
	federated, err := f.service.FederatedToken(ctx, "github")
	require.NoError(t, err)
	require.NotNil(t, federated)
	require.Equal(t, "gh-tok", federated.AccessToken)
	require.EqualValues(t, 1, exchanges.Load())
}

func TestBrokerExchangeRejectionClearsCache(t *testing.T) {
	f := setupTestFixture(t, func(serverURL string) []auth.Broker {
		return []auth.Broker{{Name: "github", TokenURL: serverURL + "/broker/github/token"}}
	})
	f.mux.HandleFunc("/broker/github/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	f.mux.HandleFunc("/api/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"token":{"access_token":"tok2","refresh_token":"ref2","expires_in":300}}`)
	})
	events := f.subscribe(t, broadcaster.NoFederatedToken)

	_, err := f.service.Login(context.Background(), []byte(loginPayload))
	require.NoError(t, err)
	payload, ok := receiveEvent(t, events).Data.(auth.NoFederatedTokenEvent)
	require.True(t, ok)
	require.Equal(t, "github", payload.Broker)

	// A stale cached token present when the next exchange is rejected must
	// be removed, not left behind.
	f.store.Set(session.BrokerTokenKey("github"), "stale")
	require.NoError(t, f.service.RefreshToken(context.Background()))
	receiveEvent(t, events)
	require.Eventually(t, func() bool {
		_, ok := f.store.Get(session.BrokerTokenKey("github"))
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// The pipeline emits an empty marker rather than an error.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	federated, err := f.service.FederatedToken(ctx, "github")
	require.NoError(t, err)
	require.Nil(t, federated)
}

func TestBrokerPipelinesAreIsolated(t *testing.T) {
	f := setupTestFixture(t, func(serverURL string) []auth.Broker {
		return []auth.Broker{
			{Name: "openshift-v3", TokenURL: serverURL + "/broker/openshift-v3/token"},
			{Name: "github", TokenURL: serverURL + "/broker/github/token"},
		}
	})
	f.mux.HandleFunc("/broker/openshift-v3/token", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"access_token":"os-tok"}`)
	})
	f.mux.HandleFunc("/broker/github/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := f.service.Login(context.Background(), []byte(loginPayload))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	openshift, err := f.service.FederatedToken(ctx, "openshift-v3")
	require.NoError(t, err)
	require.NotNil(t, openshift)
	require.Equal(t, "os-tok", openshift.AccessToken)

	github, err := f.service.FederatedToken(ctx, "github")
	require.NoError(t, err)
	require.Nil(t, github)
}

func TestFederatedTokenUnknownBroker(t *testing.T) {
	f := setupTestFixture(t, nil)

	_, err := f.service.FederatedToken(context.Background(), "bitbucket")
	require.ErrorIs(t, err, auth.UnknownBrokerErr)
}

func TestClearFederatedTokenResetsReplay(t *testing.T) {
	f := setupTestFixture(t, func(serverURL string) []auth.Broker {
		return []auth.Broker{{Name: "github", TokenURL: serverURL + "/broker/github/token"}}
	})
	f.mux.HandleFunc("/broker/github/token", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"access_token":"gh-tok"}`)
	})

	_, err := f.service.Login(context.Background(), []byte(loginPayload))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.service.FederatedToken(ctx, "github")
	require.NoError(t, err)

	f.service.ClearFederatedToken("github")

	_, ok := f.store.Get(session.BrokerTokenKey("github"))
	require.False(t, ok)

	// The replay cache is empty again: a lookup now blocks until the next
	// resolution instead of serving the cleared value.
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = f.service.FederatedToken(shortCtx, "github")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
