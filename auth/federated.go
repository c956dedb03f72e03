package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/session"
)

// FederatedToken is a broker-specific token obtained by exchanging the
// primary access token on behalf of a linked external account.
type FederatedToken struct {
	Broker      string
	AccessToken string
}

// NoFederatedTokenEvent is the diagnostic payload broadcast when a broker
// exchange reports the account as not linked.
type NoFederatedTokenEvent struct {
	Broker     string
	StatusCode int
}

// brokerPipeline is the per-broker resolution state: a single-slot replay
// cache plus the consumers waiting for the first resolved value.
type brokerPipeline struct {
	broker Broker

	lock     sync.Mutex
	latest   *FederatedToken // nil with hasValue set means "broker not linked"
	hasValue bool
	waiters  []chan *FederatedToken

	notify chan string // primary access tokens, capacity 1, newest wins
}

// FederatedTokenResolver exchanges the primary access token for broker
// tokens whenever the primary token is refreshed. Each broker runs its own
// pipeline; a failing broker never affects another broker or the primary
// refresh loop.
type FederatedTokenResolver struct {
	store       session.Store
	broadcaster *broadcaster.Broadcaster
	httpClient  *http.Client
	logger      zerolog.Logger
	pipelines   map[string]*brokerPipeline
	done        chan struct{}
	closeOnce   sync.Once
}

func NewFederatedTokenResolver(
	store session.Store,
	bc *broadcaster.Broadcaster,
	httpClient *http.Client,
	logger zerolog.Logger,
	brokers []Broker,
) *FederatedTokenResolver {
	r := &FederatedTokenResolver{
		store:       store,
		broadcaster: bc,
		httpClient:  httpClient,
		logger:      logger,
		pipelines:   make(map[string]*brokerPipeline, len(brokers)),
		done:        make(chan struct{}),
	}
	for _, b := range brokers {
		p := &brokerPipeline{broker: b, notify: make(chan string, 1)}
		r.pipelines[b.Name] = p
		go r.run(p)
	}
	return r
}

// NotifyRefreshed hands a freshly refreshed primary access token to every
// broker pipeline. A notification that is still queued when a newer one
// arrives is superseded; the replayed value always reflects the most recent
// completed exchange.
func (r *FederatedTokenResolver) NotifyRefreshed(accessToken string) {
	for _, p := range r.pipelines {
		select {
		case <-p.notify:
		default:
		}
		select {
		case p.notify <- accessToken:
		default:
		}
	}
}

// FederatedToken returns the broker token for broker. A value cached in the
// session store is returned immediately without a network call; otherwise
// the call replays the pipeline's latest resolved value, or waits for the
// first resolution. A nil token with a nil error means the broker is known
// but not linked.
func (r *FederatedTokenResolver) FederatedToken(ctx context.Context, broker string) (*FederatedToken, error) {
	p, ok := r.pipelines[broker]
	if !ok {
		return nil, UnknownBrokerErr
	}

	if cached, ok := r.store.Get(session.BrokerTokenKey(broker)); ok {
		return &FederatedToken{Broker: broker, AccessToken: cached}, nil
	}

	p.lock.Lock()
	if p.hasValue {
		latest := p.latest
		p.lock.Unlock()
		return latest, nil
	}
	waiter := make(chan *FederatedToken, 1)
	p.waiters = append(p.waiters, waiter)
	p.lock.Unlock()

	select {
	case ft := <-waiter:
		return ft, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear removes the cached broker token and resets the pipeline's replay
// cache so later consumers do not see a stale value.
func (r *FederatedTokenResolver) Clear(broker string) {
	p, ok := r.pipelines[broker]
	if !ok {
		return
	}
	r.store.Remove(session.BrokerTokenKey(broker))
	p.lock.Lock()
	p.latest = nil
	p.hasValue = false
	p.lock.Unlock()
}

// ClearAll clears every broker's cached token and replay cache.
func (r *FederatedTokenResolver) ClearAll() {
	for name := range r.pipelines {
		r.Clear(name)
	}
}

// Close stops the broker pipelines.
func (r *FederatedTokenResolver) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *FederatedTokenResolver) run(p *brokerPipeline) {
	for {
		select {
		case accessToken := <-p.notify:
			r.exchange(p, accessToken)
		case <-r.done:
			return
		}
	}
}

func (r *FederatedTokenResolver) exchange(p *brokerPipeline, accessToken string) {
	req, err := http.NewRequest(http.MethodGet, p.broker.TokenURL, nil)
	if err != nil {
		r.logger.Err(err).Str("broker", p.broker.Name).Msg("building broker token request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Err(err).Str("broker", p.broker.Name).Msg("broker token exchange failed")
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.logger.Err(err).Str("broker", p.broker.Name).Msg("reading broker token response")
		return
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var t struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(body, &t); err != nil || t.AccessToken == "" {
			r.logger.Warn().Str("broker", p.broker.Name).Msg("broker token response missing access_token")
			return
		}
		r.store.Set(session.BrokerTokenKey(p.broker.Name), t.AccessToken)
		r.publish(p, &FederatedToken{Broker: p.broker.Name, AccessToken: t.AccessToken})
	case resp.StatusCode == http.StatusBadRequest:
		// Broker not linked. Drop any stale cached token and emit an empty
		// marker instead of erroring the pipeline.
		r.store.Remove(session.BrokerTokenKey(p.broker.Name))
		r.broadcaster.Broadcast(broadcaster.NoFederatedToken, NoFederatedTokenEvent{
			Broker:     p.broker.Name,
			StatusCode: resp.StatusCode,
		})
		r.publish(p, nil)
	default:
		r.logger.Warn().
			Str("broker", p.broker.Name).
			Int("status", resp.StatusCode).
			Msg("broker token exchange returned unexpected status")
	}
}

func (r *FederatedTokenResolver) publish(p *brokerPipeline, ft *FederatedToken) {
	p.lock.Lock()
	p.latest = ft
	p.hasValue = true
	waiters := p.waiters
	p.waiters = nil
	p.lock.Unlock()

	for _, w := range waiters {
		w <- ft
	}
}
