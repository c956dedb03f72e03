package token

import (
	"github.com/fabric8-services/go-login-client/session"
	"github.com/pkg/errors"
)

// Processor parses raw token payloads and persists the resulting
// access/refresh pair into the session store.
type Processor struct {
	store session.Store
}

func NewProcessor(store session.Store) *Processor {
	return &Processor{store: store}
}

// Process parses a raw login payload and persists both tokens.
func (p *Processor) Process(raw []byte) (*Token, error) {
	t, err := ParseTokenResponse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "[Processor.Process] ParseTokenResponse")
	}
	p.Persist(t)
	return t, nil
}

// Persist writes the access and refresh token as a pair. Stale pairs are
// never partially overwritten.
func (p *Processor) Persist(t *Token) {
	session.SetPair(p.store,
		session.AccessTokenKey, t.AccessToken,
		session.RefreshTokenKey, t.RefreshToken,
	)
}
