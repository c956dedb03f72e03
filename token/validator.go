package token

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
)

// Validator verifies tokens against the identity provider's published OIDC
// metadata and signing keys. It is optional; when configured on the
// authentication service, login payloads are verified before being persisted.
type Validator struct {
	verifier *oidc.IDTokenVerifier
}

// NewValidator discovers the issuer's OIDC configuration and prepares a
// verifier. clientID may be empty, in which case the audience check is
// skipped.
func NewValidator(ctx context.Context, issuerURL, clientID string) (*Validator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "[NewValidator] oidc.NewProvider")
	}
	cfg := &oidc.Config{ClientID: clientID}
	if clientID == "" {
		cfg.SkipClientIDCheck = true
	}
	return &Validator{verifier: provider.Verifier(cfg)}, nil
}

// Validate checks the signature, issuer, expiry and (when configured)
// audience of a raw token.
func (v *Validator) Validate(ctx context.Context, rawToken string) error {
	if _, err := v.verifier.Verify(ctx, rawToken); err != nil {
		return errors.Wrap(err, "[Validator.Validate] Verify")
	}
	return nil
}
