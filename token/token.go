package token

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

var (
	MissingAccessTokenErr  = errors.New("payload missing access_token")
	MissingRefreshTokenErr = errors.New("payload missing refresh_token")
	MissingExpiresInErr    = errors.New("payload missing expires_in")
	MalformedPayloadErr    = errors.New("malformed token payload")
)

// Token is the access/refresh credential pair issued by the identity
// provider. The authoritative access token is always the most recently
// processed one.
type Token struct {
	AccessToken      string  `json:"access_token"`
	RefreshToken     string  `json:"refresh_token"`
	ExpiresIn        float64 `json:"expires_in"`
	RefreshExpiresIn float64 `json:"refresh_expires_in,omitempty"`
	TokenType        string  `json:"token_type,omitempty"`
}

// ParseTokenResponse decodes a raw login or refresh payload into a Token.
// Required fields are validated up front so a malformed payload yields a
// defined error instead of propagating empty fields downstream.
func ParseTokenResponse(raw []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, errors.Wrap(MalformedPayloadErr, err.Error())
	}
	if t.AccessToken == "" {
		return nil, MissingAccessTokenErr
	}
	if t.RefreshToken == "" {
		return nil, MissingRefreshTokenErr
	}
	if t.ExpiresIn <= 0 {
		return nil, MissingExpiresInErr
	}
	return &t, nil
}

// ParseTokenEnvelope decodes a refresh endpoint response of the form
// {"token": {...}} or {"token": "<json string>"}.
func ParseTokenEnvelope(raw []byte) (*Token, error) {
	var envelope struct {
		Token json.RawMessage `json:"token"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(MalformedPayloadErr, err.Error())
	}
	if len(envelope.Token) == 0 {
		return nil, errors.Wrap(MalformedPayloadErr, "missing token field")
	}

	inner := envelope.Token
	if inner[0] == '"' {
		// The token arrived JSON-string encoded.
		unquoted, err := strconv.Unquote(string(inner))
		if err != nil {
			return nil, errors.Wrap(MalformedPayloadErr, err.Error())
		}
		inner = []byte(unquoted)
	}
	return ParseTokenResponse(inner)
}
