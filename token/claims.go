package token

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Permission is a per-resource grant carried by RPT (requesting-party token)
// variants of the access token.
type Permission struct {
	ResourceSetID   string   `json:"resource_set_id"`
	ResourceSetName *string  `json:"resource_set_name"`
	Scopes          []string `json:"scopes"`
	Exp             int64    `json:"exp"`
}

// DecodeClaims extracts the claims of a raw JWT without verifying its
// signature. The token was issued to this client by the identity provider;
// signature verification happens server side on every call that uses it.
func DecodeClaims(rawToken string) (jwt.MapClaims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, "[DecodeClaims] ParseUnverified")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("[DecodeClaims] error extracting claims")
	}
	return claims, nil
}

// Permissions returns the permission grants of an RPT's claims. The second
// return value reports whether the claims carry a permissions array at all,
// i.e. whether the token is an RPT.
func Permissions(claims jwt.MapClaims) ([]Permission, bool) {
	raw, ok := claims["permissions"]
	if !ok || raw == nil {
		return nil, false
	}

	// Claims come back as []any of map[string]any; round-trip through JSON
	// to get typed permissions.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var permissions []Permission
	if err := json.Unmarshal(encoded, &permissions); err != nil {
		return nil, false
	}
	return permissions, true
}

// FindPermission searches decoded claims for the grant covering resourceID.
// Returns nil when the claims are not an RPT or carry no matching entry.
func FindPermission(claims jwt.MapClaims, resourceID string) *Permission {
	permissions, ok := Permissions(claims)
	if !ok {
		return nil
	}
	for i := range permissions {
		if permissions[i].ResourceSetID == resourceID {
			return &permissions[i]
		}
	}
	return nil
}
