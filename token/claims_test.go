package token_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fabric8-services/go-login-client/internal/utils"
	"github.com/fabric8-services/go-login-client/token"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func rptToken(t *testing.T, resourceID string, scopes []string) string {
	t.Helper()
	return signedToken(t, jwt.MapClaims{
		"sub": "user-1",
		"permissions": []map[string]any{{
			"resource_set_id":   resourceID,
			"resource_set_name": utils.Ptr("space-1"),
			"scopes":            scopes,
			"exp":               int64(4102444800),
		}},
	})
}

func TestDecodeClaims(t *testing.T) {
	raw := signedToken(t, jwt.MapClaims{"sub": "user-1", "iss": "sso"})

	claims, err := token.DecodeClaims(raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims["sub"])
	require.Equal(t, "sso", claims["iss"])
}

func TestDecodeClaimsRejectsGarbage(t *testing.T) {
	_, err := token.DecodeClaims("not-a-jwt")
	require.Error(t, err)
}

func TestPermissionsDetectsRPT(t *testing.T) {
	claims, err := token.DecodeClaims(rptToken(t, "res-1", []string{"view", "edit"}))
	require.NoError(t, err)

	permissions, isRPT := token.Permissions(claims)
	require.True(t, isRPT)
	require.Len(t, permissions, 1)
	require.Equal(t, "res-1", permissions[0].ResourceSetID)
	require.Equal(t, "space-1", utils.Value(permissions[0].ResourceSetName))
	require.Equal(t, []string{"view", "edit"}, permissions[0].Scopes)
}

func TestPermissionsOnPlainToken(t *testing.T) {
	claims, err := token.DecodeClaims(signedToken(t, jwt.MapClaims{"sub": "user-1"}))
	require.NoError(t, err)

	_, isRPT := token.Permissions(claims)
	require.False(t, isRPT)
}

func TestFindPermission(t *testing.T) {
	claims, err := token.DecodeClaims(rptToken(t, "res-1", []string{"view"}))
	require.NoError(t, err)

	require.NotNil(t, token.FindPermission(claims, "res-1"))
	require.Nil(t, token.FindPermission(claims, "res-2"))
}
