package session

// Storage keys used by the login client. Broker tokens live under their own
// per-broker key so that clearing one linked account does not disturb another.
const (
	AccessTokenKey  = "auth_token"
	RefreshTokenKey = "refresh_token"

	brokerTokenSuffix = "_token"
)

// BrokerTokenKey returns the storage key for a federated broker token,
// e.g. "openshift-v3_token" or "github_token".
func BrokerTokenKey(broker string) string {
	return broker + brokerTokenSuffix
}

// Store is a durable key-value string store scoped to the current session.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// BatchSetter is an optional upgrade to Store. Implementations write all
// supplied keys as a single unit so readers never observe a partially
// overwritten access/refresh token pair.
type BatchSetter interface {
	SetAll(values map[string]string)
}

// SetPair writes an access/refresh style key pair, using BatchSetter when the
// store supports it.
func SetPair(s Store, key1, value1, key2, value2 string) {
	if bs, ok := s.(BatchSetter); ok {
		bs.SetAll(map[string]string{key1: value1, key2: value2})
		return
	}
	s.Set(key1, value1)
	s.Set(key2, value2)
}
