package auth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Broker identifies a linked external identity provider and the URL its
// token-exchange endpoint lives at.
type Broker struct {
	Name     string // broker id, e.g. "openshift-v3" or "github"
	TokenURL string // exchange endpoint, called with the primary bearer token
}

// SSOBroker builds a broker resolved directly against the SSO server's
// realm broker route: {sso}/auth/realms/{realm}/broker/{name}/token.
func SSOBroker(ssoURL, realm, name string) Broker {
	return Broker{
		Name:     name,
		TokenURL: fmt.Sprintf("%sauth/realms/%s/broker/%s/token", ensureSlash(ssoURL), realm, name),
	}
}

// ProxiedBroker builds a broker resolved through the auth API's proxy route:
// {api}/token?for={forURL}. GitHub tokens are obtained this way.
func ProxiedBroker(apiURL, name, forURL string) Broker {
	return Broker{
		Name:     name,
		TokenURL: fmt.Sprintf("%stoken?for=%s", ensureSlash(apiURL), url.QueryEscape(forURL)),
	}
}

// Config carries the endpoints the authentication service talks to.
type Config struct {
	// AuthAPIURL is the base URL of the auth API, e.g. "https://auth.example.com/api/".
	AuthAPIURL string
	// Brokers lists the federated providers whose tokens are resolved on
	// every primary token refresh.
	Brokers []Broker
}

func (c Config) validate() error {
	if c.AuthAPIURL == "" {
		return errors.New("[Config] AuthAPIURL is required")
	}
	if _, err := url.Parse(c.AuthAPIURL); err != nil {
		return errors.Wrap(err, "[Config] AuthAPIURL")
	}
	seen := make(map[string]bool)
	for _, b := range c.Brokers {
		if b.Name == "" || b.TokenURL == "" {
			return errors.New("[Config] broker name and token URL are required")
		}
		if seen[b.Name] {
			return errors.Errorf("[Config] duplicate broker %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

func (c Config) refreshURL() string {
	return ensureSlash(c.AuthAPIURL) + "token/refresh"
}

func (c Config) connectionCheckURL(cluster string) string {
	return fmt.Sprintf("%stoken?force_pull=true&for=%s", ensureSlash(c.AuthAPIURL), url.QueryEscape(cluster))
}

func ensureSlash(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}
