package users

import "github.com/fabric8-services/go-login-client/internal/utils"

// Profile holds the editable attributes of a user account.
type Profile struct {
	FullName string `json:"fullName,omitempty"`
	ImageURL string `json:"imageURL,omitempty"`
	Username string `json:"username,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Email    string `json:"email,omitempty"`
	URL      string `json:"url,omitempty"`
	Company  string `json:"company,omitempty"`
	Cluster  string `json:"cluster,omitempty"`
}

// User is an identity as returned by the auth API's JSON-API style
// endpoints.
type User struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Attributes *Profile `json:"attributes"`
}

// Username returns the user's login name, empty when attributes are absent.
func (u *User) Username() string {
	if u == nil {
		return ""
	}
	return utils.Value(u.Attributes).Username
}
