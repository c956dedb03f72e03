// Package permission answers authorization questions against the current
// access token's RPT permission claims, escalating through the auth API's
// audit endpoint once when the token carries no permissions yet.
package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fabric8-services/go-login-client/session"
	"github.com/fabric8-services/go-login-client/token"
)

var (
	NotLoggedInErr = errors.New("not logged in")
	AuditFailedErr = errors.New("token audit failed")
)

// RoleAssignment is one entry of the auth API's resource-role listing.
type RoleAssignment struct {
	AssigneeID   string `json:"assignee_id"`
	AssigneeType string `json:"assignee_type"`
	Inherited    bool   `json:"inherited"`
	RoleName     string `json:"role_name"`
}

// Service resolves permissions and scopes for the current session. It keeps
// no local state beyond the session store; permissions are always re-derived
// from the stored token.
type Service struct {
	store      session.Store
	apiURL     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ServiceOption modifies the Service instance.
type ServiceOption func(*Service)

// WithHTTPClient sets the client used for audit and role calls.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService builds a permission service against the given auth API base URL.
func NewService(store session.Store, apiURL string, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("[permission.NewService] session store is required")
	}
	if apiURL == "" {
		return nil, errors.New("[permission.NewService] apiURL is required")
	}
	s := &Service{
		store:      store,
		apiURL:     ensureSlash(apiURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// GetPermission returns the grant covering resourceID, or nil when no grant
// exists. A token without permission claims (not yet an RPT) triggers one
// audit round trip that exchanges it for an RPT-bearing token; the returned
// token replaces the stored access token and the search is repeated exactly
// once.
func (s *Service) GetPermission(ctx context.Context, resourceID string) (*token.Permission, error) {
	accessToken, ok := s.store.Get(session.AccessTokenKey)
	if !ok {
		return nil, NotLoggedInErr
	}

	claims, err := token.DecodeClaims(accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.GetPermission] DecodeClaims")
	}
	if _, isRPT := token.Permissions(claims); isRPT {
		return token.FindPermission(claims, resourceID), nil
	}

	rptToken, err := s.audit(ctx, accessToken, resourceID)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.GetPermission] audit")
	}
	if rptToken == "" {
		return nil, nil
	}
	s.store.Set(session.AccessTokenKey, rptToken)

	claims, err = token.DecodeClaims(rptToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.GetPermission] DecodeClaims rpt")
	}
	return token.FindPermission(claims, resourceID), nil
}

// HasScope reports whether the current token grants scope on resourceID.
func (s *Service) HasScope(ctx context.Context, resourceID, scope string) (bool, error) {
	permission, err := s.GetPermission(ctx, resourceID)
	if err != nil || permission == nil {
		return false, err
	}
	for _, granted := range permission.Scopes {
		if granted == scope {
			return true, nil
		}
	}
	return false, nil
}

// AllScopes returns every scope granted on resourceID, empty when none.
func (s *Service) AllScopes(ctx context.Context, resourceID string) ([]string, error) {
	permission, err := s.GetPermission(ctx, resourceID)
	if err != nil || permission == nil {
		return nil, err
	}
	return permission.Scopes, nil
}

// AssignRole grants roleName on resourceID to the given users:
// PUT {api}/resources/{resourceID}/roles.
func (s *Service) AssignRole(ctx context.Context, resourceID, roleName string, userIDs []string) error {
	payload, err := json.Marshal(map[string]any{
		"data": []map[string]any{{"ids": userIDs, "role": roleName}},
	})
	if err != nil {
		return errors.Wrap(err, "[Service.AssignRole] marshal")
	}

	endpoint := fmt.Sprintf("%sresources/%s/roles", s.apiURL, url.PathEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "[Service.AssignRole] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "[Service.AssignRole] PUT roles")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("[Service.AssignRole] status %d", resp.StatusCode)
	}
	return nil
}

// UsersByRole lists the assignments of roleName on resourceID:
// GET {api}/resources/{resourceID}/roles/{roleName}.
func (s *Service) UsersByRole(ctx context.Context, resourceID, roleName string) ([]RoleAssignment, error) {
	endpoint := fmt.Sprintf("%sresources/%s/roles/%s", s.apiURL, url.PathEscape(resourceID), url.PathEscape(roleName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.UsersByRole] build request")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.UsersByRole] GET roles")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("[Service.UsersByRole] status %d", resp.StatusCode)
	}

	var listing struct {
		Data []RoleAssignment `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&listing); err != nil {
		return nil, errors.Wrap(err, "[Service.UsersByRole] decode")
	}
	return listing.Data, nil
}

// audit exchanges the current token for an RPT carrying extended permission
// claims. An empty rpt_token means the auth service has nothing to grant.
func (s *Service) audit(ctx context.Context, accessToken, resourceID string) (string, error) {
	endpoint := fmt.Sprintf("%stoken/audit?resource_id=%s", s.apiURL, url.QueryEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "POST token/audit")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(AuditFailedErr, "status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return "", nil
	}

	var audited struct {
		RPTToken string `json:"rpt_token"`
	}
	if err := json.Unmarshal(body, &audited); err != nil {
		return "", errors.Wrap(err, "decode")
	}
	return audited.RPTToken, nil
}

func (s *Service) authorize(req *http.Request) {
	if accessToken, ok := s.store.Get(session.AccessTokenKey); ok {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

func ensureSlash(base string) string {
	if base[len(base)-1] == '/' {
		return base
	}
	return base + "/"
}
