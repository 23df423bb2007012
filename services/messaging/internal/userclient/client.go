package userclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"motochat/internal/servicetoken"
	"motochat/pkg/domain"
)

// ErrNotFound is returned when the user service has no such user.
var ErrNotFound = errors.New("user not found")

// Client calls the user service's internal API.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// APIError represents a user service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("user service: %d %s", e.Status, e.Message)
}

func NewClient(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// FindUser fetches a user's canonical role. Unknown roles are rejected here,
// at the identity boundary, and never reach the policy.
func (c *Client) FindUser(ctx context.Context, id string) (domain.UserRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.UserRef{}, ErrNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/users/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.UserRef{}, err
	}
	if c.signer != nil {
		if err := c.signer.Authorize(req, "user-service", servicetoken.ScopeUsersRead); err != nil {
			return domain.UserRef{}, fmt.Errorf("sign user request: %w", err)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.UserRef{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.UserRef{}, ErrNotFound
	case resp.StatusCode >= 400:
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error == "" {
			errResp.Error = resp.Status
		}
		return domain.UserRef{}, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	var payload struct {
		ID   string `json:"id"`
		Role string `json:"role"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.UserRef{}, fmt.Errorf("decode user: %w", err)
	}
	role, err := domain.ParseRole(payload.Role)
	if err != nil {
		return domain.UserRef{}, fmt.Errorf("user %s: %w", id, err)
	}
	if payload.ID == "" {
		payload.ID = id
	}
	return domain.UserRef{ID: payload.ID, Role: role, Name: payload.Name}, nil
}
