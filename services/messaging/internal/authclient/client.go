package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"threadline/pkg/domain"
)

// Client calls the identity service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an identity service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Me resolves a bearer token to the acting user.
func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return domain.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.User{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.User{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var user domain.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return domain.User{}, err
	}
	if strings.TrimSpace(user.ID) == "" {
		return domain.User{}, errors.New("identity response missing user id")
	}
	return user, nil
}

// APIError represents an identity service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
