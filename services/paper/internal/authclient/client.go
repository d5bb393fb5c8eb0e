package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"sciecho/pkg/domain"
)

// Client calls the auth service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an auth service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs an auth service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Me resolves the bearer token to the current principal.
func (c *Client) Me(ctx context.Context, token string) (domain.Principal, error) {
	var principal domain.Principal
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", token, nil, &principal); err != nil {
		return domain.Principal{}, err
	}
	if strings.TrimSpace(principal.ID) == "" {
		return domain.Principal{}, &APIError{Status: http.StatusUnauthorized, Message: "principal id missing"}
	}
	return principal, nil
}

// Logout signs the principal out. refreshToken is optional.
func (c *Client) Logout(ctx context.Context, token, refreshToken string) error {
	var payload any
	if refreshToken != "" {
		payload = map[string]string{"refreshToken": refreshToken}
	}
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", token, payload, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
