package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// defaultTimeout bounds every provider network call
	defaultTimeout = 10 * time.Second

	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// Config holds identity-provider client configuration
type Config struct {
	ClientID      string
	ClientSecret  string
	DeviceAuthURL string
	TokenURL      string
	Scope         string
	HealthURL     string
	Timeout       time.Duration
}

// Client implements Provider against a standard OAuth2 identity provider
type Client struct {
	client        *http.Client
	clientID      string
	clientSecret  string
	deviceAuthURL string
	tokenURL      string
	scope         string
	healthURL     string
}

// NewClient creates an identity-provider client from cfg
func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.DeviceAuthURL == "" {
		return nil, fmt.Errorf("device authorization URL is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	for _, raw := range []string{cfg.DeviceAuthURL, cfg.TokenURL} {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("invalid endpoint URL %q: %w", raw, err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		client:        &http.Client{Timeout: timeout},
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		deviceAuthURL: cfg.DeviceAuthURL,
		tokenURL:      cfg.TokenURL,
		scope:         cfg.Scope,
		healthURL:     cfg.HealthURL,
	}, nil
}

// StartDeviceAuthorization requests a device and user code pair per RFC 8628
// section 3.1
func (c *Client) StartDeviceAuthorization(ctx context.Context) (*DeviceAuthorization, error) {
	data := url.Values{
		"client_id": {c.clientID},
	}
	if c.scope != "" {
		data.Set("scope", c.scope)
	}
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	body, err := c.postForm(ctx, c.deviceAuthURL, data)
	if err != nil {
		return nil, err
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("parsing device authorization response: %w", err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, fmt.Errorf("device authorization response missing codes")
	}

	auth.ExpiresAt = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	return &auth, nil
}

// PollDeviceToken makes a single device-code grant request and classifies the
// structured error response per RFC 8628 section 3.5
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (*Token, error) {
	data := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {c.clientID},
	}
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// An HTTP 429 is a rate-limit signal even without a parseable body
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, ErrSlowDown
		}

		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, body)
		}

		switch errResp.Error {
		case "authorization_pending":
			return nil, ErrAuthorizationPending
		case "slow_down":
			return nil, ErrSlowDown
		case "expired_token":
			return nil, ErrExpiredCode
		case "access_denied":
			return nil, ErrAccessDenied
		case "invalid_grant":
			return nil, ErrInvalidGrant
		default:
			return nil, fmt.Errorf("token request failed: %s: %s", errResp.Error, errResp.ErrorDescription)
		}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
		Scope:        tokenResp.Scope,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// Refresh performs a refresh-token grant through the oauth2 token source,
// which also preserves the old refresh token when the provider does not
// rotate it
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.tokenURL,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			switch retrieveErr.ErrorCode {
			case "invalid_grant", "invalid_token", "unauthorized_client":
				return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, retrieveErr.ErrorDescription)
			}
			if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
			}
			return nil, fmt.Errorf("refresh request failed: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	scope := ""
	if s, ok := tok.Extra("scope").(string); ok {
		scope = s
	}

	return &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Scope:        scope,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// CheckHealth verifies the provider is reachable. Without a configured health
// endpoint there is nothing to probe.
func (c *Client) CheckHealth(ctx context.Context) error {
	if c.healthURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrProviderUnavailable
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s failed with status %d: %s", endpoint, resp.StatusCode, body)
	}

	return body, nil
}
