// Package provider implements the HTTP client for the remote identity
// provider: the device-code endpoint, one-shot polling of the token endpoint,
// and the refresh-token grant.
package provider

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by the identity provider, mapped from the structured
// error codes in its token responses
var (
	// ErrAuthorizationPending indicates the user has not approved yet
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrSlowDown indicates the provider's polling rate limit was hit
	ErrSlowDown = errors.New("polling too frequently")

	// ErrExpiredCode indicates the device code has expired
	ErrExpiredCode = errors.New("device code expired")

	// ErrAccessDenied indicates the user rejected the authorization request
	ErrAccessDenied = errors.New("user denied authorization")

	// ErrInvalidGrant indicates a permanently rejected grant: a bad device
	// code, or a refresh token revoked on the provider side
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrProviderUnavailable indicates the provider could not be reached
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// DeviceAuthorization is the provider's response to a device-code request
// per RFC 8628 section 3.2
type DeviceAuthorization struct {
	DeviceCode              string    `json:"device_code"`
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int       `json:"expires_in"`
	Interval                int       `json:"interval"`
	ExpiresAt               time.Time `json:"-"`
}

// Token is a provider-issued token payload with its computed absolute expiry
type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
}

// Provider defines the identity-provider operations this system consumes
type Provider interface {
	// StartDeviceAuthorization requests a new device and user code pair
	StartDeviceAuthorization(ctx context.Context) (*DeviceAuthorization, error)

	// PollDeviceToken makes one poll of the token endpoint for the given
	// device code. Pending, slow-down and expiry outcomes are reported as
	// the sentinel errors above.
	PollDeviceToken(ctx context.Context, deviceCode string) (*Token, error)

	// Refresh exchanges a refresh token for a fresh token payload
	Refresh(ctx context.Context, refreshToken string) (*Token, error)

	// CheckHealth verifies the provider is reachable
	CheckHealth(ctx context.Context) error
}
