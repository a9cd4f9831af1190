// Package deviceauth implements the client-facing state machine driving the
// device authorization handshake: starting a session, polling the provider,
// and growing the poll interval under rate-limit pressure.
package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxhome/oauth2-token-keeper/internal/credstore"
	"github.com/voxhome/oauth2-token-keeper/internal/provider"
)

const (
	// DefaultStartInterval is the initial poll spacing. It sits above common
	// provider minimums because fixed-interval polling at exactly the stated
	// minimum trips rate limiting under real network jitter.
	DefaultStartInterval = 3 * time.Second

	// DefaultMaxInterval caps backoff so a UI polling loop stays responsive
	DefaultMaxInterval = 8 * time.Second

	// backoffFactor grows the interval on every slow-down signal
	backoffFactor = 1.5
)

// State is the poller's lifecycle state
type State string

// Poller states. Authorized, Expired, Cancelled and Errored are terminal;
// a new Start replaces the session from any state.
const (
	StateIdle       State = "idle"
	StateRequested  State = "requested"
	StatePolling    State = "polling"
	StateAuthorized State = "authorized"
	StateExpired    State = "expired"
	StateCancelled  State = "cancelled"
	StateErrored    State = "error"
)

// Status is the outcome of a single poll, branched on by the caller
type Status string

// Poll outcomes
const (
	StatusPending    Status = "pending"
	StatusSlowDown   Status = "slow_down"
	StatusExpired    Status = "expired"
	StatusAuthorized Status = "authorized"
	StatusError      Status = "error"
)

// Authorization is the subset of a session safe to hand to the caller. The
// device code never leaves this package.
type Authorization struct {
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// PollResult reports one poll outcome and the interval the caller must wait
// before the next poll. After a slow-down the interval is the grown one.
type PollResult struct {
	Status   Status        `json:"status"`
	Interval time.Duration `json:"-"`
}

// session is one in-flight authorization attempt
type session struct {
	deviceCode              string
	userCode                string
	verificationURI         string
	verificationURIComplete string
	expiresAt               time.Time
	interval                time.Duration
}

// Poller drives the device authorization grant to a terminal outcome
type Poller struct {
	provider      provider.Provider
	store         credstore.Store
	logger        *zap.Logger
	startInterval time.Duration
	maxInterval   time.Duration

	mu      sync.Mutex
	state   State
	session *session
}

// Option configures a Poller
type Option func(*Poller)

// WithStartInterval sets the initial poll interval
func WithStartInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.startInterval = d
		}
	}
}

// WithMaxInterval sets the backoff cap
func WithMaxInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.maxInterval = d
		}
	}
}

// NewPoller creates a poller that saves completed authorizations to store
func NewPoller(prov provider.Provider, store credstore.Store, logger *zap.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		provider:      prov,
		store:         store,
		logger:        logger,
		startInterval: DefaultStartInterval,
		maxInterval:   DefaultMaxInterval,
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxInterval < p.startInterval {
		p.maxInterval = p.startInterval
	}
	return p
}

// Start begins a new authorization attempt, replacing any prior session
func (p *Poller) Start(ctx context.Context) (*Authorization, error) {
	auth, err := p.provider.StartDeviceAuthorization(ctx)
	if err != nil {
		return nil, fmt.Errorf("requesting device authorization: %w", err)
	}

	interval := p.startInterval
	if provided := time.Duration(auth.Interval) * time.Second; provided > interval {
		interval = provided
	}

	p.mu.Lock()
	p.session = &session{
		deviceCode:              auth.DeviceCode,
		userCode:                auth.UserCode,
		verificationURI:         auth.VerificationURI,
		verificationURIComplete: auth.VerificationURIComplete,
		expiresAt:               auth.ExpiresAt,
		interval:                interval,
	}
	p.state = StateRequested
	p.mu.Unlock()

	p.logger.Info("device authorization started",
		zap.String("user_code", auth.UserCode),
		zap.Int("expires_in", auth.ExpiresIn),
		zap.Duration("interval", interval),
	)

	return &Authorization{
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresIn:               auth.ExpiresIn,
		Interval:                int(interval.Seconds()),
	}, nil
}

// Poll makes one status check against the provider. Concurrent polls are
// serialized so a racing UI cannot defeat the provider's rate limits.
func (p *Poller) Poll(ctx context.Context) PollResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return PollResult{Status: StatusError}
	}

	// Local expiry check saves a wasted round-trip; the provider enforces
	// the real deadline.
	if time.Now().After(p.session.expiresAt) {
		p.discard(StateExpired)
		return PollResult{Status: StatusExpired}
	}

	p.state = StatePolling

	token, err := p.provider.PollDeviceToken(ctx, p.session.deviceCode)
	if err != nil {
		return p.classifyPollError(err)
	}

	cred := &credstore.Credential{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
		ExpiresAt:    token.ExpiresAt,
	}
	if err := p.store.Save(ctx, cred); err != nil {
		p.logger.Error("saving credential after authorization", zap.Error(err))
		p.discard(StateErrored)
		return PollResult{Status: StatusError}
	}

	p.logger.Info("device authorization completed",
		zap.Time("expires_at", cred.ExpiresAt),
	)
	p.discard(StateAuthorized)
	return PollResult{Status: StatusAuthorized}
}

// Cancel discards any in-flight session
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.discard(StateCancelled)
	}
}

// Status reports the current state and, while a session is active, the
// caller-safe session details
func (p *Poller) Status() (State, *Authorization) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return p.state, nil
	}
	return p.state, &Authorization{
		UserCode:                p.session.userCode,
		VerificationURI:         p.session.verificationURI,
		VerificationURIComplete: p.session.verificationURIComplete,
		ExpiresIn:               int(time.Until(p.session.expiresAt).Seconds()),
		Interval:                int(p.session.interval.Seconds()),
	}
}

// classifyPollError maps provider errors to poll outcomes. Called with the
// mutex held.
func (p *Poller) classifyPollError(err error) PollResult {
	switch {
	case errors.Is(err, provider.ErrAuthorizationPending):
		return PollResult{Status: StatusPending, Interval: p.session.interval}

	case errors.Is(err, provider.ErrSlowDown):
		// Strictly increasing, capped, never reset mid-session
		grown := time.Duration(float64(p.session.interval) * backoffFactor)
		if grown > p.maxInterval {
			grown = p.maxInterval
		}
		p.session.interval = grown
		p.logger.Debug("provider requested slower polling", zap.Duration("interval", grown))
		return PollResult{Status: StatusSlowDown, Interval: grown}

	case errors.Is(err, provider.ErrExpiredCode), errors.Is(err, provider.ErrInvalidGrant):
		p.discard(StateExpired)
		return PollResult{Status: StatusExpired}

	default:
		p.logger.Warn("device authorization failed", zap.Error(err))
		p.discard(StateErrored)
		return PollResult{Status: StatusError}
	}
}

// discard drops the session and records the terminal state. Called with the
// mutex held.
func (p *Poller) discard(terminal State) {
	p.session = nil
	p.state = terminal
}
