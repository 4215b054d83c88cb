package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/zbworker/internal/backoff"
)

const (
	DefaultExpirySkew     = 5 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	// DefaultTokenLifetime applies when the server omits expires_in.
	DefaultTokenLifetime  = time.Hour
)

// OAuthConfig configures an OAuthProvider.
type OAuthConfig struct {
	URL          string // token endpoint
	Audience     string
	ClientID     string
	ClientSecret string
	Scope        string

	// Store persists tokens across restarts. Nil keeps tokens in memory only.
	Store Store

	ExpirySkew     time.Duration
	TokenLifetime  time.Duration // used when the response carries no expiry
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OAuthProvider obtains bearer tokens with the client-credentials grant.
type OAuthProvider struct {
	cfg     OAuthConfig
	creds   clientcredentials.Config
	backoff backoff.Strategy
	log     *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	token      *Token
	renewTimer *time.Timer
	renewGen   uint64
	failures   int
	stopped    bool
	stopCh     chan struct{}

	// fetch is replaced in tests.
	fetch func(ctx context.Context) (*oauth2.Token, error)
}

// NewOAuthProvider validates cfg and returns a provider. No request is made
// until the first call to Token.
func NewOAuthProvider(cfg OAuthConfig) (*OAuthProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.URL == "" {
		return nil, ErrNoCredentials
	}
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = DefaultExpirySkew
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &OAuthProvider{
		cfg: cfg,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.URL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		backoff: backoff.NewExponential(cfg.BackoffBase, cfg.BackoffMax),
		log:     logger.With("component", "auth", "client_id", cfg.ClientID),
		stopCh:  make(chan struct{}),
	}
	if cfg.Scope != "" {
		p.creds.Scopes = []string{cfg.Scope}
	}
	if cfg.Audience != "" {
		p.creds.EndpointParams = url.Values{"audience": {cfg.Audience}}
	}
	p.fetch = p.requestToken
	return p, nil
}

// Token returns a valid access token. Concurrent callers that miss the cache
// share a single resolution.
func (p *OAuthProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrProviderStopped
	}
	if p.token != nil {
		tok := p.token.AccessToken
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan(p.cfg.ClientID, func() (interface{}, error) {
		return p.resolve()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Failures returns the number of consecutive failed token requests.
func (p *OAuthProvider) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Stop disarms the renewal timer and aborts pending backoff waits.
func (p *OAuthProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
	if p.renewTimer != nil {
		p.renewTimer.Stop()
		p.renewTimer = nil
	}
}

func (p *OAuthProvider) resolve() (string, error) {
	p.mu.Lock()
	if p.token != nil {
		tok := p.token.AccessToken
		p.mu.Unlock()
		return tok, nil
	}
	failures := p.failures
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()

	if tok := p.loadStored(ctx); tok != nil {
		p.setToken(tok)
		return tok.AccessToken, nil
	}

	if failures > 0 {
		delay := p.backoff.Delay(failures)
		p.log.Debug("Waiting before token request", "failures", failures, "delay", delay)
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			return "", ErrProviderStopped
		}
	}

	raw, err := p.fetch(ctx)
	if err != nil {
		p.mu.Lock()
		p.failures++
		n := p.failures
		p.mu.Unlock()
		p.log.Error("Token request failed", "failures", n, "next_delay", p.backoff.Delay(n), "error", err)
		return "", fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}

	tok := &Token{
		AccessToken: raw.AccessToken,
		TokenType:   raw.Type(),
		Expiry:      raw.Expiry,
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(p.cfg.TokenLifetime)
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()

	if p.cfg.Store != nil {
		if err := p.cfg.Store.Save(ctx, p.cfg.ClientID, tok); err != nil {
			p.log.Warn("Failed to persist token", "error", err)
		}
	}
	p.setToken(tok)
	p.log.Debug("Token obtained", "expiry", tok.Expiry)
	return tok.AccessToken, nil
}

func (p *OAuthProvider) loadStored(ctx context.Context) *Token {
	if p.cfg.Store == nil {
		return nil
	}
	tok, err := p.cfg.Store.Load(ctx, p.cfg.ClientID)
	if err != nil {
		p.log.Warn("Ignoring unreadable cached token", "error", err)
		_ = p.cfg.Store.Delete(ctx, p.cfg.ClientID)
		return nil
	}
	if tok == nil {
		return nil
	}
	if !tok.validAt(time.Now(), p.cfg.ExpirySkew) {
		if err := p.cfg.Store.Delete(ctx, p.cfg.ClientID); err != nil {
			p.log.Warn("Failed to remove stale token", "error", err)
		}
		return nil
	}
	p.log.Debug("Using cached token", "expiry", tok.Expiry)
	return tok
}

// setToken caches tok in memory and arms the renewal timer.
func (p *OAuthProvider) setToken(tok *Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.token = tok
	if p.renewTimer != nil {
		p.renewTimer.Stop()
		p.renewTimer = nil
	}
	p.renewGen++
	gen := p.renewGen
	d := time.Until(tok.Expiry.Add(-p.cfg.ExpirySkew))
	if d < 0 {
		d = 0
	}
	p.renewTimer = time.AfterFunc(d, func() { p.evict(gen) })
}

func (p *OAuthProvider) evict(gen uint64) {
	p.mu.Lock()
	if gen != p.renewGen || p.stopped {
		p.mu.Unlock()
		return
	}
	p.token = nil
	p.renewTimer = nil
	p.mu.Unlock()

	p.log.Debug("Token reached renewal point, evicting")
	if p.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()
	if err := p.cfg.Store.Delete(ctx, p.cfg.ClientID); err != nil {
		p.log.Warn("Failed to remove expired token", "error", err)
	}
}

func (p *OAuthProvider) requestToken(ctx context.Context) (*oauth2.Token, error) {
	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}
	return p.creds.Token(ctx)
}
