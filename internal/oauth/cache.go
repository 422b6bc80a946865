// Package oauth exchanges stored client credentials for short-lived bearer
// tokens and caches them per service.
//
// The cache is the only pipeline component that performs outbound network
// calls on behalf of a request without user involvement, so its failure
// modes are kept narrow: a failed exchange fails the one request and
// records nothing.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/tech4242/aquaman/internal/log"
	"github.com/tech4242/aquaman/internal/service"
	"github.com/tech4242/aquaman/internal/store"
)

// DefaultRefreshBuffer is how long before expiry a cached token stops
// being served, so in-flight upstream calls never carry a token that
// expires mid-request.
const DefaultRefreshBuffer = 60 * time.Second

// DefaultMaxSize bounds the cache. One entry per oauth service; 64 is far
// above any realistic registry.
const DefaultMaxSize = 64

// defaultExpiresIn applies when the token endpoint omits expires_in.
const defaultExpiresIn = 3600 * time.Second

// errorBodyLimit truncates upstream error bodies quoted in diagnostics.
const errorBodyLimit = 256

// placeholderRe matches {key} placeholders in a token URL.
var placeholderRe = regexp.MustCompile(`\{([a-z0-9][a-z0-9._-]*)\}`)

// ExchangeError reports a failed client-credentials exchange.
type ExchangeError struct {
	Service    string
	StatusCode int // 0 when the endpoint was never reached
	Detail     string
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oauth exchange for %s failed: token endpoint returned %d: %s", e.Service, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("oauth exchange for %s failed: %s", e.Service, e.Detail)
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Cache is the process-wide token cache, keyed by service name. Lookups
// and eviction are serialized under one lock; concurrent misses for the
// same service collapse into a single exchange.
type Cache struct {
	store         store.Store
	client        *http.Client
	refreshBuffer time.Duration
	maxSize       int
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// Options tunes a Cache. Zero values select defaults.
type Options struct {
	HTTPClient    *http.Client
	RefreshBuffer time.Duration
	MaxSize       int
}

// NewCache creates a token cache backed by the given credential store.
func NewCache(st store.Store, opts Options) *Cache {
	c := &Cache{
		store:         st,
		client:        opts.HTTPClient,
		refreshBuffer: opts.RefreshBuffer,
		maxSize:       opts.MaxSize,
		now:           time.Now,
		entries:       make(map[string]entry),
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.refreshBuffer <= 0 {
		c.refreshBuffer = DefaultRefreshBuffer
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxSize
	}
	return c
}

// Token returns a valid access token for the service, exchanging client
// credentials when no fresh cached token exists. One cached token is
// legitimately shared across concurrent requests to the same service.
func (c *Cache) Token(ctx context.Context, def *service.Definition) (string, error) {
	if def.OAuth == nil {
		return "", fmt.Errorf("service %s has no oauth config", def.Name)
	}

	if token, ok := c.cached(def.Name); ok {
		return token, nil
	}

	v, err, _ := c.group.Do(def.Name, func() (any, error) {
		// A concurrent flight may have refreshed the token while this
		// call waited on the group.
		if token, ok := c.cached(def.Name); ok {
			return token, nil
		}
		token, expiresAt, err := c.exchange(ctx, def)
		if err != nil {
			return nil, err
		}
		c.insert(def.Name, token, expiresAt)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cached returns a token that remains valid past the refresh buffer.
func (c *Cache) cached(svc string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[svc]
	if !ok || !e.expiresAt.After(c.now().Add(c.refreshBuffer)) {
		return "", false
	}
	return e.token, true
}

// insert adds a token, first dropping expired entries and then, if the
// cache is still full, the entry closest to expiry. Eviction is atomic
// with the insert.
func (c *Cache) insert(svc, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if e.expiresAt.Before(now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.maxSize {
		type kv struct {
			k string
			e entry
		}
		all := make([]kv, 0, len(c.entries))
		for k, e := range c.entries {
			all = append(all, kv{k, e})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].e.expiresAt.Before(all[j].e.expiresAt) })
		for i := 0; len(c.entries) >= c.maxSize && i < len(all); i++ {
			delete(c.entries, all[i].k)
		}
	}
	c.entries[svc] = entry{token: token, expiresAt: expiresAt}
}

// Invalidate drops the cached token for one service.
func (c *Cache) Invalidate(svc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, svc)
}

// Clear drops every cached token.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// exchange performs the client-credentials POST.
func (c *Cache) exchange(ctx context.Context, def *service.Definition) (string, time.Time, error) {
	cfg := def.OAuth

	clientID, err := c.credential(ctx, def.Name, cfg.ClientIDKey)
	if err != nil {
		return "", time.Time{}, err
	}
	clientSecret, err := c.credential(ctx, def.Name, cfg.ClientSecretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	tokenURL, err := c.resolveTokenURL(ctx, def.Name, cfg.TokenURL)
	if err != nil {
		return "", time.Time{}, err
	}

	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.Scope != "" {
		cc.Scopes = []string{cfg.Scope}
	}
	if cfg.Audience != "" {
		cc.EndpointParams = url.Values{"audience": []string{cfg.Audience}}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	tok, err := cc.Token(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			body := strings.TrimSpace(string(rerr.Body))
			if len(body) > errorBodyLimit {
				body = body[:errorBodyLimit] + "..."
			}
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return "", time.Time{}, &ExchangeError{Service: def.Name, StatusCode: status, Detail: body}
		}
		return "", time.Time{}, &ExchangeError{Service: def.Name, Detail: err.Error()}
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, &ExchangeError{Service: def.Name, Detail: "token response missing access_token"}
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultExpiresIn)
	}
	log.Debug("oauth token obtained",
		"subsystem", "oauth",
		"service", def.Name,
		"expires_at", expiresAt)
	return tok.AccessToken, expiresAt, nil
}

// credential fetches one exchange input, failing with the key name so the
// operator knows exactly what is missing.
func (c *Cache) credential(ctx context.Context, svc, key string) (string, error) {
	value, err := c.store.Get(ctx, svc, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("oauth exchange for %s: missing credential %s/%s", svc, svc, key)
	}
	if err != nil {
		return "", fmt.Errorf("oauth exchange for %s: reading %s/%s: %w", svc, svc, key, err)
	}
	return value, nil
}

// resolveTokenURL substitutes every {key} placeholder from the store.
func (c *Cache) resolveTokenURL(ctx context.Context, svc, tokenURL string) (string, error) {
	var resolveErr error
	resolved := placeholderRe.ReplaceAllStringFunc(tokenURL, func(match string) string {
		if resolveErr != nil {
			return match
		}
		key := match[1 : len(match)-1]
		value, err := c.store.Get(ctx, svc, key)
		if errors.Is(err, store.ErrNotFound) {
			resolveErr = fmt.Errorf("oauth exchange for %s: token URL references missing credential %s/%s", svc, svc, key)
			return match
		}
		if err != nil {
			resolveErr = fmt.Errorf("oauth exchange for %s: resolving token URL key %s: %w", svc, key, err)
			return match
		}
		return url.PathEscape(value)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return resolved, nil
}
