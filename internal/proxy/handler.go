// Package proxy implements the credential-injecting request pipeline and
// the daemon that serves it.
//
// The proxy holds API credentials in its own address space. Clients on
// the loopback interface send unauthenticated requests to
// /<service>/<path>; the pipeline resolves the service, fetches its
// credential from the store, injects it per the service's auth mode, and
// streams the request to the upstream API. Credentials never appear in
// anything returned to the client, and every access lands in the audit
// sink.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tech4242/aquaman/internal/id"
	"github.com/tech4242/aquaman/internal/log"
	"github.com/tech4242/aquaman/internal/name"
	"github.com/tech4242/aquaman/internal/oauth"
	"github.com/tech4242/aquaman/internal/service"
	"github.com/tech4242/aquaman/internal/store"
)

// ClientTokenHeader carries the optional client token. It is stripped
// before forwarding; it must never reach an upstream.
const ClientTokenHeader = "X-Aquaman-Token"

// DefaultUpstreamTimeout bounds each forwarded request.
const DefaultUpstreamTimeout = 30 * time.Second

// Handler is the request pipeline. One Handler serves every request
// concurrently; the only shared mutable state lives in the OAuth cache
// and the audit sink, both internally synchronized.
type Handler struct {
	registry *service.Registry
	store    store.Store
	tokens   *oauth.Cache
	sink     Sink

	allowed         map[string]bool // nil means every registered service
	upstreamTimeout time.Duration
	transport       http.RoundTripper
	version         string
	startedAt       time.Time

	mu          sync.RWMutex
	clientToken string
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Registry *service.Registry
	Store    store.Store
	Tokens   *oauth.Cache
	Sink     Sink

	// AllowedServices restricts routing; empty allows every registered
	// service.
	AllowedServices []string

	// ClientToken, when set, gates every non-reserved endpoint.
	ClientToken string

	UpstreamTimeout time.Duration
	Transport       http.RoundTripper
	Version         string
}

// NewHandler creates the pipeline handler.
func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		registry:        opts.Registry,
		store:           opts.Store,
		tokens:          opts.Tokens,
		sink:            opts.Sink,
		upstreamTimeout: opts.UpstreamTimeout,
		transport:       opts.Transport,
		version:         opts.Version,
		startedAt:       time.Now(),
		clientToken:     opts.ClientToken,
	}
	if h.upstreamTimeout <= 0 {
		h.upstreamTimeout = DefaultUpstreamTimeout
	}
	if h.transport == nil {
		h.transport = http.DefaultTransport
	}
	if len(opts.AllowedServices) > 0 {
		h.allowed = make(map[string]bool, len(opts.AllowedServices))
		for _, svc := range opts.AllowedServices {
			h.allowed[svc] = true
		}
	}
	return h
}

// ClearClientToken wipes the expected client token. Called on daemon stop.
func (h *Handler) ClearClientToken() {
	h.mu.Lock()
	h.clientToken = ""
	h.mu.Unlock()
}

// allowedServices returns the routable service names.
func (h *Handler) allowedServices() []string {
	var names []string
	for _, svc := range h.registry.Names() {
		if h.allowed == nil || h.allowed[svc] {
			names = append(names, svc)
		}
	}
	return names
}

// ServeHTTP runs the pipeline for one request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Reserved endpoints are exempt from the client-token gate.
	switch r.URL.Path {
	case "/_health":
		h.handleHealth(w, r)
		return
	case "/_hostmap":
		h.handleHostMap(w, r)
		return
	}

	if !h.checkClientToken(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info := RequestInfo{
		ID:        id.Generate("req"),
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: time.Now().UTC(),
	}
	h.serve(w, r, &info)

	if h.sink != nil {
		h.sink(info)
	}
}

// serve executes routing, credential injection, and forwarding, recording
// the outcome in info.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
	svc, remaining := splitServicePath(r.URL.Path)
	if svc == "" || !name.IsValidService(svc) {
		info.StatusCode = http.StatusNotFound
		info.Error = "invalid service name"
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	info.Service = svc

	if h.allowed != nil && !h.allowed[svc] {
		info.StatusCode = http.StatusNotFound
		info.Error = "service not allowed"
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	def, ok := h.registry.Get(svc)
	if !ok {
		info.StatusCode = http.StatusNotFound
		info.Error = "unknown service"
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if def.AuthMode == service.AuthNone {
		info.StatusCode = http.StatusBadRequest
		info.Error = "auth mode none"
		http.Error(w, "at-rest storage only", http.StatusBadRequest)
		return
	}

	credential, err := h.store.Get(r.Context(), svc, def.CredentialKey)
	if errors.Is(err, store.ErrNotFound) {
		info.StatusCode = http.StatusUnauthorized
		info.Error = "credential not found"
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": fmt.Sprintf("no credential stored for %s/%s", svc, def.CredentialKey),
			"fix":   fmt.Sprintf("Run: aquaman credentials add %s %s", svc, def.CredentialKey),
		})
		return
	}
	if err != nil {
		info.StatusCode = http.StatusInternalServerError
		info.Error = "credential store error"
		log.Error("credential store failure", "service", svc, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	info.Authenticated = true

	upstreamURL, err := buildUpstreamURL(def, credential, remaining, r.URL.RawQuery)
	if err != nil {
		info.StatusCode = http.StatusInternalServerError
		info.Error = "building upstream URL"
		log.Error("building upstream URL", "service", svc, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	headers, err := h.buildHeaders(r, def, credential)
	if err != nil {
		status := http.StatusInternalServerError
		var xerr *oauth.ExchangeError
		if errors.As(err, &xerr) {
			log.Error("oauth exchange failed",
				"service", svc,
				"status", xerr.StatusCode)
		} else {
			log.Error("building upstream headers", "service", svc, "error", err)
		}
		info.StatusCode = status
		info.Error = "auth injection failed"
		http.Error(w, "Internal error", status)
		return
	}

	h.forward(w, r, upstreamURL, headers, info)
}

// forward streams the request to the upstream and the response back.
// Bodies pass through without materialization; per-request memory stays
// bounded irrespective of body size.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, upstreamURL *url.URL, headers http.Header, info *RequestInfo) {
	ctx, cancel := context.WithTimeout(r.Context(), h.upstreamTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		info.StatusCode = http.StatusInternalServerError
		info.Error = "building upstream request"
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	outReq.Header = headers
	outReq.ContentLength = r.ContentLength

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() == context.DeadlineExceeded) {
			info.StatusCode = http.StatusGatewayTimeout
			info.Error = "upstream timeout"
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
			return
		}
		info.StatusCode = http.StatusBadGateway
		info.Error = "upstream connection error"
		log.Warn("upstream connection error",
			"service", info.Service,
			"host", upstreamURL.Host,
			"error", err)
		http.Error(w, "Upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if strings.EqualFold(key, "Transfer-Encoding") {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	info.StatusCode = resp.StatusCode

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client went away or upstream died mid-body; status is already
		// committed, so only the audit record notes it.
		info.Error = "response stream interrupted"
	}
}

// buildHeaders copies the client's headers minus the denylist and injects
// authentication per the service's auth mode.
func (h *Handler) buildHeaders(r *http.Request, def *service.Definition, credential string) (http.Header, error) {
	authHeader := def.AuthHeaderOrDefault()

	headers := make(http.Header, len(r.Header))
	for key, values := range r.Header {
		if strings.EqualFold(key, "Host") ||
			strings.EqualFold(key, "Authorization") ||
			strings.EqualFold(key, ClientTokenHeader) ||
			(authHeader != "" && strings.EqualFold(key, authHeader)) {
			continue
		}
		for _, value := range values {
			headers.Add(key, value)
		}
	}

	switch def.AuthMode {
	case service.AuthHeader:
		headers.Set(def.AuthHeaderName, def.AuthPrefix+credential)
	case service.AuthBasic:
		password := ""
		if len(def.AdditionalCredentialKeys) > 0 {
			v, err := h.store.Get(r.Context(), def.Name, def.AdditionalCredentialKeys[0])
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("fetching basic-auth password: %w", err)
			}
			password = v
		}
		headers.Set("Authorization", "Basic "+basicAuth(credential, password))
	case service.AuthOAuth:
		token, err := h.tokens.Token(r.Context(), def)
		if err != nil {
			return nil, err
		}
		prefix := def.AuthPrefix
		if prefix == "" {
			prefix = "Bearer "
		}
		headers.Set(authHeader, prefix+token)
	case service.AuthURLPath:
		// Credential already lives in the URL; nothing to inject.
	}

	// Additional headers each carry their own fetched credential; a
	// missing credential omits the header silently.
	for header, ref := range def.AdditionalHeaders {
		value, err := h.store.Get(r.Context(), def.Name, ref.CredentialKey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching additional header credential %s: %w", ref.CredentialKey, err)
		}
		headers.Set(header, ref.Prefix+value)
	}

	return headers, nil
}

// checkClientToken validates the client token when one is configured.
// Comparison is constant-time; a length mismatch still burns a comparison
// against the expected token so length is not observable through timing.
func (h *Handler) checkClientToken(r *http.Request) bool {
	h.mu.RLock()
	want := h.clientToken
	h.mu.RUnlock()
	if want == "" {
		return true
	}

	got := r.Header.Get(ClientTokenHeader)
	if got == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = auth[len("Bearer "):]
		}
	}

	if len(got) != len(want) {
		subtle.ConstantTimeCompare([]byte(want), []byte(want))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// handleHealth serves the unauthenticated liveness endpoint.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	services := h.allowedServices()
	if services == nil {
		services = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
		"version":  h.version,
		"services": services,
	})
}

// handleHostMap serves the hostname-pattern to service-name map consumed
// by host-process interceptors.
func (h *Handler) handleHostMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.BuildHostMap())
}

// splitServicePath splits "/<service>/<remaining>" into its parts. The
// remaining path always starts with "/" (or is empty for a bare
// "/<service>").
func splitServicePath(path string) (svc, remaining string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, ""
}

// buildUpstreamURL resolves the remaining path (plus url-path credential
// injection) against the service's upstream base URL.
func buildUpstreamURL(def *service.Definition, credential, remaining, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(def.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for %s: %w", def.Name, err)
	}

	upstreamPath := remaining
	if def.AuthMode == service.AuthURLPath {
		upstreamPath = strings.ReplaceAll(def.AuthPathTemplate, "{token}", credential) + remaining
	}

	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + upstreamPath
	u.RawQuery = rawQuery
	return &u, nil
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("writing JSON response", "error", err)
	}
}
