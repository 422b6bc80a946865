package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tech4242/aquaman/internal/oauth"
	"github.com/tech4242/aquaman/internal/service"
	"github.com/tech4242/aquaman/internal/store"
)

func newTestServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	registry := service.NewRegistry("")
	st := store.NewMemoryStore()
	handler := NewHandler(HandlerOptions{
		Registry: registry,
		Store:    st,
		Tokens:   oauth.NewCache(st, oauth.Options{}),
		Version:  "test",
	})
	srv := NewServer(handler, opts)
	t.Cleanup(func() {
		srv.Stop(context.Background())
	})
	return srv
}

func TestServerStartStopTCP(t *testing.T) {
	srv := newTestServer(t, ServerOptions{Port: 0})

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())

	port := srv.Port()
	require.NotZero(t, port, "port 0 must resolve to a dynamic port")

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/_health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	require.NoError(t, srv.Stop(context.Background()))
	assert.False(t, srv.IsRunning())
}

func TestServerDoubleStartFails(t *testing.T) {
	srv := newTestServer(t, ServerOptions{Port: 0})

	require.NoError(t, srv.Start())
	err := srv.Start()
	require.Error(t, err, "second Start while running must fail loudly")
	assert.Contains(t, err.Error(), "already running")
}

func TestServerRestartAfterStop(t *testing.T) {
	srv := newTestServer(t, ServerOptions{Port: 0})

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
}

func TestServerUnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "aquaman.sock")
	srv := newTestServer(t, ServerOptions{SocketPath: sockPath})

	require.NoError(t, srv.Start())
	assert.Equal(t, sockPath, srv.SocketPath())
	assert.Zero(t, srv.Port())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
	}
	resp, err := client.Get("http://aquaman/_health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerStaleSocketRemoved(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "aquaman.sock")

	// A leftover file from an unclean shutdown must not block binding.
	require.NoError(t, os.WriteFile(sockPath, nil, 0600))

	srv := newTestServer(t, ServerOptions{SocketPath: sockPath})
	require.NoError(t, srv.Start(), "stale socket file must be removed on bind")
}

func TestServerStopClearsClientToken(t *testing.T) {
	registry := service.NewRegistry("")
	st := store.NewMemoryStore()
	handler := NewHandler(HandlerOptions{
		Registry:    registry,
		Store:       st,
		Tokens:      oauth.NewCache(st, oauth.Options{}),
		ClientToken: "tok",
	})
	srv := NewServer(handler, ServerOptions{Port: 0})
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(context.Background()))

	handler.mu.RLock()
	defer handler.mu.RUnlock()
	assert.Empty(t, handler.clientToken, "client token must be wiped on stop")
}

func TestServerDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slowUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Write([]byte("done"))
	}))
	defer slowUpstream.Close()

	registry := service.NewRegistry("")
	require.NoError(t, registry.Register(service.Definition{
		Name:           "slow",
		Upstream:       slowUpstream.URL,
		AuthMode:       service.AuthHeader,
		AuthHeaderName: "x-key",
		CredentialKey:  "api_key",
	}))
	st := store.NewMemoryStore()
	require.NoError(t, st.Set(context.Background(), "slow", "api_key", "sk", nil))

	handler := NewHandler(HandlerOptions{
		Registry: registry,
		Store:    st,
		Tokens:   oauth.NewCache(st, oauth.Options{}),
	})
	srv := NewServer(handler, ServerOptions{Port: 0, ShutdownGrace: 2 * time.Second})
	require.NoError(t, srv.Start())

	got := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(srv.Port()) + "/slow/x")
		if err == nil {
			resp.Body.Close()
		}
		got <- err
	}()
	<-started

	stopDone := make(chan error, 1)
	go func() { stopDone <- srv.Stop(context.Background()) }()

	// Stop must wait for the in-flight request before returning.
	select {
	case <-stopDone:
		t.Fatal("Stop returned before in-flight request completed")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-got)
	require.NoError(t, <-stopDone)
}
