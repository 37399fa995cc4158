package gateway

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlpgate/inspector/internal/exchange"
)

// plainOrigin is a cleartext upstream for the proxy-facing tests, which use
// http:// targets.
func plainOrigin(t *testing.T, h http.HandlerFunc) *origin {
	t.Helper()
	o := &origin{srv: httptest.NewServer(h)}
	t.Cleanup(o.srv.Close)
	return o
}

func TestForward_StreamsEventsAsTheyArrive(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()
	o := plainOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, "data: second\n\n")
	})
	h := newHarness(t, decideWith(exchange.Allow(exchange.ReasonNoDetection)), o)

	proxy := httptest.NewServer(h.gw)
	defer proxy.Close()
	proxyURL, err := url.Parse(proxy.URL)
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	defer client.CloseIdleConnections()

	resp, err := client.Get("http://example.com/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", line)

	unblock()
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "\ndata: second\n\n", string(rest))
}

func TestForward_RelaysProtocolUpgrade(t *testing.T) {
	o := plainOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if !isUpgrade(r.Header) {
			http.Error(w, "upgrade required", http.StatusUpgradeRequired)
			return
		}
		conn, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
		_ = brw.Flush()
		line, err := brw.ReadString('\n')
		if err != nil {
			return
		}
		_, _ = brw.WriteString("echo: " + line)
		_ = brw.Flush()
	})
	h := newHarness(t, decideWith(exchange.Allow(exchange.ReasonNoDetection)), o)

	proxy := httptest.NewServer(h.gw)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET http://example.com/ws HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "echo", resp.Header.Get("Upgrade"))

	_, err = io.WriteString(conn, "hello\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo: hello\n", line)
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	o := plainOrigin(t, http.NotFound)
	h := newHarness(t, decideWith(exchange.Allow(exchange.ReasonNoDetection)), o)
	h.gw.transport = redirectTransport(t, deadAddr(t))

	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream request failed")
}

func TestForward_StripsHopByHopResponseHeaders(t *testing.T) {
	o := plainOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "X-Session-Hint")
		w.Header().Set("X-Session-Hint", "internal")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Origin", "yes")
		_, _ = io.WriteString(w, "ok")
	})
	h := newHarness(t, decideWith(exchange.Allow(exchange.ReasonNoDetection)), o)

	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Origin"))
	assert.Empty(t, rec.Header().Get("X-Session-Hint"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
	assert.Empty(t, rec.Header().Get("Connection"))
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Trace")
	h.Set("X-Trace", "1")
	h.Set("Proxy-Authorization", "Basic abc")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Authorization", "Bearer keep-me")

	removeHopByHop(h)

	assert.Equal(t, http.Header{"Authorization": {"Bearer keep-me"}}, h)
}

func TestIsUpgrade(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{name: "websocket", connection: "Upgrade", upgrade: "websocket", want: true},
		{name: "token list", connection: "keep-alive, upgrade", upgrade: "websocket", want: true},
		{name: "no upgrade header", connection: "Upgrade", want: false},
		{name: "no connection token", connection: "keep-alive", upgrade: "websocket", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.connection != "" {
				h.Set("Connection", tt.connection)
			}
			if tt.upgrade != "" {
				h.Set("Upgrade", tt.upgrade)
			}
			assert.Equal(t, tt.want, isUpgrade(h))
		})
	}
}

func TestUpstreamURL(t *testing.T) {
	abs := httptest.NewRequest(http.MethodGet, "http://example.com/a%2Fb?q=1", nil)
	assert.Equal(t, "http://example.com/a%2Fb?q=1", upstreamURL(abs))

	plain := httptest.NewRequest(http.MethodPost, "/backend-api/conversation", nil)
	plain.Host = "chatgpt.com"
	assert.Equal(t, "http://chatgpt.com/backend-api/conversation", upstreamURL(plain))

	// Decrypted requests arrive in origin-form over TLS.
	secure := httptest.NewRequest(http.MethodPost, "https://chatgpt.com/backend-api/conversation", nil)
	secure.URL.Scheme = ""
	secure.URL.Host = ""
	assert.Equal(t, "https://chatgpt.com/backend-api/conversation", upstreamURL(secure))
}

func TestClientIPAndLoopback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, "10.1.2.3", clientIP(r))

	assert.True(t, isLoopback("127.0.0.1:9000"))
	assert.True(t, isLoopback("[::1]:9000"))
	assert.False(t, isLoopback("192.0.2.1:1234"))
	assert.False(t, isLoopback("not-an-addr"))
}
