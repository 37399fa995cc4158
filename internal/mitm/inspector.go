package mitm

import (
	"bufio"
	"crypto/tls"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

const (
	defaultDialTimeout       = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReadHeaderTimeout = 30 * time.Second
	defaultIdleTimeout       = 90 * time.Second
)

// Config configures an Inspector.
type Config struct {
	// Intercept enables TLS termination. When false every CONNECT is tunneled.
	Intercept bool
	// ShouldIntercept reports whether a CONNECT host (no port) is a target host.
	ShouldIntercept func(host string) bool
	// Certs issues leaf certificates. Required when Intercept is set.
	Certs *CertCache
	// Handler serves decrypted and plain-HTTP proxy requests.
	Handler http.Handler

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Inspector is the proxy front end: it routes CONNECT requests to a tunnel
// or to TLS interception and passes plain proxy requests to the handler.
type Inspector struct {
	cfg    Config
	dialer *net.Dialer

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New creates an Inspector. Zero timeouts take defaults.
func New(cfg Config) *Inspector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Inspector{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
		conns:  make(map[net.Conn]struct{}),
	}
}

// ServeHTTP routes CONNECT to tunnel or intercept. Absolute-form proxy
// requests go to the handler; anything else is not a proxy request.
func (in *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		in.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "this is a proxy: send absolute-form or CONNECT requests", http.StatusBadRequest)
		return
	}
	in.cfg.Handler.ServeHTTP(w, r)
}

// Close tears down every hijacked connection. In-flight tunnels and
// intercepted sessions end immediately.
func (in *Inspector) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	for c := range in.conns {
		_ = c.Close()
	}
	in.conns = make(map[net.Conn]struct{})
	return nil
}

// ActiveConns returns the number of tracked hijacked connections.
func (in *Inspector) ActiveConns() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.conns)
}

func (in *Inspector) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := withDefaultPort(r.Host, "443")
	host := hostOnly(target)

	if !in.cfg.Intercept || in.cfg.ShouldIntercept == nil || !in.cfg.ShouldIntercept(host) {
		in.tunnel(w, r, target)
		return
	}
	in.intercept(w, target, host)
}

// =============================================================================
// TUNNEL
// =============================================================================

// tunnel relays raw bytes between the client and target. Nothing is decrypted.
func (in *Inspector) tunnel(w http.ResponseWriter, r *http.Request, target string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error().Msg("mitm: response writer does not support hijack")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	targetConn, err := in.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("mitm: tunnel dial failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		log.Error().Err(err).Msg("mitm: hijack failed")
		_ = targetConn.Close()
		return
	}
	// The proxy server's deadlines outlive the hijack.
	_ = clientConn.SetDeadline(time.Time{})
	client := withBuffered(clientConn, brw.Reader)

	if !in.track(client, targetConn) {
		return
	}
	defer in.untrack(client, targetConn)

	if _, err := client.Write(connectEstablished); err != nil {
		log.Debug().Err(err).Msg("mitm: failed to write CONNECT response")
		return
	}
	log.Debug().Str("target", target).Msg("mitm: tunnel established")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, client)
		closeWrite(targetConn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, targetConn)
		closeWrite(client)
	}()
	wg.Wait()
}

// =============================================================================
// INTERCEPT
// =============================================================================

// intercept terminates TLS on the hijacked connection and serves every
// decrypted request through the handler until the client hangs up.
func (in *Inspector) intercept(w http.ResponseWriter, target, host string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error().Msg("mitm: response writer does not support hijack")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		log.Error().Err(err).Msg("mitm: hijack failed")
		return
	}
	_ = clientConn.SetDeadline(time.Time{})
	client := withBuffered(clientConn, brw.Reader)

	if _, err := client.Write(connectEstablished); err != nil {
		log.Debug().Err(err).Msg("mitm: failed to write CONNECT response")
		_ = client.Close()
		return
	}

	tlsConn := tls.Server(client, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return in.cfg.Certs.GetCert(name)
		},
	})
	if !in.track(tlsConn) {
		return
	}
	defer in.untrack(tlsConn)

	_ = tlsConn.SetDeadline(time.Now().Add(in.cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		// Usually a client that does not trust the CA.
		log.Warn().Err(err).Str("host", host).Msg("mitm: TLS handshake failed")
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	log.Debug().Str("host", host).Msg("mitm: intercept established")
	in.serveDecrypted(tlsConn, target)
}

// serveDecrypted runs an HTTP/1.1 server over a single connection. The server
// handles keep-alive, chunked framing, flushing and aborted handlers.
func (in *Inspector) serveDecrypted(conn net.Conn, target string) {
	ln := newSingleConnListener(conn)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.URL.Scheme = "https"
			r.URL.Host = target
			in.cfg.Handler.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: in.cfg.ReadHeaderTimeout,
		IdleTimeout:       in.cfg.IdleTimeout,
		ErrorLog:          stdlog.New(log.Logger, "mitm: ", 0),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				_ = ln.Close()
			}
		},
	}
	_ = srv.Serve(ln)
}

// =============================================================================
// CONNECTION TRACKING
// =============================================================================

// track registers conns for Close. It closes them and returns false when the
// inspector is already closed.
func (in *Inspector) track(conns ...net.Conn) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		for _, c := range conns {
			_ = c.Close()
		}
		return false
	}
	for _, c := range conns {
		in.conns[c] = struct{}{}
	}
	return true
}

// untrack closes conns and forgets them.
func (in *Inspector) untrack(conns ...net.Conn) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
		delete(in.conns, c)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// singleConnListener hands out one connection, then blocks until closed.
type singleConnListener struct {
	mu        sync.Mutex
	conn      net.Conn
	addr      net.Addr
	done      chan struct{}
	closeOnce sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, addr: conn.LocalAddr(), done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	l.mu.Unlock()
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.addr }

// bufferedConn replays bytes the CONNECT reader had already buffered.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func withBuffered(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, r: br}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// hostOnly extracts the hostname from a host:port string.
func hostOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}

func withDefaultPort(hostPort, port string) string {
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort
	}
	return net.JoinHostPort(hostPort, port)
}
