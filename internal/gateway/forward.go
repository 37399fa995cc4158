package gateway

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/config"
)

// NewTransport returns the upstream transport. Responses are relayed
// byte-for-byte, so automatic decompression is off.
func NewTransport(cfg config.ServerConfig) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		DisableCompression:    true,
	}
}

// forward relays r to its origin with body in place of the original body and
// streams the response back. The request is not modified beyond hop-by-hop
// header removal.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, body io.Reader, length int64) {
	if length == 0 {
		body = http.NoBody
	}
	target := upstreamURL(r)

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		log.Error().Err(err).Str("url", target).Msg("failed to create upstream request")
		g.writeError(w, "failed to create upstream request", http.StatusBadGateway)
		return
	}
	outReq.ContentLength = length
	outReq.Host = r.Host

	upgrade := isUpgrade(r.Header)
	outReq.Header = r.Header.Clone()
	removeHopByHop(outReq.Header)
	if upgrade {
		outReq.Header.Set("Connection", "Upgrade")
		outReq.Header.Set("Upgrade", r.Header.Get("Upgrade"))
	}

	resp, err := g.transport.RoundTrip(outReq)
	if err != nil {
		if r.Context().Err() != nil {
			log.Debug().Err(err).Str("url", target).Msg("client disconnected before upstream responded")
			return
		}
		log.Warn().Err(err).Str("url", target).Msg("upstream request failed")
		g.writeError(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		g.switchProtocols(w, resp)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHop(resp.Header)
	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	g.streamResponse(w, resp.Body)
}

// streamResponse copies the upstream body, flushing after every read so SSE
// events reach the client as they arrive.
func (g *Gateway) streamResponse(w http.ResponseWriter, reader io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Warn().Msg("streaming not supported, falling back to buffered")
		_, _ = io.Copy(w, reader)
		return
	}

	buf := make([]byte, config.DefaultBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Debug().Err(writeErr).Msg("client disconnected")
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("error reading stream")
			}
			return
		}
	}
}

// switchProtocols relays an upgraded connection (e.g. WebSocket) opaquely in
// both directions until either side closes.
func (g *Gateway) switchProtocols(w http.ResponseWriter, resp *http.Response) {
	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = resp.Body.Close()
		g.writeError(w, "upstream upgrade not supported", http.StatusBadGateway)
		return
	}
	defer func() { _ = upstream.Close() }()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		g.writeError(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		log.Error().Err(err).Msg("hijack for upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Time{})

	resp.Body = nil
	if err := resp.Write(brw); err != nil {
		log.Debug().Err(err).Msg("failed to write upgrade response")
		return
	}
	if err := brw.Flush(); err != nil {
		log.Debug().Err(err).Msg("failed to flush upgrade response")
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, brw.Reader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

// copyHeaders copies HTTP headers from source to destination.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		w.Header()[k] = v
	}
}
