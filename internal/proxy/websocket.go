package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/router"
)

// WebSocketTunnel relays upgraded connections between client and
// upstream without buffering.
type WebSocketTunnel struct {
	logger   observability.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewWebSocketTunnel creates a tunnel.
func NewWebSocketTunnel(logger observability.Logger) *WebSocketTunnel {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &WebSocketTunnel{
		logger: logger,
		upgrader: websocket.Upgrader{
			// Origin policy is applied before routing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
	}
}

// IsUpgrade reports whether the request asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Tunnel dials the upstream, upgrades the client, and relays messages
// both ways until either side closes. It returns the message counts
// for the completed tunnel.
func (t *WebSocketTunnel) Tunnel(w http.ResponseWriter, r *http.Request, route *router.Route) (toClient, toUpstream int64, err error) {
	target := upstreamWSURL(route, r)
	service := route.ServiceID()

	upstreamConn, resp, dialErr := t.dialer.DialContext(r.Context(), target, tunnelRequestHeaders(r))
	if dialErr != nil {
		t.relayDialFailure(w, resp)
		t.logger.Debug("websocket upstream dial failed",
			observability.String("route", route.ID),
			observability.Error(dialErr),
		)
		return 0, 0, NewProxyError("websocket_dial", route.ID, target,
			"failed to dial upstream", ErrUpstreamUnavailable)
	}
	defer upstreamConn.Close()

	clientConn, upgradeErr := t.upgrader.Upgrade(w, r, tunnelResponseHeaders(resp))
	if upgradeErr != nil {
		return 0, 0, NewProxyError("websocket_upgrade", route.ID, target,
			"failed to upgrade client connection", upgradeErr)
	}
	defer clientConn.Close()

	recordWebSocketOpen(service)
	t.logger.Debug("websocket tunnel open",
		observability.String("route", route.ID),
		observability.String("target", target),
	)

	toClient, toUpstream = relay(clientConn, upstreamConn)
	recordWebSocketClose(service, toClient, toUpstream)
	return toClient, toUpstream, nil
}

// relay pumps messages in both directions until one side errors. The
// surviving side receives a normal-closure frame.
func relay(clientConn, upstreamConn *websocket.Conn) (toClient, toUpstream int64) {
	errCh := make(chan error, 2)
	var clientCount, upstreamCount atomic.Int64

	go func() {
		for {
			msgType, msg, err := upstreamConn.ReadMessage()
			if err != nil {
				_ = clientConn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				errCh <- err
				return
			}
			clientCount.Add(1)
			if err := clientConn.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			msgType, msg, err := clientConn.ReadMessage()
			if err != nil {
				_ = upstreamConn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				errCh <- err
				return
			}
			upstreamCount.Add(1)
			if err := upstreamConn.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}()

	<-errCh
	return clientCount.Load(), upstreamCount.Load()
}

// relayDialFailure forwards the upstream's handshake rejection when
// one exists, otherwise answers Bad Gateway.
func (t *WebSocketTunnel) relayDialFailure(w http.ResponseWriter, resp *http.Response) {
	if resp == nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
}

// upstreamWSURL maps the route upstream to its ws/wss equivalent.
func upstreamWSURL(route *router.Route, r *http.Request) string {
	target := UpstreamURL(route, r)

	scheme := "ws"
	if target.Scheme == "https" {
		scheme = "wss"
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     target.Host,
		Path:     target.Path,
		RawQuery: target.RawQuery,
	}
	return u.String()
}

// tunnelRequestHeaders filters client headers for the upstream dial.
// The websocket handshake headers are owned by the dialer.
func tunnelRequestHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}

	return header
}

// tunnelResponseHeaders filters upstream handshake headers for the
// client upgrade. The accept headers are owned by the upgrader.
func tunnelResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}
