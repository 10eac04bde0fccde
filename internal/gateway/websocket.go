package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	wsDialTimeout = 10 * time.Second
	wsReadLimit   = 4 * 1024 * 1024
)

// Request headers that belong to the client handshake and must not be
// copied onto the upstream dial.
var wsHandshakeHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Cookie":                   true,
	"Host":                     true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

// proxyWebSocket dials the backend first and only accepts the client once
// the upstream handshake succeeded, so an unreachable backend still gets a
// plain 502 response.
func (bp *backendProxy) proxyWebSocket(w http.ResponseWriter, r *http.Request) {
	var subprotocols []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				subprotocols = append(subprotocols, p)
			}
		}
	}

	wsURL := "ws://" + bp.addr + r.URL.Path
	if r.URL.RawQuery != "" {
		wsURL += "?" + r.URL.RawQuery
	}

	header := http.Header{}
	for k, vs := range r.Header {
		if wsHandshakeHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		header[k] = append([]string(nil), vs...)
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), wsDialTimeout)
	upstream, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   header,
	})
	cancel()
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Printf("[gateway] websocket dial %s failed (status %d): %v", wsURL, status, err)
		writeError(w, http.StatusBadGateway, "Backend unavailable",
			fmt.Sprintf("Backend on port %d did not accept the WebSocket connection", bp.port))
		return
	}
	defer upstream.CloseNow()

	var accepted []string
	if p := upstream.Subprotocol(); p != "" {
		accepted = []string{p}
	}
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: accepted,
		// Origin policy is the backend's decision; it saw the Origin header on the dial.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] websocket accept failed: %v", err)
		upstream.Close(websocket.StatusGoingAway, "client handshake failed")
		return
	}
	defer client.CloseNow()

	client.SetReadLimit(wsReadLimit)
	upstream.SetReadLimit(wsReadLimit)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	errc := make(chan error, 2)
	go func() { errc <- relayFrames(relayCtx, client, upstream) }()
	go func() { errc <- relayFrames(relayCtx, upstream, client) }()

	err = <-errc
	relayCancel()

	code, reason := websocket.StatusNormalClosure, ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
			// Reserved codes that may not appear on the wire.
		default:
			code, reason = ce.Code, ce.Reason
		}
	}
	client.Close(code, reason)
	upstream.Close(code, reason)
}

// relayFrames copies messages from src to dst until either side fails.
func relayFrames(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}
