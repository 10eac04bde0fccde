package gateway

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backendDialTimeout bounds how long a connect to the backend may take
// before the request is answered with 502.
const backendDialTimeout = 5 * time.Second

// Dispatcher owns the reverse proxy for the configured backend port. It
// keeps exactly one proxy, rebuilt whenever the port changes.
type Dispatcher struct {
	host string

	mu      sync.Mutex
	current *backendProxy
}

// backendProxy forwards HTTP and WebSocket traffic to one host:port.
type backendProxy struct {
	port      int
	addr      string
	rp        *httputil.ReverseProxy
	transport *http.Transport
}

// NewDispatcher returns a dispatcher that proxies to host:<port>.
func NewDispatcher(host string) *Dispatcher {
	if host == "" {
		host = "localhost"
	}
	return &Dispatcher{host: host}
}

// For returns the proxy handler for port, building it on first use or when
// the port differs from the memoized one.
func (d *Dispatcher) For(port int) http.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil && d.current.port == port {
		return d.current
	}
	if d.current != nil {
		log.Printf("[gateway] backend port changed %d -> %d, rebuilding proxy", d.current.port, port)
		d.current.transport.CloseIdleConnections()
	}
	d.current = newBackendProxy(d.host, port)
	return d.current
}

// Close drops idle connections held by the current proxy.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		d.current.transport.CloseIdleConnections()
		d.current = nil
	}
}

func newBackendProxy(host string, port int) *backendProxy {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	target := &url.URL{Scheme: "http", Host: addr}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   backendDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	bp := &backendProxy{port: port, addr: addr, transport: transport}
	bp.rp = &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Cookie")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[gateway] backend %s unreachable for %s %s: %v", addr, r.Method, r.URL.Path, err)
			writeError(w, http.StatusBadGateway, "Backend unavailable",
				fmt.Sprintf("Backend on port %d is not reachable", port))
		},
	}
	return bp
}

func (bp *backendProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		bp.proxyWebSocket(w, r)
		return
	}
	bp.rp.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header, "Connection", "upgrade")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
