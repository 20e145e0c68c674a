// Package proxyengine terminates HTTP/1.1 and HTTP/2 at the proxy's
// listening port, matches each request's effective host to a registered
// route, and forwards to 127.0.0.1:<backend_port> as plain HTTP/1.1.
package proxyengine

import (
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vercel-labs/portless/internal/hostutil"
)

const (
	maxHops     = 5
	hopsHeader  = "X-Portless-Hops"
	identityHdr = "X-Portless"

	dialTimeout = 5 * time.Second
)

// RouteLookup resolves a hostname to a backend port. ok is false when no
// route is registered for hostname.
type RouteLookup func(hostname string) (port int, ok bool)

// AllRoutes returns every currently registered route, for the 404 listing.
type AllRoutes func() []RouteView

// RouteView is the subset of a route needed to render the not-found page.
type RouteView struct {
	Hostname string
	Port     int
}

// Engine is the shared HTTP/1.1 and HTTP/2 handler used by both the plain
// and TLS branches of the listening port.
type Engine struct {
	Lookup    RouteLookup
	All       AllRoutes
	TLS       bool
	Port      int      // the proxy's own listening port, used for links on the not-found page
	onceLoops sync.Map // hostname -> struct{}, for "log once" loop messages
}

func New(lookup RouteLookup, all AllRoutes, tlsTerminated bool, port int) *Engine {
	return &Engine{Lookup: lookup, All: all, TLS: tlsTerminated, Port: port}
}

// ServeHTTP implements http.Handler for both the plain and TLS servers.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := effectiveHost(r)
	if host == "" {
		e.writeIdentityError(w, http.StatusBadRequest, "text/plain", "Missing Host header")
		return
	}

	isUpgrade := websocket.IsWebSocketUpgrade(r)

	port, ok := e.Lookup(host)
	if !ok {
		if isUpgrade {
			e.closeUpgrade(w, host)
			return
		}
		e.serveNotFound(w, host)
		return
	}

	hops := parseHops(r.Header.Get(hopsHeader))
	if hops >= maxHops {
		e.logLoopOnce(host)
		e.writeIdentityError(w, http.StatusLoopDetected, "text/plain", loopBody)
		return
	}

	upstream := fmt.Sprintf("127.0.0.1:%d", port)

	if isUpgrade {
		e.handleWebSocket(w, r, upstream, host, hops)
		return
	}

	e.forwardHTTP(w, r, upstream, host, hops)
}

// closeUpgrade handles a WebSocket upgrade request to an unregistered host:
// unlike a normal request, there's no HTML page a WebSocket client can do
// anything with, so the socket is hijacked and closed immediately instead.
func (e *Engine) closeUpgrade(w http.ResponseWriter, host string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		log.Printf("portless: websocket hijack failed for unregistered host %s: %v", host, err)
		return
	}
	conn.Close()
}

func (e *Engine) forwardHTTP(w http.ResponseWriter, r *http.Request, upstream, host string, hops int) {
	stripPseudoHeaders(r.Header)

	clientIP := remoteIP(r.RemoteAddr)
	proto := "http"
	if e.TLS {
		proto = "https"
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = upstream
			req.Host = upstream

			if prior, ok := req.Header["X-Forwarded-For"]; ok {
				req.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
			} else if clientIP != "" {
				req.Header.Set("X-Forwarded-For", clientIP)
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				req.Header.Set("X-Forwarded-Proto", proto)
			}
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", r.Host)
			}
			if req.Header.Get("X-Forwarded-Port") == "" {
				req.Header.Set("X-Forwarded-Port", clientVisiblePort(r, proto))
			}
			req.Header.Set(hopsHeader, fmt.Sprintf("%d", hops+1))
		},
		ModifyResponse: func(resp *http.Response) error {
			if e.TLS {
				stripHopByHopHeaders(resp.Header)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status, body := backendErrorResponse(err, upstream)
			log.Printf("portless: proxy error [%s -> %s]: %v", host, upstream, err)
			e.writeIdentityError(w, status, "text/plain", body)
		},
	}

	proxy.ServeHTTP(w, r)
}

func (e *Engine) serveNotFound(w http.ResponseWriter, host string) {
	routes := e.All()

	data := struct {
		Host   template.HTML
		Routes []notFoundRoute
	}{Host: template.HTML(hostutil.EscapeHTML(host))}

	for _, rt := range routes {
		data.Routes = append(data.Routes, notFoundRoute{
			Hostname: template.HTML(hostutil.EscapeHTML(rt.Hostname)),
			URL:      hostutil.DisplayURL(schemeFor(e.TLS), rt.Hostname, e.Port),
			Port:     rt.Port,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(identityHdr, "1")
	w.WriteHeader(http.StatusNotFound)
	if err := notFoundTmpl.Execute(w, data); err != nil {
		log.Printf("portless: render not-found page: %v", err)
	}
}

type notFoundRoute struct {
	Hostname template.HTML // already escaped by hostutil.EscapeHTML
	URL      string
	Port     int
}

func schemeFor(tlsTerminated bool) string {
	if tlsTerminated {
		return "https"
	}
	return "http"
}

var notFoundTmpl = template.Must(template.New("notfound").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>portless - not found</title>
</head>
<body>
<h1>not found</h1>
<p>no route configured for <strong>{{.Host}}</strong></p>
<h2>available routes</h2>
<ul>
{{if .Routes}}{{range .Routes}}<li><a href="{{.URL}}">{{.Hostname}}</a> &rarr; :{{.Port}}</li>
{{end}}{{else}}<li>no routes configured</li>{{end}}
</ul>
</body>
</html>`))

func (e *Engine) writeIdentityError(w http.ResponseWriter, status int, contentType, body string) {
	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.Header().Set(identityHdr, "1")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (e *Engine) logLoopOnce(host string) {
	if _, loaded := e.onceLoops.LoadOrStore(host, struct{}{}); !loaded {
		log.Printf("portless: forwarding loop detected for host %s (hops >= %d); does the backend rewrite Host? consider changeOrigin: true", host, maxHops)
	}
}

const loopBody = "508 Loop Detected: this request has already passed through portless " +
	"the maximum number of times. Your dev server is likely proxying requests " +
	"back through portless without rewriting the Host header — if you're using " +
	"a proxy middleware (e.g. http-proxy-middleware), set changeOrigin: true."

// effectiveHost returns the routing key for r: Go's HTTP/2 server already
// maps the :authority pseudo-header into r.Host, so this covers both
// HTTP/1.1 Host and HTTP/2 :authority.
func effectiveHost(r *http.Request) string {
	return hostutil.StripPort(r.Host)
}

func parseHops(v string) int {
	if v == "" {
		return 0
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func stripPseudoHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(name, ":") {
			h.Del(name)
		}
	}
}

var hopByHopHeaders = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade"}

func stripHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func clientVisiblePort(r *http.Request, proto string) string {
	_, port, err := net.SplitHostPort(r.Host)
	if err == nil && port != "" {
		return port
	}
	if proto == "https" {
		return "443"
	}
	return "80"
}

func backendErrorResponse(err error, upstream string) (int, string) {
	if isConnRefused(err) {
		return http.StatusBadGateway, fmt.Sprintf(
			"502 Bad Gateway: app not responding at %s, it may have crashed", upstream)
	}
	return http.StatusBadGateway, fmt.Sprintf("502 Bad Gateway: upstream %s unreachable (%v)", upstream, err)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	for e := err; e != nil; {
		if oe, ok := e.(*net.OpError); ok {
			opErr = oe
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if opErr == nil {
		return false
	}
	return strings.Contains(opErr.Err.Error(), "connection refused")
}
