package daemon

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/vercel-labs/portless/internal/routestore"
)

func TestLookupAndAllRoutesReflectCache(t *testing.T) {
	d := &Daemon{}
	d.liveRoutes = []routestore.Route{
		{Hostname: "app.localhost", Port: 4001, PID: 123},
	}

	port, ok := d.lookup("app.localhost")
	if !ok || port != 4001 {
		t.Fatalf("lookup: got (%d, %v)", port, ok)
	}

	if _, ok := d.lookup("missing.localhost"); ok {
		t.Fatalf("expected lookup miss for unregistered host")
	}

	all := d.allRoutes()
	if len(all) != 1 || all[0].Hostname != "app.localhost" {
		t.Fatalf("allRoutes: %+v", all)
	}
}

func TestProbePortDetectsIdentityHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Portless", "1")
	}))
	defer srv.Close()

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	if !probePort(port) {
		t.Fatalf("expected probePort to detect identity header")
	}
}

func TestProbePortRejectsCoincidentalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no X-Portless header
	}))
	defer srv.Close()

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	if probePort(port) {
		t.Fatalf("expected probePort to reject a server without the identity header")
	}
}
