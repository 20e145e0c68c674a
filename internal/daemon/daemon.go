// Package daemon runs the long-lived proxy process: it owns the listening
// port, the route table's in-memory view, and the pid/port/TLS-marker
// files that let other processes find it.
package daemon

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vercel-labs/portless/internal/certs"
	"github.com/vercel-labs/portless/internal/proxyengine"
	"github.com/vercel-labs/portless/internal/routestore"
	"github.com/vercel-labs/portless/internal/state"
	"github.com/vercel-labs/portless/internal/tlsmux"
)

const shutdownDeadline = 2 * time.Second

// Options configures a Daemon.
type Options struct {
	Port             int
	TLS              bool
	StateDirOverride string
	CertPath         string // optional user-supplied cert, pairs with KeyPath
	KeyPath          string
	Elevate          bool // re-exec under sudo; set when binding a privileged port
}

// Daemon is the running proxy process.
type Daemon struct {
	opts Options

	locator *state.Locator
	store   *routestore.Store
	certMgr *certs.Manager

	listener net.Listener
	httpSrv  *http.Server
	httpsSrv *http.Server
	mux      *tlsmux.Listener

	mu        sync.RWMutex
	liveRoutes []routestore.Route
}

// New resolves the state directory and constructs a Daemon, ready for Run.
func New(opts Options) (*Daemon, error) {
	locator, err := state.New(opts.Port, opts.StateDirOverride)
	if err != nil {
		return nil, fmt.Errorf("resolve state directory: %w", err)
	}
	if err := locator.Ensure(); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := routestore.New(locator.RoutesFile(), locator.LockDir(), locator.RouteFileMode())

	d := &Daemon{
		opts:    opts,
		locator: locator,
		store:   store,
		certMgr: certs.New(locator.CertsDir()),
	}
	return d, nil
}

func (d *Daemon) lookup(hostname string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.liveRoutes {
		if r.Hostname == hostname {
			return r.Port, true
		}
	}
	return 0, false
}

func (d *Daemon) allRoutes() []proxyengine.RouteView {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]proxyengine.RouteView, 0, len(d.liveRoutes))
	for _, r := range d.liveRoutes {
		out = append(out, proxyengine.RouteView{Hostname: r.Hostname, Port: r.Port})
	}
	return out
}

func (d *Daemon) reloadRoutes() {
	routes, err := d.store.LoadAndGC()
	if err != nil {
		log.Printf("portless: failed to reload routes: %v", err)
		return
	}
	d.mu.Lock()
	d.liveRoutes = routes
	d.mu.Unlock()
}
