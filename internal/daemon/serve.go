package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/net/http2"

	"github.com/vercel-labs/portless/internal/proxyengine"
	"github.com/vercel-labs/portless/internal/tlsmux"
)

// Run starts the proxy, blocks until a termination signal arrives, then
// shuts down gracefully within shutdownDeadline.
func (d *Daemon) Run() error {
	d.reloadRoutes()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", d.opts.Port, err)
	}
	d.listener = ln

	actualPort := ln.Addr().(*net.TCPAddr).Port
	if err := d.locator.WritePort(actualPort); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	if err := d.locator.WritePid(os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer d.locator.RemoveDaemonFiles()

	errCh := make(chan error, 2)

	if d.opts.TLS {
		if err := d.locator.WriteTLSMarker(); err != nil {
			return fmt.Errorf("write tls marker: %w", err)
		}
		if err := d.serveTLS(ln, actualPort, errCh); err != nil {
			return err
		}
	} else {
		plainEngine := proxyengine.New(d.lookup, d.allRoutes, false, actualPort)
		d.httpSrv = &http.Server{Handler: plainEngine}
		go func() {
			log.Printf("portless: listening on http://127.0.0.1:%d", actualPort)
			if err := d.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	stopWatch := d.watchRoutes()
	defer stopWatch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("portless: received %v, shutting down", sig)
	case err := <-errCh:
		return err
	}

	return d.shutdown()
}

func (d *Daemon) serveTLS(inner net.Listener, actualPort int, errCh chan error) error {
	tlsConfig := &tls.Config{NextProtos: []string{"h2", "http/1.1"}}

	if d.opts.CertPath != "" && d.opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(d.opts.CertPath, d.opts.KeyPath)
		if err != nil {
			return fmt.Errorf("load user-supplied cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	} else {
		if _, err := d.certMgr.EnsureDefaults(); err != nil {
			return fmt.Errorf("materialize default TLS certs: %w", err)
		}
		tlsConfig.GetCertificate = d.certMgr.GetCertificate
	}

	mux := tlsmux.New(inner)
	d.mux = mux

	plainEngine := proxyengine.New(d.lookup, d.allRoutes, false, actualPort)
	d.httpSrv = &http.Server{Handler: plainEngine}
	go func() {
		if err := d.httpSrv.Serve(mux.Plain()); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("plain http server: %w", err)
		}
	}()

	tlsEngine := proxyengine.New(d.lookup, d.allRoutes, true, actualPort)
	d.httpsSrv = &http.Server{Handler: tlsEngine, TLSConfig: tlsConfig}
	if err := http2.ConfigureServer(d.httpsSrv, &http2.Server{}); err != nil {
		return fmt.Errorf("configure http2: %w", err)
	}

	go func() {
		tlsLn := tls.NewListener(mux.TLS(), tlsConfig)
		log.Printf("portless: listening on https://127.0.0.1:%d (and http:// on the same port)", d.opts.Port)
		if err := d.httpsSrv.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()

	return nil
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			d.httpSrv.Close()
		}
	}
	if d.httpsSrv != nil {
		if err := d.httpsSrv.Shutdown(ctx); err != nil {
			d.httpsSrv.Close()
		}
	}
	if d.mux != nil {
		d.mux.Close()
	}
	return nil
}
