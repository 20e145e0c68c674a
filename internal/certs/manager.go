package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Manager mints and caches the CA, default server cert, and per-hostname
// leaf certs used by the TLS listener's SNI callback.
type Manager struct {
	dir string

	mu       sync.RWMutex
	hostCert map[string]*tls.Certificate // SNI -> leaf, in-memory cache

	group singleflight.Group // dedupes concurrent leaf generation per SNI
}

// New creates a Manager rooted at dir (the certs sub-tree of the proxy's
// state directory).
func New(dir string) *Manager {
	return &Manager{dir: dir, hostCert: make(map[string]*tls.Certificate)}
}

func (m *Manager) clearHostCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostCert = make(map[string]*tls.Certificate)
}

// EnsureDefaults materializes the CA and the default server cert (SAN:
// localhost, *.localhost) if missing or near expiry, and returns the
// default server tls.Certificate ready to serve.
func (m *Manager) EnsureDefaults() (*tls.Certificate, error) {
	ca, err := m.ensureCA()
	if err != nil {
		return nil, err
	}

	if cert, err := loadLeafKeyPair(m.serverCertPath(), m.serverKeyPath()); err == nil && certStillValid(cert.Leaf) {
		return cert, nil
	}

	tlsCert, err := mintLeaf(ca, []string{"localhost", "*.localhost"})
	if err != nil {
		return nil, fmt.Errorf("mint default server cert: %w", err)
	}
	if err := persistLeaf(m.serverCertPath(), m.serverKeyPath(), tlsCert); err != nil {
		return nil, err
	}
	return tlsCert, nil
}

// GetCertificate is the tls.Config.GetCertificate SNI callback: it serves
// the default server cert for "localhost" or a direct "label.localhost",
// and a per-hostname leaf (minted on demand, wildcard at sibling depth)
// for anything deeper.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	sni := strings.ToLower(hello.ServerName)
	if sni == "" {
		sni = "localhost"
	}

	if isShallow(sni) {
		return m.EnsureDefaults()
	}
	return m.leafFor(sni)
}

// isShallow reports whether sni is "localhost" or exactly "label.localhost"
// — both covered by the default server cert's wildcard SAN.
func isShallow(sni string) bool {
	if sni == "localhost" {
		return true
	}
	labels := strings.Split(sni, ".")
	return len(labels) == 2 && labels[1] == "localhost"
}

// leafFor returns the cached leaf for sni, minting (and caching, in memory
// and on disk) one if needed. Concurrent callers for the same sni share a
// single generation via the singleflight group.
func (m *Manager) leafFor(sni string) (*tls.Certificate, error) {
	m.mu.RLock()
	if cert, ok := m.hostCert[sni]; ok && certStillValid(cert.Leaf) {
		m.mu.RUnlock()
		return cert, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(sni, func() (interface{}, error) {
		return m.loadOrMintLeaf(sni)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (m *Manager) loadOrMintLeaf(sni string) (*tls.Certificate, error) {
	certPath, keyPath := m.hostLeafPaths(sni)

	if cert, err := loadLeafKeyPair(certPath, keyPath); err == nil && certStillValid(cert.Leaf) {
		m.cacheLeaf(sni, cert)
		return cert, nil
	}

	ca, err := m.ensureCA()
	if err != nil {
		return nil, err
	}

	parent := parentOf(sni)
	tlsCert, err := mintLeaf(ca, []string{sni, "*." + parent})
	if err != nil {
		return nil, fmt.Errorf("mint leaf for %s: %w", sni, err)
	}
	if err := persistLeaf(certPath, keyPath, tlsCert); err != nil {
		return nil, err
	}
	m.cacheLeaf(sni, tlsCert)
	return tlsCert, nil
}

func (m *Manager) cacheLeaf(sni string, cert *tls.Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostCert[sni] = cert
}

// parentOf returns everything after the first label, e.g.
// "chat.myapp.localhost" -> "myapp.localhost".
func parentOf(sni string) string {
	i := strings.IndexByte(sni, '.')
	if i < 0 {
		return sni
	}
	return sni[i+1:]
}

func (m *Manager) hostLeafPaths(sni string) (certPath, keyPath string) {
	name := sanitize(sni)
	return fmt.Sprintf("%s/host-certs/%s.pem", m.dir, name),
		fmt.Sprintf("%s/host-certs/%s-key.pem", m.dir, name)
}

// sanitize turns a hostname into a safe on-disk filename stem: replace "."
// with "_" and drop anything outside [a-z0-9_-].
func sanitize(hostname string) string {
	var b strings.Builder
	for _, r := range hostname {
		switch {
		case r == '.':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func mintLeaf(ca *caBundle, sans []string) (*tls.Certificate, error) {
	return generateLeaf(ca, sans)
}

// ValidateChain verifies that leaf was signed by the CA and uses SHA-256.
func (m *Manager) ValidateChain(leaf *x509.Certificate) error {
	ca, err := m.ensureCA()
	if err != nil {
		return err
	}
	if isSHA1(leaf) {
		return fmt.Errorf("leaf cert uses SHA-1 signature")
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	return err
}
