// Package certs produces and caches a local CA, a default server cert
// covering localhost/*.localhost, and on-demand per-hostname leaf certs
// with a wildcard SAN at sibling depth.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity        = 10 * 365 * 24 * time.Hour
	leafValidity      = 365 * 24 * time.Hour
	expiryGracePeriod = 7 * 24 * time.Hour
)

// caBundle holds a loaded CA's certificate and private key in memory.
type caBundle struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func (m *Manager) caCertPath() string { return filepath.Join(m.dir, "ca.pem") }
func (m *Manager) caKeyPath() string  { return filepath.Join(m.dir, "ca-key.pem") }
func (m *Manager) serverCertPath() string {
	return filepath.Join(m.dir, "server.pem")
}
func (m *Manager) serverKeyPath() string {
	return filepath.Join(m.dir, "server-key.pem")
}

// ensureCA loads the CA from disk if present and still valid, regenerating
// it (and, transitively, the default server leaf) otherwise.
func (m *Manager) ensureCA() (*caBundle, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create certs dir: %w", err)
	}

	if bundle, err := loadCA(m.caCertPath(), m.caKeyPath()); err == nil && certStillValid(bundle.cert) {
		return bundle, nil
	}

	bundle, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}
	if err := writeCert(m.caCertPath(), bundle.cert.Raw); err != nil {
		return nil, err
	}
	if err := writeECKey(m.caKeyPath(), bundle.key); err != nil {
		return nil, err
	}
	// Regenerating the CA invalidates any leaf it previously signed.
	os.Remove(m.serverCertPath())
	os.Remove(m.serverKeyPath())
	m.clearHostCache()
	return bundle, nil
}

func generateCA() (*caBundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"portless local CA"},
			CommonName:   "portless CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &caBundle{cert: cert, key: key}, nil
}

// loadCA reads a CA cert+key from disk and rejects SHA-1-signed certs,
// forcing regeneration.
func loadCA(certPath, keyPath string) (*caBundle, error) {
	cert, err := readCert(certPath)
	if err != nil {
		return nil, err
	}
	if isSHA1(cert) {
		return nil, errors.New("CA cert uses SHA-1 signature, regeneration required")
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("invalid CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	return &caBundle{cert: cert, key: key}, nil
}

func isSHA1(cert *x509.Certificate) bool {
	switch cert.SignatureAlgorithm {
	case x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return true
	}
	return false
}

// certStillValid reports whether cert is not within expiryGracePeriod of
// its NotAfter.
func certStillValid(cert *x509.Certificate) bool {
	return time.Now().Add(expiryGracePeriod).Before(cert.NotAfter)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func readCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func writeCert(path string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeECKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
