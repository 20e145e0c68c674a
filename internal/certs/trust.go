package certs

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const linuxTrustAnchor = "/usr/local/share/ca-certificates/portless-ca.crt"

// Trusted reports whether the local CA cert is present in the OS trust
// store. It does not prompt or modify anything.
func (m *Manager) Trusted() (bool, error) {
	caPath := m.caCertPath()
	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		return false, nil
	}

	switch runtime.GOOS {
	case "darwin":
		fingerprint, err := m.caFingerprintSHA1()
		if err != nil {
			return false, err
		}
		keychain, err := loginKeychainPath()
		if err != nil {
			return false, err
		}
		out, err := exec.Command("security", "find-certificate", "-a", "-Z", keychain).Output()
		if err != nil {
			// An empty or inaccessible keychain just means not trusted yet.
			return false, nil
		}
		return strings.Contains(string(out), fingerprint), nil
	case "linux":
		installed, err := os.ReadFile(linuxTrustAnchor)
		if err != nil {
			return false, nil
		}
		local, err := os.ReadFile(caPath)
		if err != nil {
			return false, err
		}
		return bytes.Equal(installed, local), nil
	default:
		return false, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Trust installs the local CA cert into the OS trust store, ensuring it
// exists first. On Linux this shells out to sudo and prompts for a
// password; on macOS it installs into the user's login keychain, which
// needs no elevated privileges.
func (m *Manager) Trust() error {
	if _, err := m.ensureCA(); err != nil {
		return err
	}
	caPath := m.caCertPath()

	switch runtime.GOOS {
	case "darwin":
		keychain, err := loginKeychainPath()
		if err != nil {
			return err
		}
		fmt.Println("portless needs to trust its CA certificate in your login keychain so browsers accept HTTPS on *.localhost.")
		fmt.Println()
		cmd := exec.Command("security", "add-trusted-cert", "-d", "-r", "trustRoot", "-k", keychain, caPath)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	case "linux":
		fmt.Println("portless needs to trust its CA certificate so browsers accept HTTPS on *.localhost.")
		fmt.Println("This is a one-time setup that requires your password.")
		fmt.Println()
		cmd := exec.Command("sudo", "sh", "-c",
			fmt.Sprintf("cp %s %s && update-ca-certificates", caPath, linuxTrustAnchor))
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// caFingerprintSHA1 returns the uppercase hex SHA-1 fingerprint of the
// local CA certificate, matching the format security(1) prints.
func (m *Manager) caFingerprintSHA1() (string, error) {
	data, err := os.ReadFile(m.caCertPath())
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("decode CA cert pem: %s", m.caCertPath())
	}
	sum := sha1.Sum(block.Bytes)
	return strings.ToUpper(hex.EncodeToString(sum[:])), nil
}

// loginKeychainPath returns the current user's login keychain, the
// per-user trust store that add-trusted-cert can modify without sudo.
func loginKeychainPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Keychains", "login.keychain-db"), nil
}
