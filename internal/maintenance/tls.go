package maintenance

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

const (
	certValidity = 47 * 24 * time.Hour

	// Reissue once fewer than 41 days remain, so a rotation is never
	// skipped by a missed daily run.
	certRenewBefore = 41 * 24 * time.Hour

	certFile = "server.crt"
	keyFile  = "server.key"
)

// ServerCertPaths returns the certificate and key locations under dataDir.
func ServerCertPaths(dataDir string) (cert, key string) {
	return filepath.Join(dataDir, certFile), filepath.Join(dataDir, keyFile)
}

// EnsureServerCert makes sure dataDir holds a self-signed server
// certificate with enough remaining validity. It reports whether a new
// certificate was issued.
func EnsureServerCert(dataDir string, clk clock.Clock) (bool, error) {
	certPath, keyPath := ServerCertPaths(dataDir)

	if remaining, err := certRemaining(certPath, clk.Now()); err == nil && remaining > certRenewBefore {
		return false, nil
	}
	if err := generateServerCert(certPath, keyPath, clk.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// certRemaining returns how long the certificate at path stays valid.
func certRemaining(path string, now time.Time) (time.Duration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return 0, fmt.Errorf("no certificate PEM block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return 0, err
	}
	return cert.NotAfter.Sub(now), nil
}

func generateServerCert(certPath, keyPath string, now time.Time) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "dockmon"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  localIPs(),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// localIPs returns loopback plus the private unicast addresses of the
// machine, so the cert is usable from the LAN.
func localIPs() []net.IP {
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipNet.IP.IsPrivate() {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}
