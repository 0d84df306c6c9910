package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Certificate generation constants.
const (
	certKeyBits  = 2048
	certLifetime = 10 * 365 * 24 * time.Hour
	certDirPerm  = 0750
	certFilePerm = 0600
)

// cloudHostnames are the vendor endpoints devices resolve. DNS
// overrides steer them to this controller; the generated certificate
// names all three so TLS SNI succeeds regardless of firmware vintage.
var cloudHostnames = []string{
	"cm.gelighting.com",
	"cm-ge.xlink.cn",
	"cm-sec.gelighting.com",
}

// loadOrCreateCertificate returns the configured TLS key pair,
// generating and persisting a self-signed one when both files are
// missing. Devices do not validate the chain, so self-signed material
// is sufficient for local operation.
func loadOrCreateCertificate(certFile, keyFile string, logger Logger) (tls.Certificate, error) {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)

	if certErr == nil && keyErr == nil {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("loading key pair: %w", err)
		}
		return cert, nil
	}
	if certErr == nil || keyErr == nil {
		return tls.Certificate{}, fmt.Errorf("one of %s / %s exists without the other", certFile, keyFile)
	}

	logger.Info("generating self-signed server certificate",
		"cert_file", certFile, "hostnames", cloudHostnames)

	certPEM, keyPEM, err := generateSelfSigned()
	if err != nil {
		return tls.Certificate{}, err
	}

	for _, f := range []struct {
		path string
		data []byte
	}{{certFile, certPEM}, {keyFile, keyPEM}} {
		if err := os.MkdirAll(filepath.Dir(f.path), certDirPerm); err != nil {
			return tls.Certificate{}, fmt.Errorf("creating cert directory: %w", err)
		}
		if err := os.WriteFile(f.path, f.data, certFilePerm); err != nil {
			return tls.Certificate{}, fmt.Errorf("writing %s: %w", f.path, err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("assembling generated key pair: %w", err)
	}
	return cert, nil
}

// generateSelfSigned creates a fresh RSA key pair and certificate
// covering the vendor cloud hostnames.
func generateSelfSigned() (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, certKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cloudHostnames[0],
			Organization: []string{"cync-lan"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              cloudHostnames,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}
