// Package cert bootstraps a private CA and a server certificate for the
// console gRPC channel when TLS is enabled but no certificates exist yet.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
)

type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

type Options struct {
	DomainNames []string
	IPAddresses []net.IP
}

// Ensure creates whichever of the CA and server key pairs are missing. An
// existing CA is reused to sign a new server certificate.
func Ensure(paths Paths, opts *Options) error {
	domains := []string{"localhost"}
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	if opts != nil && len(opts.DomainNames) > 0 {
		domains = opts.DomainNames
	}
	if opts != nil && len(opts.IPAddresses) > 0 {
		ips = opts.IPAddresses
	}

	var (
		caCert *x509.Certificate
		caKey  *ecdsa.PrivateKey
		err    error
	)
	if fileExists(paths.CACert) && fileExists(paths.CAKey) {
		slog.Debug("Using existing CA certificate", "cert_path", paths.CACert)
		caCert, caKey, err = loadCA(paths.CACert, paths.CAKey)
		if err != nil {
			return fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
	} else {
		slog.Info("CA certificate not found, generating new CA", "cert_path", paths.CACert)
		caCert, caKey, err = generateCA()
		if err != nil {
			return err
		}
		if err := writePair(caCert, caKey, paths.CACert, paths.CAKey); err != nil {
			return err
		}
	}

	if fileExists(paths.ServerCert) && fileExists(paths.ServerKey) {
		slog.Debug("Using existing server certificate", "cert_path", paths.ServerCert)
		return nil
	}

	slog.Info("Server certificate not found, generating new server certificate",
		"cert_path", paths.ServerCert,
		"domains", domains,
		"ips", ips)
	serverCert, serverKey, err := generateServerCert(caCert, caKey, domains, ips)
	if err != nil {
		return err
	}
	return writePair(serverCert, serverKey, paths.ServerCert, paths.ServerKey)
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Silo Dispatch CA"},
			CommonName:   "Silo Dispatch Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	return createCertificate(template, template, key, key)
}

func generateServerCert(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, domainNames []string, ipAddresses []net.IP) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Silo Dispatch"},
			CommonName:   domainNames[0],
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(serverValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domainNames,
		IPAddresses:           ipAddresses,
	}
	return createCertificate(template, caCert, key, caKey)
}

func createCertificate(template, parent *x509.Certificate, key, signer *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate %q: %w", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, key, nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, nil, errors.New("failed to decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return cert, key, nil
}

func writePair(cert *x509.Certificate, key *ecdsa.PrivateKey, certPath, keyPath string) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", cert.Raw, 0o644); err != nil {
		return err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	slog.Info("Generated certificate", "cert_path", certPath, "key_path", keyPath, "subject", cert.Subject.CommonName)
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
