package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caKeyName    = "ca.key"
	caCertName   = "ca.crt"
	caValidYears = 10
)

// CA is the local MITM certificate authority the gateway signs leaf
// certificates with.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	mu   sync.RWMutex
}

// CertPath returns the CA certificate path under dataDir.
func CertPath(dataDir string) string {
	return filepath.Join(dataDir, caCertName)
}

// KeyPath returns the CA private key path under dataDir.
func KeyPath(dataDir string) string {
	return filepath.Join(dataDir, caKeyName)
}

// LoadOrGenerateCA loads the CA from disk, generating and persisting a new
// one when the key file does not exist yet.
func LoadOrGenerateCA(caCertPath, caKeyPath string) (*CA, error) {
	ca := &CA{}

	keyData, keyErr := os.ReadFile(caKeyPath)
	if os.IsNotExist(keyErr) {
		slog.Info("Generating new CA certificate...")
		if err := ca.generateFromPaths(caCertPath, caKeyPath); err != nil {
			return nil, err
		}
		return ca, nil
	}
	if keyErr != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", keyErr)
	}

	certData, certErr := os.ReadFile(caCertPath)
	if certErr != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", certErr)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to parse CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	ca.key = key

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to parse CA cert PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	ca.cert = cert

	slog.Info("Loaded existing CA certificate")
	return ca, nil
}

func (ca *CA) generateFromPaths(caCertPath, caKeyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	ca.key = key

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(caValidYears, 0, 0)

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "redactpii CA", Organization: []string{"redactpii"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &ca.key.PublicKey, ca.key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	ca.cert = cert

	if err := os.MkdirAll(filepath.Dir(caKeyPath), 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(ca.key)
	if err != nil {
		return fmt.Errorf("failed to marshal EC private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyBytes,
	})
	if err := os.WriteFile(caKeyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certBytes,
	})
	if err := os.WriteFile(caCertPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	slog.Info("CA certificate generated", "path", caCertPath)
	return nil
}

// GetCertificate returns the CA certificate as PEM bytes.
func (ca *CA) GetCertificate() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.cert.Raw,
	})
}

// GetTLSCertificate returns a tls.Certificate for the CA, in the shape the
// MITM layer expects for signing per-host leaves.
func (ca *CA) GetTLSCertificate() (tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.cert.Raw,
	})

	keyBytes, err := x509.MarshalECPrivateKey(ca.key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyBytes,
	})

	return tls.X509KeyPair(certPEM, keyPEM)
}
