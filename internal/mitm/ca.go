// Package mitm terminates TLS for target hosts so the pipeline can read
// decrypted requests.
//
// DESIGN: The inspector is an explicit HTTP proxy. Every CONNECT is either:
//   - intercepted: target host, interception enabled. The client connection is
//     hijacked, TLS is terminated with a leaf certificate signed by the local
//     CA, and each decrypted request is served through the pipeline handler.
//   - tunneled: everything else. Bytes are relayed untouched, so non-target
//     hosts are never decrypted.
//
// Plain-HTTP proxy requests (absolute-form URIs) go straight to the handler.
//
// FILES:
//   - ca.go:        CA generation, persistence and leaf issuance
//   - certcache.go: per-host leaf certificate cache with TTL
//   - inspector.go: CONNECT routing, tunnel and intercept
package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// leafValidity is the lifetime of an issued leaf certificate. It must outlive
// the cert cache TTL.
const leafValidity = 7 * 24 * time.Hour

// caOrganization is the subject organization of generated CAs.
const caOrganization = "dlpgate inspector"

// ErrCAMissing is returned by LoadCA when neither file exists.
var ErrCAMissing = errors.New("CA certificate and key not found")

// CA signs leaf certificates for intercepted hosts.
type CA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

// GenerateCA creates a new self-signed ECDSA P-256 CA.
func GenerateCA(validity time.Duration) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caOrganization + " CA",
			Organization: []string{caOrganization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}

	return parseCA(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
}

// LoadCA reads a PEM certificate and key pair from disk. It returns
// ErrCAMissing when neither file exists and an error when only one does.
func LoadCA(certFile, keyFile string) (*CA, error) {
	certPEM, certErr := os.ReadFile(certFile) // #nosec G304 -- operator-supplied path
	keyPEM, keyErr := os.ReadFile(keyFile)    // #nosec G304 -- operator-supplied path

	switch {
	case os.IsNotExist(certErr) && os.IsNotExist(keyErr):
		return nil, ErrCAMissing
	case certErr != nil:
		return nil, fmt.Errorf("read CA certificate: %w", certErr)
	case keyErr != nil:
		return nil, fmt.Errorf("read CA key: %w", keyErr)
	}
	return parseCA(certPEM, keyPEM)
}

// LoadOrCreateCA loads the CA at the given paths, generating and saving a new
// one when neither file exists. created reports whether a CA was generated.
func LoadOrCreateCA(certFile, keyFile string, validity time.Duration) (ca *CA, created bool, err error) {
	ca, err = LoadCA(certFile, keyFile)
	if !errors.Is(err, ErrCAMissing) {
		return ca, false, err
	}
	ca, err = GenerateCA(validity)
	if err != nil {
		return nil, false, err
	}
	if err := ca.Save(certFile, keyFile); err != nil {
		return nil, false, err
	}
	return ca, true, nil
}

func parseCA(certPEM, keyPEM []byte) (*CA, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported CA key type %T", pair.PrivateKey)
	}
	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

// Save writes the certificate (0644) and key (0600), creating parent directories.
func (ca *CA) Save(certFile, keyFile string) error {
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create CA directory: %w", err)
		}
	}
	if err := os.WriteFile(certFile, ca.certPEM, 0644); err != nil { // #nosec G306 -- public certificate
		return fmt.Errorf("write CA certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, ca.keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}

// CertPEM returns the PEM-encoded CA certificate for client installation.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// Certificate returns the parsed CA certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// Fingerprint returns the SHA-256 fingerprint of the CA certificate.
func (ca *CA) Fingerprint() string {
	return fingerprint(ca.cert.Raw)
}

// IssueLeaf signs a server certificate for host. The returned chain carries
// the leaf followed by the CA.
func (ca *CA) IssueLeaf(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notAfter := now.Add(leafValidity)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{caOrganization},
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
