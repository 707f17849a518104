// Package certs holds the local certificate authority used to decrypt HTTPS
// traffic passing through the interception proxy.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CertAuthority loads a CA and issues short-lived leaf certificates per host.
type CertAuthority struct {
	caCert  *x509.Certificate
	caKey   *rsa.PrivateKey
	certPEM []byte

	mu    sync.Mutex
	cache map[string]tls.Certificate
	// validity of issued leaves
	leafTTL time.Duration
}

// Load reads a CA from PEM files.
func Load(certPath, keyPath string) (*CertAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return LoadFromPEM(certPEM, keyPEM)
}

// LoadFromPEM parses a CA certificate and its RSA key.
func LoadFromPEM(certPEM, keyPEM []byte) (*CertAuthority, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certs: invalid CA certificate PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	kblk, _ := pem.Decode(keyPEM)
	if kblk == nil {
		return nil, errors.New("certs: invalid CA key PEM")
	}
	var caKey *rsa.PrivateKey
	switch kblk.Type {
	case "RSA PRIVATE KEY":
		caKey, err = x509.ParsePKCS1PrivateKey(kblk.Bytes)
		if err != nil {
			return nil, err
		}
	case "PRIVATE KEY":
		pk, err := x509.ParsePKCS8PrivateKey(kblk.Bytes)
		if err != nil {
			return nil, err
		}
		var ok bool
		caKey, ok = pk.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("certs: only RSA keys are supported for CA")
		}
	default:
		return nil, errors.New("certs: unknown CA key PEM block type")
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, err
	}
	return &CertAuthority{
		caCert:  caCert,
		caKey:   caKey,
		certPEM: certPEM,
		cache:   make(map[string]tls.Certificate),
		leafTTL: 24 * time.Hour,
	}, nil
}

// LoadOrCreate loads the CA at certPath/keyPath, generating and writing a
// development CA first if either file is missing.
func LoadOrCreate(certPath, keyPath, commonName string) (*CertAuthority, bool, error) {
	_, errC := os.Stat(certPath)
	_, errK := os.Stat(keyPath)
	if errC == nil && errK == nil {
		ca, err := Load(certPath, keyPath)
		return ca, false, err
	}
	certPEM, keyPEM, err := GenerateDevCA(commonName, 5)
	if err != nil {
		return nil, false, err
	}
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{{certPath, certPEM, 0o644}, {keyPath, keyPEM, 0o600}} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return nil, false, err
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return nil, false, fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	ca, err := LoadFromPEM(certPEM, keyPEM)
	return ca, true, err
}

// GenerateDevCA generates a self-signed RSA root CA for local use.
func GenerateDevCA(commonName string, yearsValid int) (certPEM, keyPEM []byte, err error) {
	if yearsValid <= 0 {
		yearsValid = 5
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().Add(-5 * time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(yearsValid, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4, 5, 6},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// CertPEM returns the CA certificate for installing into a trust store.
func (ca *CertAuthority) CertPEM() []byte { return ca.certPEM }

// Pool returns a pool trusting only this CA.
func (ca *CertAuthority) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.caCert)
	return p
}

// IssueFor returns a cached or freshly signed leaf for host (host[:port]).
func (ca *CertAuthority) IssueFor(host string) (tls.Certificate, error) {
	h := strings.TrimSpace(host)
	if h == "" {
		return tls.Certificate{}, errors.New("certs: empty host for certificate issuance")
	}
	if strings.Contains(h, ":") {
		if v, _, err := net.SplitHostPort(h); err == nil {
			h = v
		}
	}
	ca.mu.Lock()
	if cert, ok := ca.cache[h]; ok {
		ca.mu.Unlock()
		return cert, nil
	}
	ca.mu.Unlock()

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now().Add(-5 * time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: h},
		NotBefore:             now,
		NotAfter:              now.Add(ca.leafTTL),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{h},
	}
	if ip := net.ParseIP(h); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
		tmpl.DNSNames = nil
		tmpl.Subject = pkix.Name{CommonName: ip.String()}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, &leafKey.PublicKey, ca.caKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})
	leaf, err := tls.X509KeyPair(append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})...), keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	ca.mu.Lock()
	ca.cache[h] = leaf
	ca.mu.Unlock()
	return leaf, nil
}

// TLSConfig serves leaves issued on demand from the client's SNI, falling
// back to fallbackHost when the client sends none.
func (ca *CertAuthority) TLSConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = fallbackHost
			}
			c, err := ca.IssueFor(name)
			if err != nil {
				return nil, err
			}
			return &c, nil
		},
	}
}
