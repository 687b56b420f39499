package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// selfSignedProvider generates and caches a self-signed certificate
// covering the requested domain set, for local/offline use when no real
// certificate authority is configured. Real ACME
// acquisition is left to an external CertificateProvider implementation;
// this one only serves development/local deployments.
type selfSignedProvider struct {
	validity time.Duration

	mu      sync.Mutex
	cached  map[string]cachedCert
}

type cachedCert struct {
	cert, key []byte
	notAfter  time.Time
}

// NewSelfSignedProvider constructs a CertificateProvider that mints
// certificates valid for validity (default 90 days if zero).
func NewSelfSignedProvider(validity time.Duration) CertificateProvider {
	if validity <= 0 {
		validity = 90 * 24 * time.Hour
	}
	return &selfSignedProvider{validity: validity, cached: make(map[string]cachedCert)}
}

func domainsKey(domains []string) string {
	key := ""
	for _, d := range domains {
		key += d + ","
	}
	return key
}

func (p *selfSignedProvider) Obtain(domains []string) ([]byte, []byte, time.Time, error) {
	key := domainsKey(domains)

	p.mu.Lock()
	if c, ok := p.cached[key]; ok && time.Now().Before(c.notAfter) {
		p.mu.Unlock()
		return c.cert, c.key, c.notAfter, nil
	}
	p.mu.Unlock()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("selfsigned: generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("selfsigned: generating serial: %w", err)
	}

	notAfter := time.Now().Add(p.validity)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domains[0]},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     domains,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("selfsigned: creating certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("selfsigned: marshaling key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	p.mu.Lock()
	p.cached[key] = cachedCert{cert: certPEM, key: keyPEM, notAfter: notAfter}
	p.mu.Unlock()

	return certPEM, keyPEM, notAfter, nil
}
