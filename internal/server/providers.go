package server

import "time"

// CertificateProvider is the opaque collaborator for TLS material:
// external cert/key blobs, ACME acquisition,
// or self-signed generation are all implementations of this interface.
// The core never parses ACME or PKI details itself.
type CertificateProvider interface {
	// Obtain returns a PEM certificate and key covering domains, plus
	// the certificate's expiry so the caller can schedule renewal at
	// notAfter - 7 days.
	Obtain(domains []string) (cert, key []byte, notAfter time.Time, err error)
}

// DnsProvider upserts/deletes the A/AAAA record backing a tunnel's
// subdomain. The core calls it fire-and-forget from the tunnel lifecycle;
// failures are logged, never fatal to the tunnel itself.
type DnsProvider interface {
	Upsert(name, ip string) error
	Delete(name string) error
}

// FraudPredicate is a pluggable pre-auth check consulted before a control
// connection is allowed to proceed, independent of the IP allow/deny
// list.
type FraudPredicate interface {
	Verify(ip, userAgent string) (allow bool, err error)
}
