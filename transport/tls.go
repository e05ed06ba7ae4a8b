package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"
)

// tlsInitOnce models the process-wide one-shot TLS library init the spec
// calls out (§4.1, §9): Go's crypto/tls has no global init step of its
// own, but callers outside this package (cgo-backed verifiers, custom
// RootCAs loaders) may register one here to run exactly once per
// process, alongside teardown hooks run by TeardownTLSLibrary (which
// Session.Close does not call).
var (
	tlsInitOnce     sync.Once
	tlsTeardownOnce sync.Once
	tlsTeardownFns  []func()
	tlsMu           sync.Mutex
)

// InitTLSLibrary runs init exactly once per process, regardless of how
// many Sessions or Conns are constructed. Safe to call redundantly.
func InitTLSLibrary(init func()) {
	tlsInitOnce.Do(func() {
		if init != nil {
			init()
		}
	})
}

// RegisterTLSTeardown records a cleanup to run (once) from
// TeardownTLSLibrary, e.g. zeroing a custom credential cache.
func RegisterTLSTeardown(fn func()) {
	tlsMu.Lock()
	tlsTeardownFns = append(tlsTeardownFns, fn)
	tlsMu.Unlock()
}

// TeardownTLSLibrary runs every registered teardown hook exactly once.
func TeardownTLSLibrary() {
	tlsTeardownOnce.Do(func() {
		tlsMu.Lock()
		fns := tlsTeardownFns
		tlsTeardownFns = nil
		tlsMu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// hostnameVerifier implements the dual legacy/modern peer-identity check
// from §4.1: SAN:IPADDR by canonical inet bytes, SAN:DNS with wildcard
// matching (RFC6125-style), falling back to the certificate's Common
// Name only when no SAN is present at all.
//
// Wired as tls.Config.InsecureSkipVerify=true plus
// VerifyPeerCertificate, since Go's default verifier does not implement
// the legacy IP-literal SAN fallback the spec requires, and does not
// allow mixing its own hostname check with a caller-supplied one.
//
// expectHost is read at verify time from the tls.Config it was built
// for rather than captured once: Dial clones a shared ConnConfig.TLS per
// address and rewrites the clone's ServerName to that address's
// SNIName (cloud) or Host before the handshake runs, so the verifier
// must track whichever clone actually performed that handshake.
type hostnameVerifier struct {
	cfg   *tls.Config
	roots *x509.CertPool
}

func newHostnameVerifier(cfg *tls.Config, roots *x509.CertPool) *hostnameVerifier {
	return &hostnameVerifier{cfg: cfg, roots: roots}
}

func (v *hostnameVerifier) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return NewLibraryError(ErrInvalidOption, "parsing peer certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return NewLibraryError(ErrIdentityMismatch, "no peer certificate presented")
	}
	leaf := certs[0]

	opts := x509.VerifyOptions{Roots: v.roots, Intermediates: x509.NewCertPool()}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return NewLibraryError(ErrIdentityMismatch, "chain verification failed: %v", err)
	}

	expectHost := v.cfg.ServerName
	if !matchesIdentity(leaf, expectHost) {
		return NewLibraryError(ErrIdentityMismatch, "no SAN/CN of peer certificate matches %q", expectHost)
	}
	return nil
}

// matchesIdentity implements the legacy-then-modern-then-CN fallback
// chain: SAN IP addresses are compared by canonical parsed form (so
// "10.0.0.7" matches an IP SAN regardless of textual zero-padding), SAN
// DNS names support a single leftmost wildcard label, and the Common
// Name is consulted only when the certificate carries no SAN at all.
func matchesIdentity(cert *x509.Certificate, host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		for _, sanIP := range cert.IPAddresses {
			if sanIP.Equal(ip) {
				return true
			}
		}
		// An IP literal never falls back to DNS/CN matching.
		return false
	}

	if len(cert.DNSNames) == 0 && len(cert.IPAddresses) == 0 {
		return matchesDNSPattern(cert.Subject.CommonName, host)
	}
	for _, name := range cert.DNSNames {
		if matchesDNSPattern(name, host) {
			return true
		}
	}
	return false
}

// matchesDNSPattern compares host against a SAN/CN pattern, allowing
// exactly one leftmost wildcard label ("*.example.com") per
// RFC6125-style matching; everything else is a case-insensitive exact
// match.
func matchesDNSPattern(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	patternRest := pattern[2:]
	dot := strings.IndexByte(host, '.')
	if dot < 0 {
		return false
	}
	return host[dot+1:] == patternRest
}

// ClientTLSConfig builds the VERIFY_PEER_CERT | VERIFY_PEER_IDENTITY_DNS
// TLS config described in §4.8 for cloud connections: trust only roots,
// present certPair as the client identity, and verify the peer against
// whatever ServerName is set on the config at handshake time (possibly
// rewritten by Dial's per-address Clone) using matchesIdentity instead
// of Go's built-in hostname check (which lacks the legacy IP-SAN
// fallback).
func ClientTLSConfig(roots *x509.CertPool, certPair tls.Certificate, serverName string) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{certPair},
		ServerName:   serverName,
		// RootCAs is otherwise unused by Go's verifier (InsecureSkipVerify
		// below bypasses it) but Dial reads it back out to rebuild the
		// verifier against each address's own Clone.
		RootCAs:            roots,
		InsecureSkipVerify: true, //nolint:gosec // replaced by VerifyPeerCertificate below.
		MinVersion:         tls.VersionTLS12,
	}
	cfg.VerifyPeerCertificate = newHostnameVerifier(cfg, roots).verify
	return cfg
}

// verifyErr wraps a hostname-mismatch failure with host context, used by
// Dial to surface IDENTITY_MISMATCH with the attempted address.
func verifyErr(host string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tls verify %s: %w", host, err)
}
