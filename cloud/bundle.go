// Package cloud loads a secure-connect-bundle and resolves cluster
// contact points from the cloud metadata service it points at (§4.8).
package cloud

import (
	"archive/zip"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"

	"github.com/scylladb/scylla-go-driver/transport"
)

const (
	configFile = "config.json"
	caCertFile = "ca.crt"
	certFile   = "cert"
	keyFile    = "key"
)

// Bundle is a loaded secure-connect-bundle: the metadata-service address
// plus the TLS material needed to reach it and, after that, the cluster
// itself over the SNI proxy.
type Bundle struct {
	Host     string
	Port     int
	Username string
	Password string

	caCert []byte
	cert   []byte
	key    []byte
}

type bundleConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Load reads a secure-connect-bundle ZIP archive. Every one of
// config.json, ca.crt, cert, key must be present; config.json must carry
// host and port. Any missing member aborts the load (§6 "Cloud bundle
// file format").
func Load(path string) (*Bundle, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, transport.NewLibraryError(transport.ErrBadParams, "opening cloud bundle %q: %v", path, err)
	}
	defer r.Close()

	files := map[string][]byte{}
	for _, want := range []string{configFile, caCertFile, certFile, keyFile} {
		f, err := r.Open(want)
		if err != nil {
			return nil, transport.NewLibraryError(transport.ErrBadParams, "cloud bundle missing %q", want)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, transport.NewLibraryError(transport.ErrBadParams, "reading %q from cloud bundle: %v", want, err)
		}
		files[want] = data
	}

	var cfg bundleConfig
	if err := json.Unmarshal(files[configFile], &cfg); err != nil {
		return nil, transport.NewLibraryError(transport.ErrBadParams, "parsing %s: %v", configFile, err)
	}
	if cfg.Host == "" {
		return nil, transport.NewLibraryError(transport.ErrBadParams, "%s: missing host", configFile)
	}
	if cfg.Port == 0 {
		return nil, transport.NewLibraryError(transport.ErrBadParams, "%s: missing port", configFile)
	}

	return &Bundle{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		caCert:   files[caCertFile],
		cert:     files[certFile],
		key:      files[keyFile],
	}, nil
}

// HasCredentials reports whether config.json carried a username/password,
// in which case the session must be configured with the plain-text SASL
// authenticator (§4.8, §5.3).
func (b *Bundle) HasCredentials() bool {
	return b.Username != "" || b.Password != ""
}

// Authenticator builds the plain-text SASL exchange AUTH_RESPONSE expects:
// a single `\0user\0pass` frame regardless of the mechanism name offered.
func (b *Bundle) Authenticator() func(mechanism string) ([]byte, error) {
	user, pass := b.Username, b.Password
	return func(string) ([]byte, error) {
		buf := make([]byte, 0, len(user)+len(pass)+2)
		buf = append(buf, 0)
		buf = append(buf, user...)
		buf = append(buf, 0)
		buf = append(buf, pass...)
		return buf, nil
	}
}

// TLSConfig builds the VERIFY_PEER_CERT | VERIFY_PEER_IDENTITY_DNS TLS
// config of §4.8: trust only the bundled CA, present the bundled client
// cert/key, and verify the peer's identity against serverName (the SNI
// name assigned to the contact point being dialed).
func (b *Bundle) TLSConfig(serverName string) (*tls.Config, error) {
	pair, err := tls.X509KeyPair(b.cert, b.key)
	if err != nil {
		return nil, transport.NewLibraryError(transport.ErrInvalidOption, "cloud bundle: invalid client cert/key: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(b.caCert) {
		return nil, transport.NewLibraryError(transport.ErrInvalidOption, "cloud bundle: invalid CA certificate")
	}
	return transport.ClientTLSConfig(roots, pair, serverName), nil
}

// MetadataAddr is the host:port the metadata service listens on.
func (b *Bundle) MetadataAddr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}
