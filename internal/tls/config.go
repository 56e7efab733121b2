// Package tls builds mutual-TLS configurations for nft-sync peers and
// generates the certificate authority and key pairs they use.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"os"

	"grimm.is/nftsync/internal/errors"
)

// Credentials names the PEM files of one peer.
type Credentials struct {
	Cert string // Own certificate
	Key  string // Own private key
	CA   string // Authority that signs the other side
}

// ServerConfig returns a server configuration that requires and verifies a
// client certificate signed by creds.CA.
func ServerConfig(creds Credentials) (*tls.Config, error) {
	cert, err := LoadCertificate(creds.Cert, creds.Key)
	if err != nil {
		return nil, err
	}
	pool, err := LoadPool(creds.CA)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns a client configuration that presents creds.Cert and
// verifies the server against creds.CA. An empty serverName keeps Go's
// default of verifying against the dialed host.
func ClientConfig(creds Credentials, serverName string) (*tls.Config, error) {
	cert, err := LoadCertificate(creds.Cert, creds.Key)
	if err != nil {
		return nil, err
	}
	pool, err := LoadPool(creds.CA)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadCertificate loads a certificate from files.
func LoadCertificate(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to load certificate %s", certFile)
	}
	return &cert, nil
}

// LoadPool reads a PEM bundle into a certificate pool.
func LoadPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to read CA certificate %s", caFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.Errorf(errors.KindConfig, "no certificates found in %s", caFile)
	}
	return pool, nil
}

// Fingerprint returns the hex SHA-256 of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
