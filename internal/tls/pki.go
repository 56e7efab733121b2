package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"grimm.is/nftsync/internal/brand"
	"grimm.is/nftsync/internal/clock"
	"grimm.is/nftsync/internal/errors"
)

// File names written by Bootstrap.
const (
	CAFile        = "ca.pem"
	CAKeyFile     = "ca-key.pem"
	ServerFile    = "server.pem"
	ServerKeyFile = "server-key.pem"
	ClientFile    = "client.pem"
	ClientKeyFile = "client-key.pem"
)

// DefaultValidity is the lifetime of generated certificates.
const DefaultValidity = 365 * 24 * time.Hour

// Authority is a certificate authority able to issue peer certificates.
type Authority struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
}

// KeyPair is an issued certificate and its private key, PEM encoded.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateCA creates a self-signed certificate authority.
func GenerateCA(commonName string, validity time.Duration) (*Authority, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to generate CA key")
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{brand.Name}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to create CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to parse CA certificate")
	}
	keyPEM, err := encodeKey(priv)
	if err != nil {
		return nil, err
	}

	return &Authority{
		Cert:    cert,
		Key:     priv,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}, nil
}

// LoadAuthority reads a CA certificate and key written by Bootstrap.
func LoadAuthority(certFile, keyFile string) (*Authority, error) {
	pair, err := LoadCertificate(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to parse %s", certFile)
	}
	if !cert.IsCA {
		return nil, errors.Errorf(errors.KindConfig, "%s is not a CA certificate", certFile)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf(errors.KindConfig, "%s does not hold a signing key", keyFile)
	}
	certPEM, _ := os.ReadFile(certFile)
	keyPEM, _ := os.ReadFile(keyFile)
	return &Authority{Cert: cert, Key: signer, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// IssueServer issues a server certificate valid for the given host names
// and addresses.
func (a *Authority) IssueServer(commonName string, dnsNames []string, ips []net.IP, validity time.Duration) (*KeyPair, error) {
	return a.issue(commonName, x509.ExtKeyUsageServerAuth, dnsNames, ips, validity)
}

// IssueClient issues a client certificate. The common name identifies the
// peer in server logs.
func (a *Authority) IssueClient(commonName string, validity time.Duration) (*KeyPair, error) {
	return a.issue(commonName, x509.ExtKeyUsageClientAuth, nil, nil, validity)
}

func (a *Authority) issue(commonName string, usage x509.ExtKeyUsage, dnsNames []string, ips []net.IP, validity time.Duration) (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to generate private key")
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{brand.Name}},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	if tpl.NotAfter.After(a.Cert.NotAfter) {
		tpl.NotAfter = a.Cert.NotAfter
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, a.Cert, &priv.PublicKey, a.Key)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to sign certificate")
	}
	keyPEM, err := encodeKey(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}, nil
}

// Certificate parses the pair into a tls.Certificate.
func (k *KeyPair) Certificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(k.CertPEM, k.KeyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, errors.KindConfig, "invalid key pair")
	}
	return cert, nil
}

// BootstrapOptions controls Bootstrap.
type BootstrapOptions struct {
	Dir        string
	ServerName string   // Server certificate CN
	ClientName string   // Client certificate CN
	Hosts      []string // Extra server SANs; IP literals become IP SANs
	Validity   time.Duration
}

// Bootstrap writes a CA plus one server and one client key pair into
// opts.Dir. An existing CA in the directory is reused, so running it again
// issues fresh peer certificates that still verify against deployed CAs.
func Bootstrap(opts BootstrapOptions) error {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.ServerName == "" {
		opts.ServerName = brand.LowerName + "-server"
	}
	if opts.ClientName == "" {
		opts.ClientName = brand.LowerName + "-client"
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return errors.Wrapf(err, errors.KindConfig, "failed to create %s", opts.Dir)
	}

	caPath := filepath.Join(opts.Dir, CAFile)
	caKeyPath := filepath.Join(opts.Dir, CAKeyFile)

	var ca *Authority
	var err error
	if fileExists(caPath) && fileExists(caKeyPath) {
		ca, err = LoadAuthority(caPath, caKeyPath)
		if err != nil {
			return err
		}
	} else {
		ca, err = GenerateCA(brand.Name+" CA", opts.Validity*5)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(caPath, ca.CertPEM, 0o644); err != nil {
			return err
		}
		if err := writeFileAtomic(caKeyPath, ca.KeyPEM, 0o600); err != nil {
			return err
		}
	}

	dnsNames, ips := sans(opts.ServerName, opts.Hosts)
	server, err := ca.IssueServer(opts.ServerName, dnsNames, ips, opts.Validity)
	if err != nil {
		return err
	}
	client, err := ca.IssueClient(opts.ClientName, opts.Validity)
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{ServerFile, server.CertPEM, 0o644},
		{ServerKeyFile, server.KeyPEM, 0o600},
		{ClientFile, client.CertPEM, 0o644},
		{ClientKeyFile, client.KeyPEM, 0o600},
	}
	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(opts.Dir, f.name), f.data, f.perm); err != nil {
			return err
		}
	}
	return nil
}

// ExpiresWithin reports whether the PEM certificate at path expires within d.
func ExpiresWithin(path string, d time.Duration) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindConfig, "failed to read %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false, errors.Errorf(errors.KindConfig, "failed to decode PEM in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, errors.Wrapf(err, errors.KindConfig, "failed to parse %s", path)
	}
	return cert.NotAfter.Sub(clock.Now()) < d, nil
}

func sans(serverName string, hosts []string) ([]string, []net.IP) {
	dnsNames := []string{"localhost", serverName}
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to generate serial number")
	}
	return serial, nil
}

func encodeKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to install %s", path)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
