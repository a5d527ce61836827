// Package identity loads a device's mutual-TLS material and builds the
// TLS configuration the transports dial with.
//
// The on-disk layout is fixed per thing:
//
//	<cert_dir>/<thing>/certificate.pem.crt
//	<cert_dir>/<thing>/private.pem.key
//
// plus a single CA file shared by every thing. A PKCS#12 bundle may
// replace the PEM pair.
package identity

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pkcs12"
)

// File names inside a thing's certificate directory.
const (
	CertificateFile = "certificate.pem.crt"
	PrivateKeyFile  = "private.pem.key"
)

// ALPNProtocol lets mutual-TLS MQTT share port 443 with HTTPS on the
// AWS IoT data endpoint.
const ALPNProtocol = "x-amzn-mqtt-ca"

// ErrNoCertificates is returned when the CA file holds no usable PEM
// certificates.
var ErrNoCertificates = errors.New("no certificates found")

// Identity is the immutable description of the device. It is fixed at
// startup and never changes for the life of the process.
type Identity struct {
	ThingName string
	CertFile  string
	KeyFile   string
	CAFile    string

	// PKCS12File replaces CertFile/KeyFile when non-empty.
	PKCS12File     string
	PKCS12Password string
}

// New derives the identity for thingName from the standard layout.
func New(thingName, certDir, caFile string) Identity {
	dir := filepath.Join(certDir, thingName)
	return Identity{
		ThingName: thingName,
		CertFile:  filepath.Join(dir, CertificateFile),
		KeyFile:   filepath.Join(dir, PrivateKeyFile),
		CAFile:    caFile,
	}
}

// WithPKCS12 returns a copy of id that loads its client certificate
// from a PKCS#12 bundle instead of the PEM pair.
func (id Identity) WithPKCS12(path, password string) Identity {
	id.PKCS12File = path
	id.PKCS12Password = password
	return id
}

// TLSConfig loads the key material and returns a client configuration
// for host:port. The protocol floor is TLS 1.2; cipher suites are left
// to crypto/tls. Port 443 additionally advertises [ALPNProtocol].
func (id Identity) TLSConfig(host string, port int) (*tls.Config, error) {
	cert, err := id.clientCertificate()
	if err != nil {
		return nil, err
	}

	roots, err := loadCertPool(id.CAFile)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	}
	if port == 443 {
		cfg.NextProtos = []string{ALPNProtocol}
	}
	return cfg, nil
}

func (id Identity) clientCertificate() (tls.Certificate, error) {
	if id.PKCS12File != "" {
		return loadPKCS12(id.PKCS12File, id.PKCS12Password)
	}

	cert, err := tls.LoadX509KeyPair(id.CertFile, id.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load client certificate %s: %w", id.CertFile, err)
	}
	return cert, nil
}

func loadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read pkcs12 bundle: %w", err)
	}

	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pkcs12 bundle %s: %w", path, err)
	}

	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	found := 0
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA certificate in %s: %w", path, err)
		}
		pool.AddCert(cert)
		found++
	}

	if found == 0 {
		return nil, fmt.Errorf("CA file %s: %w", path, ErrNoCertificates)
	}
	return pool, nil
}
