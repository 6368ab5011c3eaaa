package server

import (
	"crypto/tls"
	"errors"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// PasswordEnv overrides the configured certificate password when set.
const PasswordEnv = "PKCS12_PASSWORD"

var ErrMissingPassword = errors.New("no certificate password in " + PasswordEnv + " or config")

// ResolvePassword picks the PKCS#12 password: the environment first, then the
// configured value.
func ResolvePassword(configured string) (string, error) {
	if pw, ok := os.LookupEnv(PasswordEnv); ok {
		return pw, nil
	}
	if configured != "" {
		return configured, nil
	}
	return "", ErrMissingPassword
}

// LoadIdentity reads a PKCS#12 archive and returns it as a TLS certificate
// with its chain.
func LoadIdentity(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, IdentityError{Path: path, Cause: err}
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, IdentityError{Path: path, Cause: err}
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func newTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
