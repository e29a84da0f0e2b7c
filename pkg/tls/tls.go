// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds client TLS configurations from certificate files.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/absmach/fluxclient/config"
)

var (
	errLoadCerts = errors.New("failed to load client certificate")
	errLoadCA    = errors.New("failed to load CA")
	errAppendCA  = errors.New("failed to append root ca tls.Config")
	errKeyPair   = errors.New("cert_file and key_file must be set together")
)

// LoadClientConfig returns the TLS configuration described by c, or nil when
// c sets nothing so that the system defaults apply.
func LoadClientConfig(c config.TLSConfig) (*tls.Config, error) {
	if c.CAFile == "" && c.CertFile == "" && c.KeyFile == "" && !c.InsecureSkipVerify {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errKeyPair
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		cfg.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return cfg, nil
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	switch {
	case c == nil:
		return "system defaults"
	case c.InsecureSkipVerify:
		return "TLS without verification"
	case len(c.Certificates) > 0:
		return "TLS with client certificate"
	default:
		return "TLS"
	}
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
