// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxclient/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCert writes a self-signed certificate and its key to dir.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fluxsub-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadClientConfigEmpty(t *testing.T) {
	cfg, err := LoadClientConfig(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, "system defaults", SecurityStatus(cfg))
}

func TestLoadClientConfigInsecure(t *testing.T) {
	cfg, err := LoadClientConfig(config.TLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "TLS without verification", SecurityStatus(cfg))
}

func TestLoadClientConfigFiles(t *testing.T) {
	certFile, keyFile := writeCert(t, t.TempDir())

	cfg, err := LoadClientConfig(config.TLSConfig{
		CAFile:   certFile,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, "TLS with client certificate", SecurityStatus(cfg))
}

func TestLoadClientConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	cases := []struct {
		name string
		cfg  config.TLSConfig
		err  error
	}{
		{name: "cert without key", cfg: config.TLSConfig{CertFile: certFile}, err: errKeyPair},
		{name: "key without cert", cfg: config.TLSConfig{KeyFile: keyFile}, err: errKeyPair},
		{name: "missing cert", cfg: config.TLSConfig{CertFile: filepath.Join(dir, "none"), KeyFile: keyFile}, err: errLoadCerts},
		{name: "missing ca", cfg: config.TLSConfig{CAFile: filepath.Join(dir, "none")}, err: errLoadCA},
		{name: "invalid ca", cfg: config.TLSConfig{CAFile: garbage}, err: errAppendCA},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadClientConfig(tc.cfg)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
