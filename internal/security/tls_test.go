package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSelfSignedCert(t *testing.T, commonName string) (certFile, keyFile string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "test.crt")
	keyFile = filepath.Join(dir, "test.key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "creditd")

	cfg, err := LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile, RequireClientAuth: true})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, RequireClientAuth: true})
	assert.Error(t, err)
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "creditctl")

	cfg, err := LoadClientTLSConfig(TLSConfig{CAFile: certFile})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)

	cfg, err = LoadClientTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	bogus := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(bogus, []byte("not a cert"), 0o600))
	_, err = LoadClientTLSConfig(TLSConfig{CAFile: bogus})
	assert.Error(t, err)
}

func TestVerifyTLSFiles(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "test")

	assert.NoError(t, VerifyTLSFiles(certFile, keyFile, ""))
	assert.Error(t, VerifyTLSFiles("/nonexistent/cert.crt", "/nonexistent/key.key", ""))
	assert.Error(t, VerifyTLSFiles("", "", ""))
	assert.Error(t, VerifyTLSFiles(certFile, keyFile, "/nonexistent/ca.crt"))
}

func TestPeerIdentity(t *testing.T) {
	cert := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   "tts-worker",
			Organization: []string{"credits:reserve", "credits:settle"},
		},
	}

	service, scopes, err := PeerIdentity(cert)
	require.NoError(t, err)
	assert.Equal(t, "tts-worker", service)
	assert.True(t, HasScope(scopes, "credits:settle"))
	assert.False(t, HasScope(scopes, "credits:admin"))
	assert.False(t, HasScope(scopes, ""))

	_, _, err = PeerIdentity(nil)
	assert.Error(t, err)

	_, _, err = PeerIdentity(&x509.Certificate{})
	assert.Error(t, err)
}
