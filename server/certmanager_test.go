package server

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

	"github.com/semihalev/fdns/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func servedName(t *testing.T, cm *CertManager) string {
	t.Helper()

	cert, err := cm.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	return x509Cert.Subject.CommonName
}

func TestCertManager(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "test.crt")
	keyPath := filepath.Join(tmpDir, "test.key")

	cert1, key1 := generateTestCert(t, "test1.example.com")
	writeCertAndKey(t, certPath, keyPath, cert1, key1)

	cm, err := NewCertManager(certPath, keyPath, mock.NewLogger())
	require.NoError(t, err)
	defer cm.Stop()

	assert.Equal(t, "test1.example.com", servedName(t, cm))

	cert2, key2 := generateTestCert(t, "test2.example.com")
	writeCertAndKey(t, certPath, keyPath, cert2, key2)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(certPath, future, future))

	assert.Eventually(t, func() bool {
		return servedName(t, cm) == "test2.example.com"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCertManagerReload(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "test.crt")
	keyPath := filepath.Join(tmpDir, "test.key")

	cert1, key1 := generateTestCert(t, "reload1.example.com")
	writeCertAndKey(t, certPath, keyPath, cert1, key1)

	cm, err := NewCertManager(certPath, keyPath, mock.NewLogger())
	require.NoError(t, err)
	defer cm.Stop()

	cert2, key2 := generateTestCert(t, "reload2.example.com")
	writeCertAndKey(t, certPath, keyPath, cert2, key2)

	require.NoError(t, cm.Reload())
	assert.Equal(t, "reload2.example.com", servedName(t, cm))
}

func TestCertManagerKeepsPreviousOnBadReload(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "test.crt")
	keyPath := filepath.Join(tmpDir, "test.key")

	cert, key := generateTestCert(t, "keep.example.com")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	cm, err := NewCertManager(certPath, keyPath, mock.NewLogger())
	require.NoError(t, err)
	defer cm.Stop()

	require.NoError(t, os.WriteFile(certPath, []byte("garbage"), 0644))
	assert.Error(t, cm.Reload())
	assert.Equal(t, "keep.example.com", servedName(t, cm))
}

func TestCertManagerMissingFiles(t *testing.T) {
	_, err := NewCertManager("/nonexistent/cert.pem", "/nonexistent/key.pem", mock.NewLogger())
	assert.Error(t, err)
}

func TestCertManagerTLSConfig(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "test.crt")
	keyPath := filepath.Join(tmpDir, "test.key")

	cert, key := generateTestCert(t, "cfg.example.com")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	cm, err := NewCertManager(certPath, keyPath, mock.NewLogger())
	require.NoError(t, err)
	cm.Stop()
	cm.Stop()

	cfg := cm.TLSConfig(tls.VersionTLS12, tls.VersionTLS13)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.NotNil(t, cfg.GetCertificate)
	assert.NotSame(t, cfg, cm.TLSConfig(tls.VersionTLS12, tls.VersionTLS13))
}

func generateTestCert(t *testing.T, commonName string) ([]byte, []byte) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM
}

func writeCertAndKey(t *testing.T, certPath, keyPath string, cert, key []byte) {
	require.NoError(t, os.WriteFile(certPath, cert, 0644))
	require.NoError(t, os.WriteFile(keyPath, key, 0600))
}
