package tls

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTLSDisabled(t *testing.T) {
	cfg, err := SetupTLS(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupTLSAutoGenerateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	cfg, err := SetupTLS(Config{
		Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2",
		AutoGen: &AutoGenTLS{CommonName: "agent.local", DNSNames: []string{"agent.local"}, ValidDays: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "agent.local", leaf.Subject.CommonName)
	assert.Equal(t, []string{"agent.local"}, leaf.DNSNames)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 2), leaf.NotAfter, time.Hour)
	_, isEC := leaf.PublicKey.(*ecdsa.PublicKey)
	assert.True(t, isEC)

	for _, name := range []string{DirCert, DirKey, DirCA} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	info, err := os.Stat(filepath.Join(dir, DirKey))
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func writePair(t *testing.T, dir, cn string) (string, string) {
	t.Helper()
	certPath, keyPath := filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName:  cn,
		IPAddresses: []string{"127.0.0.1"},
		CertPath:    certPath,
		KeyPath:     keyPath,
	}))
	return certPath, keyPath
}

func commonName(t *testing.T, cfg *tls.Config) string {
	t.Helper()
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestSetupTLSReloadsRotatedPair(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writePair(t, dir, "first")
	cfg, err := SetupTLS(Config{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	assert.Equal(t, "first", commonName(t, cfg))

	writePair(t, dir, "second")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(certPath, later, later))
	require.NoError(t, os.Chtimes(keyPath, later, later))
	assert.Equal(t, "second", commonName(t, cfg))

	// a vanished pair keeps the last good certificate
	require.NoError(t, os.Remove(certPath))
	assert.Equal(t, "second", commonName(t, cfg))
}

func TestSetupTLSErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "bad.crt")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))

	cases := map[string]Config{
		"no source":       {Enabled: true},
		"missing files":   {Enabled: true, CertFile: filepath.Join(dir, "nope.crt"), KeyFile: filepath.Join(dir, "nope.key")},
		"garbage pair":    {Enabled: true, CertFile: garbage, KeyFile: garbage},
		"empty dir":       {Enabled: true, Dir: dir},
		"old min version": {Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.0"},
		"inverted range":  {Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3", MaxVersion: "1.2"},
	}
	for name, c := range cases {
		_, err := SetupTLS(c)
		assert.Error(t, err, name)
	}
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]uint16{
		"":        tls.VersionTLS13,
		"default": tls.VersionTLS13,
		"1.2":     tls.VersionTLS12,
		"tls1.2":  tls.VersionTLS12,
		"TLS1.3":  tls.VersionTLS13,
	} {
		got, err := parseVersion("min_version", in, tls.VersionTLS13)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseVersion("min_version", "ssl3", tls.VersionTLS13)
	assert.Error(t, err)
}

func TestGenerateSelfSignedCertRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, GenerateSelfSignedCert(CertConfig{CertPath: filepath.Join(dir, "c")}))
	assert.Error(t, GenerateSelfSignedCert(CertConfig{
		CertPath: filepath.Join(dir, "c"), KeyPath: filepath.Join(dir, "k"), IPAddresses: []string{"nope"},
	}))
}
