package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// CertConfig describes a self-signed certificate to write.
type CertConfig struct {
	CommonName   string
	Organization string
	DNSNames     []string
	IPAddresses  []string
	NotAfter     time.Time
	CertPath     string
	KeyPath      string
	// CACertPath, when set, receives a copy of the certificate for clients
	// to trust.
	CACertPath string
}

// GenerateSelfSignedCert writes an ECDSA P-256 server certificate and its
// PKCS#8 key.
func GenerateSelfSignedCert(cc CertConfig) error {
	if cc.CertPath == "" || cc.KeyPath == "" {
		return errors.New("cert and key paths are required")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}
	notBefore := time.Now().Add(-time.Minute)
	notAfter := cc.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(1, 0, 0)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cc.CommonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              cc.DNSNames,
	}
	if cc.Organization != "" {
		tmpl.Subject.Organization = []string{cc.Organization}
	}
	for _, s := range cc.IPAddresses {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", s)
		}
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	writes := []struct {
		path  string
		perm  os.FileMode
		block string
		der   []byte
	}{
		{cc.KeyPath, 0o600, "PRIVATE KEY", keyDER},
		{cc.CertPath, 0o644, "CERTIFICATE", der},
		{cc.CACertPath, 0o644, "CERTIFICATE", der},
	}
	for _, w := range writes {
		if w.path == "" {
			continue
		}
		data := pem.EncodeToMemory(&pem.Block{Type: w.block, Bytes: w.der})
		if err := os.WriteFile(w.path, data, w.perm); err != nil {
			return fmt.Errorf("write %s: %w", w.path, err)
		}
	}
	return nil
}
