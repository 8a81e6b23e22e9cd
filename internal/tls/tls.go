// Package tls builds the HTTPS configuration of the API server from either
// an explicit cert/key pair or a certificate directory, optionally
// generating a self-signed pair for development.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// File names used inside Config.Dir.
const (
	DirCA   = "tls_ca.crt"
	DirCert = "tls.crt"
	DirKey  = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"`
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS tunes the self-signed certificate written when AutoGenerate is set.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

var versions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// parseVersion accepts "1.2", "tls1.2", "TLS1.3" and so on. An empty value
// yields def.
func parseVersion(field, v string, def uint16) (uint16, error) {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls")
	if v == "" || v == "default" {
		return def, nil
	}
	if n, ok := versions[v]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("unsupported TLS %s %q", field, v)
}

func versionRange(cfg Config) (uint16, uint16, error) {
	lo, err := parseVersion("min_version", cfg.MinVersion, tls.VersionTLS13)
	if err != nil {
		return 0, 0, err
	}
	hi, err := parseVersion("max_version", cfg.MaxVersion, tls.VersionTLS13)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("TLS min_version %q is above max_version %q", cfg.MinVersion, cfg.MaxVersion)
	}
	return lo, hi, nil
}

// keyPair serves a certificate that is reloaded when either file's
// modification time changes, so rotated certificates apply without a
// restart.
type keyPair struct {
	certPath, keyPath string

	mu      sync.Mutex
	cert    *tls.Certificate
	certMod time.Time
	keyMod  time.Time
}

func (k *keyPair) modTimes() (time.Time, time.Time, error) {
	ci, err := os.Stat(k.certPath)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	ki, err := os.Stat(k.keyPath)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return ci.ModTime(), ki.ModTime(), nil
}

func (k *keyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cm, km, err := k.modTimes()
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, err
	}
	if k.cert != nil && cm.Equal(k.certMod) && km.Equal(k.keyMod) {
		return k.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(k.certPath, k.keyPath)
	if err != nil {
		if k.cert != nil {
			// keep serving the previous pair while a rotation is half written
			return k.cert, nil
		}
		return nil, err
	}
	k.cert, k.certMod, k.keyMod = &cert, cm, km
	return k.cert, nil
}

// SetupTLS returns nil when TLS is disabled. Explicit cert/key files win
// over a certificate directory.
func SetupTLS(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	lo, hi, err := versionRange(cfg)
	if err != nil {
		return nil, err
	}

	var kp *keyPair
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		kp = &keyPair{certPath: filepath.Clean(cfg.CertFile), keyPath: filepath.Clean(cfg.KeyFile)}
	case cfg.Dir != "":
		kp = &keyPair{certPath: filepath.Join(cfg.Dir, DirCert), keyPath: filepath.Join(cfg.Dir, DirKey)}
		if cfg.AutoGenerate && !kp.exists() {
			if err := generateInto(cfg.Dir, cfg.AutoGen); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	// load once up front so a bad pair fails at startup, not on first handshake
	if _, err := kp.GetCertificate(nil); err != nil {
		return nil, fmt.Errorf("TLS key pair %s, %s: %w", kp.certPath, kp.keyPath, err)
	}
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: kp.GetCertificate,
		MinVersion:     lo,
		MaxVersion:     hi,
	}, nil
}

func (k *keyPair) exists() bool {
	_, _, err := k.modTimes()
	return err == nil
}

func generateInto(dir string, gen *AutoGenTLS) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	cc := CertConfig{
		CommonName:   "localhost",
		Organization: "patchgate",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().AddDate(1, 0, 0),
		CertPath:     filepath.Join(dir, DirCert),
		KeyPath:      filepath.Join(dir, DirKey),
		CACertPath:   filepath.Join(dir, DirCA),
	}
	if gen != nil {
		if gen.CommonName != "" {
			cc.CommonName = gen.CommonName
		}
		if gen.Organization != "" {
			cc.Organization = gen.Organization
		}
		if len(gen.DNSNames) > 0 {
			cc.DNSNames = gen.DNSNames
		}
		if len(gen.IPAddresses) > 0 {
			cc.IPAddresses = gen.IPAddresses
		}
		if gen.ValidDays > 0 {
			cc.NotAfter = time.Now().AddDate(0, 0, gen.ValidDays)
		}
	}
	return GenerateSelfSignedCert(cc)
}
