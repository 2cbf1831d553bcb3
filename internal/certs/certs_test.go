package certs

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
}

func mustGenerate(t *testing.T, ip string, now time.Time) *Bundle {
	t.Helper()
	b, err := Generate(net.ParseIP(ip), now)
	require.NoError(t, err)
	return b
}

func TestGenerate(t *testing.T) {
	now := time.Now()
	b := mustGenerate(t, "10.0.0.5", now)
	cert := b.Certificate

	// Validity window
	if cert.NotBefore.After(now) || now.After(cert.NotAfter) {
		t.Errorf("now %v outside validity [%v, %v]", now, cert.NotBefore, cert.NotAfter)
	}
	if got := cert.NotAfter.Sub(cert.NotBefore); got != 3650*24*time.Hour {
		t.Errorf("Expected 3650 day validity, got %v", got)
	}

	// Subject and issuer
	if cert.Subject.CommonName != "10.0.0.5" {
		t.Errorf("Expected CN '10.0.0.5', got '%s'", cert.Subject.CommonName)
	}
	assert.Equal(t, []string{"RU"}, cert.Subject.Country)
	assert.Equal(t, []string{"None"}, cert.Subject.Province)
	assert.Equal(t, []string{"None"}, cert.Subject.Locality)
	assert.Equal(t, []string{"Dev"}, cert.Subject.Organization)
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String(), "self-signed certificate must have issuer == subject")
	require.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))

	// SAN
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")))
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	for _, ext := range cert.Extensions {
		if ext.Id.Equal([]int{2, 5, 29, 17}) && ext.Critical {
			t.Error("SAN extension should not be critical")
		}
	}

	// Key parameters
	assert.Equal(t, x509.SHA256WithRSA, cert.SignatureAlgorithm)
	assert.Equal(t, 2048, b.PrivateKey.N.BitLen())
	assert.Equal(t, 65537, b.PrivateKey.E)
	assert.Equal(t, 1, cert.SerialNumber.Sign(), "serial must be positive")
}

func TestGenerateIPv6(t *testing.T) {
	b := mustGenerate(t, "fd00::5", time.Now())
	assert.Equal(t, "fd00::5", b.Certificate.Subject.CommonName)
	require.NoError(t, b.Certificate.VerifyHostname("fd00::5"))
	require.NoError(t, b.Certificate.VerifyHostname("localhost"))
}

func TestGenerateUniqueSerials(t *testing.T) {
	a := mustGenerate(t, "127.0.0.1", time.Now())
	b := mustGenerate(t, "127.0.0.1", time.Now())
	if a.Certificate.SerialNumber.Cmp(b.Certificate.SerialNumber) == 0 {
		t.Error("Expected distinct serial numbers per generation")
	}
}

func TestEnsureCreatesFiles(t *testing.T) {
	certFile, keyFile := testPaths(t)

	outcome, err := Ensure(Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "10.0.0.5"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Generated, outcome)

	cert, err := ReadCertificate(certFile)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cert.Subject.CommonName)

	// The key is stored as PKCS#1 and matches the certificate
	keyPEM, err := os.ReadFile(keyFile)
	require.NoError(t, err)
	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	assert.Equal(t, "RSA PRIVATE KEY", block.Type)
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	require.NoError(t, err)
	assert.True(t, cert.PublicKey.(*rsa.PublicKey).Equal(&key.PublicKey))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "private key must be owner-only")

	// No staging leftovers
	entries, err := os.ReadDir(filepath.Dir(certFile))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEnsureIsIdempotent(t *testing.T) {
	certFile, keyFile := testPaths(t)
	opts := Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "192.168.1.230"}

	_, err := Ensure(opts, zap.NewNop())
	require.NoError(t, err)
	certBefore, _ := os.ReadFile(certFile)
	keyBefore, _ := os.ReadFile(keyFile)

	outcome, err := Ensure(opts, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Reused, outcome)

	certAfter, _ := os.ReadFile(certFile)
	keyAfter, _ := os.ReadFile(keyFile)
	if !bytes.Equal(certBefore, certAfter) || !bytes.Equal(keyBefore, keyAfter) {
		t.Error("Second Ensure must leave files byte-for-byte unchanged")
	}
}

func TestEnsureCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "nested", "cert.pem")
	keyFile := filepath.Join(dir, "tls", "private", "key.pem")

	_, err := Ensure(Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "127.0.0.1"}, nil)
	require.NoError(t, err)
	assert.FileExists(t, certFile)
	assert.FileExists(t, keyFile)
}

func TestEnsureInvalidIP(t *testing.T) {
	certFile, keyFile := testPaths(t)

	_, err := Ensure(Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "192.168.1"}, zap.NewNop())
	require.Error(t, err)

	var provErr *ProvisionError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "parse ip", provErr.Op)
	assert.NoFileExists(t, certFile)
	assert.NoFileExists(t, keyFile)
}

func TestEnsureTrustExisting(t *testing.T) {
	certFile, keyFile := testPaths(t)
	require.NoError(t, os.WriteFile(certFile, []byte("not a certificate"), 0o644))
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))

	// Even an invalid IP is ignored when nothing has to be generated
	outcome, err := Ensure(Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "bogus", TrustExisting: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Reused, outcome)

	data, _ := os.ReadFile(certFile)
	assert.Equal(t, "not a certificate", string(data))
}

func TestEnsureRegenerates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, certFile, keyFile string)
	}{
		{
			name: "mismatched key",
			setup: func(t *testing.T, certFile, keyFile string) {
				a := mustGenerate(t, "10.0.0.5", time.Now())
				b := mustGenerate(t, "10.0.0.5", time.Now())
				require.NoError(t, os.WriteFile(certFile, a.CertPEM, 0o644))
				require.NoError(t, os.WriteFile(keyFile, b.KeyPEM, 0o600))
			},
		},
		{
			name: "expired",
			setup: func(t *testing.T, certFile, keyFile string) {
				old := mustGenerate(t, "10.0.0.5", time.Now().AddDate(-11, 0, 0))
				require.NoError(t, old.Write(certFile, keyFile))
			},
		},
		{
			name: "ip changed",
			setup: func(t *testing.T, certFile, keyFile string) {
				other := mustGenerate(t, "10.0.0.99", time.Now())
				require.NoError(t, other.Write(certFile, keyFile))
			},
		},
		{
			name: "corrupt files",
			setup: func(t *testing.T, certFile, keyFile string) {
				require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0o644))
				require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0o600))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certFile, keyFile := testPaths(t)
			tt.setup(t, certFile, keyFile)

			outcome, err := Ensure(Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "10.0.0.5"}, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, Regenerated, outcome)
			assert.NoError(t, Validate(certFile, keyFile, net.ParseIP("10.0.0.5"), time.Now()))
		})
	}
}

func TestEnsureOnlyOneFilePresent(t *testing.T) {
	certFile, keyFile := testPaths(t)
	require.NoError(t, os.WriteFile(certFile, []byte("stale"), 0o644))

	outcome, err := Ensure(Options{CertFile: certFile, KeyFile: keyFile, ServerIP: "127.0.0.1", TrustExisting: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Generated, outcome)
	assert.NoError(t, Validate(certFile, keyFile, net.ParseIP("127.0.0.1"), time.Now()))
}

func TestWriteFailureLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// The certificate directory cannot be created because a file is in the way
	certFile := filepath.Join(blocker, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	b := mustGenerate(t, "127.0.0.1", time.Now())
	err := b.Write(certFile, keyFile)
	require.Error(t, err)

	var provErr *ProvisionError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "create directory", provErr.Op)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() != "blocker" {
			t.Errorf("Unexpected file left behind: %s", e.Name())
		}
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	ip := net.ParseIP("10.0.0.5")

	good := mustGenerate(t, "10.0.0.5", now)
	other := mustGenerate(t, "10.0.0.5", now)

	tests := []struct {
		name    string
		cert    []byte
		key     []byte
		ip      net.IP
		at      time.Time
		wantErr error
	}{
		{name: "valid", cert: good.CertPEM, key: good.KeyPEM, ip: ip, at: now},
		{name: "ip check skipped when nil", cert: good.CertPEM, key: good.KeyPEM, ip: nil, at: now},
		{name: "expired", cert: good.CertPEM, key: good.KeyPEM, ip: ip, at: now.AddDate(11, 0, 0), wantErr: ErrCertificateExpired},
		{name: "not yet valid", cert: good.CertPEM, key: good.KeyPEM, ip: ip, at: now.Add(-time.Hour), wantErr: ErrCertificateNotYetValid},
		{name: "wrong ip", cert: good.CertPEM, key: good.KeyPEM, ip: net.ParseIP("10.0.0.6"), at: now, wantErr: ErrIPMismatch},
		{name: "key mismatch", cert: good.CertPEM, key: other.KeyPEM, ip: ip, at: now, wantErr: ErrKeyMismatch},
		{name: "cert not pem", cert: []byte("junk"), key: good.KeyPEM, ip: ip, at: now, wantErr: ErrInvalidPEM},
		{name: "key not pem", cert: good.CertPEM, key: []byte("junk"), ip: ip, at: now, wantErr: ErrInvalidPEM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certFile, keyFile := testPaths(t)
			require.NoError(t, os.WriteFile(certFile, tt.cert, 0o644))
			require.NoError(t, os.WriteFile(keyFile, tt.key, 0o600))

			err := Validate(certFile, keyFile, tt.ip, tt.at)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReadPrivateKeyPKCS8(t *testing.T) {
	b := mustGenerate(t, "127.0.0.1", time.Now())
	der, err := x509.MarshalPKCS8PrivateKey(b.PrivateKey)
	require.NoError(t, err)

	_, keyFile := testPaths(t)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	key, err := ReadPrivateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, key.Equal(b.PrivateKey))
}

func TestLoadKeyPair(t *testing.T) {
	certFile, keyFile := testPaths(t)
	b := mustGenerate(t, "127.0.0.1", time.Now())
	require.NoError(t, b.Write(certFile, keyFile))

	pair, err := LoadKeyPair(certFile, keyFile)
	require.NoError(t, err)
	require.NotNil(t, pair.Leaf)
	assert.Equal(t, 0, pair.Leaf.SerialNumber.Cmp(b.Certificate.SerialNumber))

	other := mustGenerate(t, "127.0.0.1", time.Now())
	require.NoError(t, os.WriteFile(keyFile, other.KeyPEM, 0o600))
	_, err = LoadKeyPair(certFile, keyFile)
	assert.Error(t, err, "mismatched pair must not load")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "reused", Reused.String())
	assert.Equal(t, "generated", Generated.String())
	assert.Equal(t, "regenerated", Regenerated.String())
	assert.Equal(t, "Outcome(7)", Outcome(7).String())
}
