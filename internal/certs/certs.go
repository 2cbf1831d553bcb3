// Package certs provisions the self-signed certificate the server presents.
//
// A certificate/key pair is generated once and persisted as PEM. On later
// runs the pair on disk is reused, either blindly (TrustExisting) or after
// checking that it is still valid for the configured IP and that the key
// matches the certificate.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	// KeyBits is the RSA modulus size of generated keys
	KeyBits = 2048
	// ValidityDays is the lifetime of a generated certificate
	ValidityDays = 3650

	certFileMode os.FileMode = 0o644
	keyFileMode  os.FileMode = 0o600
	dirMode      os.FileMode = 0o755

	pemTypeCertificate  = "CERTIFICATE"
	pemTypeRSAKey       = "RSA PRIVATE KEY"
	pemTypePKCS8Key     = "PRIVATE KEY"
	localhostDNSName    = "localhost"
	serialNumberBitSize = 128
)

// Validity is ValidityDays expressed as a duration.
const Validity = ValidityDays * 24 * time.Hour

// Reasons an existing pair is rejected by Validate.
var (
	ErrInvalidPEM             = errors.New("no PEM block of the expected type")
	ErrCertificateExpired     = errors.New("certificate has expired")
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	ErrIPMismatch             = errors.New("certificate is not valid for the configured IP")
	ErrKeyMismatch            = errors.New("private key does not match certificate public key")
)

// ProvisionError reports a failure to produce or persist the certificate pair.
type ProvisionError struct {
	Op   string
	Path string
	Err  error
}

func (e *ProvisionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("certificate provisioning failed: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("certificate provisioning failed: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Outcome describes what Ensure did.
type Outcome int

const (
	// Reused means existing files were kept untouched
	Reused Outcome = iota
	// Generated means no pair existed and a new one was written
	Generated
	// Regenerated means an existing pair failed validation and was replaced
	Regenerated
)

func (o Outcome) String() string {
	switch o {
	case Reused:
		return "reused"
	case Generated:
		return "generated"
	case Regenerated:
		return "regenerated"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Options controls Ensure.
type Options struct {
	CertFile      string
	KeyFile       string
	ServerIP      string
	TrustExisting bool
	Now           func() time.Time // defaults to time.Now
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Bundle is a freshly generated key and self-signed certificate.
type Bundle struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	CertPEM     []byte
	KeyPEM      []byte
}

// Ensure makes sure a usable certificate/key pair exists at the configured
// paths and reports whether it had to create one.
func Ensure(opts Options, logger *zap.Logger) (Outcome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("cert_file", opts.CertFile), zap.String("key_file", opts.KeyFile))

	bothExist := fileExists(opts.CertFile) && fileExists(opts.KeyFile)
	if bothExist && opts.TrustExisting {
		logger.Info("Using existing certificate without validation")
		return Reused, nil
	}

	ip := net.ParseIP(opts.ServerIP)
	if ip == nil {
		return Reused, &ProvisionError{Op: "parse ip", Err: fmt.Errorf("invalid IP address %q", opts.ServerIP)}
	}

	outcome := Generated
	if bothExist {
		err := Validate(opts.CertFile, opts.KeyFile, ip, opts.now())
		if err == nil {
			logger.Info("Existing certificate is valid", zap.String("server_ip", ip.String()))
			return Reused, nil
		}
		logger.Warn("Existing certificate rejected, regenerating", zap.Error(err))
		outcome = Regenerated
	}

	logger.Info("Generating self-signed certificate",
		zap.String("server_ip", ip.String()),
		zap.Int("key_bits", KeyBits),
		zap.Int("validity_days", ValidityDays))

	bundle, err := Generate(ip, opts.now())
	if err != nil {
		return outcome, err
	}
	if err := bundle.Write(opts.CertFile, opts.KeyFile); err != nil {
		return outcome, err
	}

	logger.Info("Certificate written",
		zap.String("serial", bundle.Certificate.SerialNumber.Text(16)),
		zap.Time("not_after", bundle.Certificate.NotAfter))

	return outcome, nil
}

// Generate creates an RSA key and a self-signed certificate for ip and
// localhost, valid from now for ValidityDays.
func Generate(ip net.IP, now time.Time) (*Bundle, error) {
	if ip == nil {
		return nil, &ProvisionError{Op: "parse ip", Err: errors.New("no IP address given")}
	}

	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, &ProvisionError{Op: "generate key", Err: err}
	}

	// must be unique to avoid errors when serial/issuer is reused with different keys
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialNumberBitSize))
	if err != nil {
		return nil, &ProvisionError{Op: "generate serial", Err: err}
	}
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}

	name := pkix.Name{
		Country:      []string{"RU"},
		Province:     []string{"None"},
		Locality:     []string{"None"},
		Organization: []string{"Dev"},
		CommonName:   ip.String(),
	}

	notBefore := now.UTC().Truncate(time.Second)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(Validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		IPAddresses:           []net.IP{ip},
		DNSNames:              []string{localhostDNSName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, &ProvisionError{Op: "sign certificate", Err: err}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &ProvisionError{Op: "parse certificate", Err: err}
	}

	return &Bundle{
		PrivateKey:  priv,
		Certificate: cert,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: pemTypeRSAKey, Bytes: x509.MarshalPKCS1PrivateKey(priv)}),
	}, nil
}

// Write persists the bundle. Both files are staged next to their targets
// and renamed into place, so a failure never leaves a partial file behind.
func (b *Bundle) Write(certFile, keyFile string) error {
	keyTmp, err := stageFile(keyFile, b.KeyPEM, keyFileMode)
	if err != nil {
		return err
	}
	certTmp, err := stageFile(certFile, b.CertPEM, certFileMode)
	if err != nil {
		os.Remove(keyTmp)
		return err
	}

	if err := os.Rename(keyTmp, keyFile); err != nil {
		os.Remove(keyTmp)
		os.Remove(certTmp)
		return &ProvisionError{Op: "rename", Path: keyFile, Err: err}
	}
	if err := os.Rename(certTmp, certFile); err != nil {
		os.Remove(certTmp)
		// a key without its certificate is useless
		os.Remove(keyFile)
		return &ProvisionError{Op: "rename", Path: certFile, Err: err}
	}

	return nil
}

// stageFile writes data to a temp file in the directory of target and
// returns the temp file's path.
func stageFile(target string, data []byte, mode os.FileMode) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", &ProvisionError{Op: "create directory", Path: dir, Err: err}
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", &ProvisionError{Op: "create", Path: target, Err: err}
	}
	tmp := f.Name()

	fail := func(op string, err error) (string, error) {
		f.Close()
		os.Remove(tmp)
		return "", &ProvisionError{Op: op, Path: target, Err: err}
	}

	if err := f.Chmod(mode); err != nil {
		return fail("chmod", err)
	}
	if _, err := f.Write(data); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", &ProvisionError{Op: "close", Path: target, Err: err}
	}

	return tmp, nil
}

// Validate checks that the pair on disk parses, is within its validity
// window at now, covers ip, and that the key matches the certificate.
func Validate(certFile, keyFile string, ip net.IP, now time.Time) error {
	cert, err := ReadCertificate(certFile)
	if err != nil {
		return err
	}

	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: valid from %s", ErrCertificateNotYetValid, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: expired at %s", ErrCertificateExpired, cert.NotAfter.Format(time.RFC3339))
	}

	if ip != nil {
		if err := cert.VerifyHostname(ip.String()); err != nil {
			return fmt.Errorf("%w: %v", ErrIPMismatch, err)
		}
	}

	key, err := ReadPrivateKey(keyFile)
	if err != nil {
		return err
	}

	return checkKeyMatch(cert, key)
}

// ReadCertificate parses the first certificate of a PEM file.
func ReadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate %s: %w", path, err)
	}

	block := findBlock(data, pemTypeCertificate)
	if block == nil {
		return nil, fmt.Errorf("certificate %s: %w", path, ErrInvalidPEM)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", path, err)
	}
	return cert, nil
}

// ReadPrivateKey parses a PKCS#1 or PKCS#8 RSA private key from a PEM file.
func ReadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}

	if block := findBlock(data, pemTypeRSAKey); block != nil {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
		}
		return key, nil
	}

	if block := findBlock(data, pemTypePKCS8Key); block != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key %s is %T, want RSA", path, parsed)
		}
		return key, nil
	}

	return nil, fmt.Errorf("private key %s: %w", path, ErrInvalidPEM)
}

// LoadKeyPair loads the pair for serving and fills in Leaf.
func LoadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	if pair.Leaf == nil {
		leaf, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return tls.Certificate{}, err
		}
		pair.Leaf = leaf
	}
	return pair, nil
}

func checkKeyMatch(cert *x509.Certificate, key *rsa.PrivateKey) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

func findBlock(data []byte, blockType string) *pem.Block {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil
		}
		if block.Type == blockType {
			return block
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
