// Package pki drives the strongSwan pki tool to build a certificate
// authority and issue the gateway's server certificate, and inspects the
// resulting files.
package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ikev2-provision/internal/command"
	"ikev2-provision/internal/fsutil"
)

var (
	// ErrCertificateGeneration is wrapped by every key or certificate failure.
	ErrCertificateGeneration = errors.New("certificate generation failed")
	// ErrCAMissing means IssueServer was called before the CA existed.
	ErrCAMissing = errors.New("certificate authority artifacts missing")
)

const (
	keyMode  os.FileMode = 0o600
	certMode os.FileMode = 0o644
)

// Artifact locates a key pair on disk.
type Artifact struct {
	KeyPath  string
	CertPath string
}

// AuthoritySpec describes the self-signed root.
type AuthoritySpec struct {
	Artifact
	DN               string
	KeySize          int
	ValidityDays     int
	// Regenerate replaces an existing CA. Every previously issued
	// certificate stops validating.
	Regenerate       bool
	// MinRemainingDays warns when a reused CA expires before a freshly
	// issued server certificate would.
	MinRemainingDays int
}

// ServerSpec describes the server certificate to issue.
type ServerSpec struct {
	Artifact
	CA           Artifact
	DN           string
	SAN          netip.Addr
	KeySize      int
	ValidityDays int
}

// Tool wraps the pki binary.
type Tool struct {
	runner command.Runner
	binary string
	log    *zap.SugaredLogger
}

// NewTool creates a Tool. An empty binary defaults to "pki".
func NewTool(runner command.Runner, binary string, log *zap.SugaredLogger) *Tool {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if binary == "" {
		binary = "pki"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tool{runner: runner, binary: binary, log: log}
}

// EnsureAuthority creates the CA key and certificate unless both already
// exist and are valid. It reports whether anything was generated.
func (t *Tool) EnsureAuthority(spec AuthoritySpec) (bool, error) {
	if !spec.Regenerate {
		problem, err := authorityProblem(spec.Artifact, time.Now())
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
		}
		if problem == "" {
			t.log.Infow("certificate authority present, reusing", "cert", spec.CertPath)
			t.warnShortLifetime(spec)
			return false, nil
		}
		if problem != problemMissing {
			t.log.Warnw("existing certificate authority unusable, replacing", "cert", spec.CertPath, "reason", problem)
		}
	} else {
		t.log.Warnw("regenerating certificate authority; existing client trust is invalidated", "cert", spec.CertPath)
	}

	key, err := t.generateKey(spec.KeySize)
	if err != nil {
		return false, err
	}
	if err := fsutil.WriteFileAtomic(spec.KeyPath, key, keyMode); err != nil {
		return false, fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}

	cert, err := t.runner.Stdout(nil, t.binary,
		"--self", "--ca",
		"--lifetime", strconv.Itoa(spec.ValidityDays),
		"--in", spec.KeyPath,
		"--type", "rsa",
		"--dn", spec.DN,
		"--outform", "pem",
	)
	if err != nil {
		return false, fmt.Errorf("%w: self-sign CA: %w", ErrCertificateGeneration, err)
	}
	if err := fsutil.WriteFileAtomic(spec.CertPath, cert, certMode); err != nil {
		return false, fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}
	problem, err := authorityProblem(spec.Artifact, time.Now())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}
	if problem != "" {
		return false, fmt.Errorf("%w: generated CA is not usable: %s", ErrCertificateGeneration, problem)
	}
	t.log.Infow("certificate authority generated", "cert", spec.CertPath, "dn", spec.DN)
	return true, nil
}

// IssueServer generates a fresh server key and has the CA sign it with the
// public IP as subject alternative name.
func (t *Tool) IssueServer(spec ServerSpec) error {
	if !spec.SAN.IsValid() {
		return fmt.Errorf("%w: server SAN is empty", ErrCertificateGeneration)
	}
	for _, path := range []string{spec.CA.KeyPath, spec.CA.CertPath} {
		ok, err := fsutil.NonEmpty(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
		}
		if !ok {
			return fmt.Errorf("%w: %w: %s", ErrCertificateGeneration, ErrCAMissing, path)
		}
	}

	key, err := t.generateKey(spec.KeySize)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(spec.KeyPath, key, keyMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}

	pub, err := t.runner.Stdout(nil, t.binary, "--pub", "--in", spec.KeyPath, "--type", "rsa", "--outform", "pem")
	if err != nil {
		return fmt.Errorf("%w: extract public key: %w", ErrCertificateGeneration, err)
	}
	san := spec.SAN.String()
	cert, err := t.runner.Stdout(pub, t.binary,
		"--issue",
		"--lifetime", strconv.Itoa(spec.ValidityDays),
		"--cacert", spec.CA.CertPath,
		"--cakey", spec.CA.KeyPath,
		"--dn", spec.DN,
		"--san", san,
		"--flag", "serverAuth",
		"--flag", "ikeIntermediate",
		"--outform", "pem",
	)
	if err != nil {
		return fmt.Errorf("%w: issue server certificate: %w", ErrCertificateGeneration, err)
	}
	if err := fsutil.WriteFileAtomic(spec.CertPath, cert, certMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}

	info, err := Inspect(spec.CertPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCertificateGeneration, err)
	}
	if !info.HasIP(spec.SAN) {
		return fmt.Errorf("%w: issued certificate SANs %v do not include %s", ErrCertificateGeneration, info.IPAddresses, san)
	}
	t.log.Infow("server certificate issued", "cert", spec.CertPath, "san", san, "not_after", info.NotAfter)
	return nil
}

func (t *Tool) generateKey(size int) ([]byte, error) {
	key, err := t.runner.Stdout(nil, t.binary, "--gen", "--type", "rsa", "--size", strconv.Itoa(size), "--outform", "pem")
	if err != nil {
		return nil, fmt.Errorf("%w: generate %d-bit key: %w", ErrCertificateGeneration, size, err)
	}
	if !isPrivateKeyPEM(key) {
		return nil, fmt.Errorf("%w: pki --gen produced no PEM private key", ErrCertificateGeneration)
	}
	return key, nil
}

const problemMissing = "missing"

// authorityProblem returns why the CA on disk cannot be reused, or "" when
// it can. A CA is reusable when the key parses, the certificate is a CA
// certificate within its validity window, and both halves of the pair match.
func authorityProblem(a Artifact, now time.Time) (string, error) {
	for _, path := range []string{a.KeyPath, a.CertPath} {
		ok, err := fsutil.NonEmpty(path)
		if err != nil {
			return "", err
		}
		if !ok {
			return problemMissing, nil
		}
	}
	keyPEM, err := os.ReadFile(a.KeyPath)
	if err != nil {
		return "", err
	}
	pub, err := privateKeyPublic(keyPEM)
	if err != nil {
		return "key: " + err.Error(), nil
	}
	certData, err := os.ReadFile(a.CertPath)
	if err != nil {
		return "", err
	}
	cert, err := parseCertificate(certData)
	if err != nil {
		return "certificate: " + err.Error(), nil
	}
	switch {
	case !cert.IsCA:
		return "certificate is not a CA certificate", nil
	case now.Before(cert.NotBefore):
		return "certificate is not valid before " + cert.NotBefore.UTC().Format(time.RFC3339), nil
	case now.After(cert.NotAfter):
		return "certificate expired " + cert.NotAfter.UTC().Format(time.RFC3339), nil
	}
	cmp, ok := pub.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !cmp.Equal(cert.PublicKey) {
		return "key does not match certificate", nil
	}
	return "", nil
}

func (t *Tool) warnShortLifetime(spec AuthoritySpec) {
	if spec.MinRemainingDays <= 0 {
		return
	}
	info, err := Inspect(spec.CertPath)
	if err != nil {
		return
	}
	if deadline := time.Now().AddDate(0, 0, spec.MinRemainingDays); info.NotAfter.Before(deadline) {
		t.log.Warnw("certificate authority expires before the server certificate; rerun with --regenerate-ca",
			"cert", spec.CertPath, "not_after", info.NotAfter)
	}
}

// privateKeyPublic parses a PEM private key in any form pki writes and
// returns its public half.
func privateKeyPublic(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || !isPrivateKeyPEM(data) {
		return nil, errors.New("no PEM private key")
	}
	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer.Public(), nil
}
