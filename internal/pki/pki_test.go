package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ikev2-provision/internal/command"
)

func newFakeTool() (*Tool, *Fake, *command.MockRunner) {
	fake := &Fake{}
	runner := &command.MockRunner{Func: fake.Handle}
	return NewTool(runner, "pki", nil), fake, runner
}

func testAuthority(dir string) AuthoritySpec {
	return AuthoritySpec{
		Artifact: Artifact{
			KeyPath:  filepath.Join(dir, "private", "ca-key.pem"),
			CertPath: filepath.Join(dir, "cacerts", "ca-cert.pem"),
		},
		DN:           "C=US, O=Example, CN=Example VPN CA",
		KeySize:      4096,
		ValidityDays: 3650,
	}
}

func testServer(dir string, ca AuthoritySpec, san string) ServerSpec {
	return ServerSpec{
		Artifact: Artifact{
			KeyPath:  filepath.Join(dir, "private", "server-key.pem"),
			CertPath: filepath.Join(dir, "certs", "server-cert.pem"),
		},
		CA:           ca.Artifact,
		DN:           "CN=" + san,
		SAN:          netip.MustParseAddr(san),
		KeySize:      4096,
		ValidityDays: 1825,
	}
}

func TestEnsureAuthorityCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	tool, _, runner := newFakeTool()
	spec := testAuthority(dir)

	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("EnsureAuthority failed: %v", err)
	}
	if !created {
		t.Fatalf("expected CA to be created")
	}

	keyInfo, err := os.Stat(spec.KeyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if mode := keyInfo.Mode().Perm(); mode != 0o600 {
		t.Fatalf("expected key mode 0600, got %o", mode)
	}
	certInfo, err := os.Stat(spec.CertPath)
	if err != nil {
		t.Fatalf("stat cert: %v", err)
	}
	if mode := certInfo.Mode().Perm(); mode != 0o644 {
		t.Fatalf("expected cert mode 0644, got %o", mode)
	}

	info, err := Inspect(spec.CertPath)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.IsCA {
		t.Fatalf("expected CA certificate")
	}
	if !strings.Contains(info.Subject, "CN=Example VPN CA") {
		t.Fatalf("unexpected subject %q", info.Subject)
	}
	if info.Subject != info.Issuer {
		t.Fatalf("expected self-signed, subject %q issuer %q", info.Subject, info.Issuer)
	}

	lines := runner.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected gen + self calls, got %#v", lines)
	}
	if lines[0] != "pki --gen --type rsa --size 4096 --outform pem" {
		t.Fatalf("unexpected key generation command %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "pki --self --ca --lifetime 3650 --in "+spec.KeyPath) {
		t.Fatalf("unexpected self-sign command %q", lines[1])
	}
}

func TestEnsureAuthorityIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	tool, fake, runner := newFakeTool()
	spec := testAuthority(dir)

	if _, err := tool.EnsureAuthority(spec); err != nil {
		t.Fatalf("first EnsureAuthority: %v", err)
	}
	before, err := os.ReadFile(spec.CertPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	stat, _ := os.Stat(spec.CertPath)
	generated := fake.Generated
	calls := len(runner.Calls)

	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("second EnsureAuthority: %v", err)
	}
	if created {
		t.Fatalf("second call must not regenerate")
	}
	if fake.Generated != generated {
		t.Fatalf("expected zero key generations on second call, got %d", fake.Generated-generated)
	}
	if len(runner.Calls) != calls {
		t.Fatalf("expected no pki calls on second run, got %#v", runner.Lines()[calls:])
	}
	after, _ := os.ReadFile(spec.CertPath)
	if string(before) != string(after) {
		t.Fatalf("certificate content changed")
	}
	stat2, _ := os.Stat(spec.CertPath)
	if !stat.ModTime().Equal(stat2.ModTime()) {
		t.Fatalf("certificate was rewritten")
	}
}

func TestEnsureAuthorityRegenerate(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	spec := testAuthority(dir)
	if _, err := tool.EnsureAuthority(spec); err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	first, _ := Inspect(spec.CertPath)

	spec.Regenerate = true
	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if !created || fake.Generated != 2 {
		t.Fatalf("expected regeneration, created=%v generated=%d", created, fake.Generated)
	}
	second, _ := Inspect(spec.CertPath)
	if first.SHA256 == second.SHA256 {
		t.Fatalf("expected new CA fingerprint")
	}
}

func TestEnsureAuthorityReplacesInvalidCert(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	spec := testAuthority(dir)
	for _, path := range []string{spec.KeyPath, spec.CertPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	if !created || fake.Generated != 1 {
		t.Fatalf("expected invalid CA to be replaced")
	}
}

func TestEnsureAuthorityFailure(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	fake.Fail = map[string]error{"--self": errors.New("exit 1")}

	_, err := tool.EnsureAuthority(testAuthority(dir))
	if !errors.Is(err, ErrCertificateGeneration) {
		t.Fatalf("expected ErrCertificateGeneration, got %v", err)
	}
}

func TestIssueServerRequiresCA(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	ca := testAuthority(dir)

	err := tool.IssueServer(testServer(dir, ca, "203.0.113.5"))
	if !errors.Is(err, ErrCertificateGeneration) || !errors.Is(err, ErrCAMissing) {
		t.Fatalf("expected ErrCAMissing, got %v", err)
	}
	if fake.Generated != 0 {
		t.Fatalf("no key may be generated without a CA")
	}
}

func TestIssueServerBindsSAN(t *testing.T) {
	dir := t.TempDir()
	tool, _, runner := newFakeTool()
	ca := testAuthority(dir)
	if _, err := tool.EnsureAuthority(ca); err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	spec := testServer(dir, ca, "203.0.113.5")
	if err := tool.IssueServer(spec); err != nil {
		t.Fatalf("IssueServer: %v", err)
	}

	info, err := Inspect(spec.CertPath)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.HasIP(netip.MustParseAddr("203.0.113.5")) {
		t.Fatalf("expected SAN 203.0.113.5, got %v", info.IPAddresses)
	}
	caInfo, _ := Inspect(ca.CertPath)
	if info.Issuer != caInfo.Subject {
		t.Fatalf("expected issuer %q, got %q", caInfo.Subject, info.Issuer)
	}
	keyStat, _ := os.Stat(spec.KeyPath)
	if mode := keyStat.Mode().Perm(); mode != 0o600 {
		t.Fatalf("expected server key mode 0600, got %o", mode)
	}

	var issue command.Call
	for _, call := range runner.Calls {
		if len(call.Args) > 0 && call.Args[0] == "--issue" {
			issue = call
		}
	}
	line := issue.Line()
	for _, want := range []string{"--san 203.0.113.5", "--flag serverAuth", "--flag ikeIntermediate", "--cacert " + ca.CertPath} {
		if !strings.Contains(line, want) {
			t.Fatalf("issue command %q missing %q", line, want)
		}
	}
	if len(issue.Stdin) == 0 {
		t.Fatalf("expected public key on stdin")
	}
}

func TestIssueServerDetectsSANMismatch(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	ca := testAuthority(dir)
	if _, err := tool.EnsureAuthority(ca); err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	fake.SANOverride = "198.51.100.1"
	err := tool.IssueServer(testServer(dir, ca, "203.0.113.5"))
	if !errors.Is(err, ErrCertificateGeneration) {
		t.Fatalf("expected SAN mismatch failure, got %v", err)
	}
}

func TestFingerprintFormat(t *testing.T) {
	got := fingerprint([]byte{0x0a, 0xff, 0x10})
	if got != "0A:FF:10" {
		t.Fatalf("unexpected fingerprint %q", got)
	}
}

// writeAuthority stores a self-signed CA valid between notBefore and notAfter.
func writeAuthority(t *testing.T, spec AuthoritySpec, notBefore, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Old VPN CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	writeKey(t, spec.KeyPath, key)
	if err := os.MkdirAll(filepath.Dir(spec.CertPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(spec.CertPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
}

func writeKey(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func TestEnsureAuthorityReplacesExpiredCA(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	spec := testAuthority(dir)
	now := time.Now()
	writeAuthority(t, spec, now.AddDate(-3, 0, 0), now.AddDate(-1, 0, 0))

	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	if !created || fake.Generated != 1 {
		t.Fatalf("expected expired CA to be replaced, created=%v generated=%d", created, fake.Generated)
	}
	info, err := Inspect(spec.CertPath)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.NotAfter.After(now) {
		t.Fatalf("replacement CA is still expired: %v", info.NotAfter)
	}
}

func TestEnsureAuthorityReplacesNotYetValidCA(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	spec := testAuthority(dir)
	now := time.Now()
	writeAuthority(t, spec, now.AddDate(0, 0, 1), now.AddDate(10, 0, 0))

	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	if !created || fake.Generated != 1 {
		t.Fatalf("expected future-dated CA to be replaced, created=%v generated=%d", created, fake.Generated)
	}
}

func TestEnsureAuthorityReplacesMismatchedKey(t *testing.T) {
	dir := t.TempDir()
	tool, fake, _ := newFakeTool()
	spec := testAuthority(dir)
	if _, err := tool.EnsureAuthority(spec); err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	first, _ := Inspect(spec.CertPath)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	writeKey(t, spec.KeyPath, other)

	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}
	if !created || fake.Generated != 2 {
		t.Fatalf("expected mismatched pair to be replaced, created=%v generated=%d", created, fake.Generated)
	}
	second, _ := Inspect(spec.CertPath)
	if first.SHA256 == second.SHA256 {
		t.Fatalf("expected a new CA certificate")
	}
	problem, err := authorityProblem(spec.Artifact, time.Now())
	if err != nil || problem != "" {
		t.Fatalf("replacement CA not reusable: %q %v", problem, err)
	}
}

func TestEnsureAuthorityWarnsWhenCAExpiresFirst(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zapcore.WarnLevel)
	fake := &Fake{}
	runner := &command.MockRunner{Func: fake.Handle}
	tool := NewTool(runner, "pki", zap.New(core).Sugar())
	spec := testAuthority(dir)
	spec.ValidityDays = 30
	spec.MinRemainingDays = 1825
	if _, err := tool.EnsureAuthority(spec); err != nil {
		t.Fatalf("EnsureAuthority: %v", err)
	}

	created, err := tool.EnsureAuthority(spec)
	if err != nil {
		t.Fatalf("second EnsureAuthority: %v", err)
	}
	if created || fake.Generated != 1 {
		t.Fatalf("a short-lived CA is still reused, created=%v generated=%d", created, fake.Generated)
	}
	if logs.FilterMessageSnippet("expires before the server certificate").Len() != 1 {
		t.Fatalf("expected one lifetime warning, got %v", logs.All())
	}
}

func TestAuthorityProblem(t *testing.T) {
	dir := t.TempDir()
	spec := testAuthority(dir)
	problem, err := authorityProblem(spec.Artifact, time.Now())
	if err != nil || problem != problemMissing {
		t.Fatalf("expected missing, got %q %v", problem, err)
	}

	now := time.Now()
	writeAuthority(t, spec, now.Add(-time.Hour), now.Add(time.Hour))
	if problem, err := authorityProblem(spec.Artifact, now); err != nil || problem != "" {
		t.Fatalf("expected valid CA, got %q %v", problem, err)
	}
	if problem, _ := authorityProblem(spec.Artifact, now.Add(2*time.Hour)); !strings.Contains(problem, "expired") {
		t.Fatalf("expected expiry problem, got %q", problem)
	}
	if problem, _ := authorityProblem(spec.Artifact, now.Add(-2*time.Hour)); !strings.Contains(problem, "not valid before") {
		t.Fatalf("expected not-yet-valid problem, got %q", problem)
	}
}
