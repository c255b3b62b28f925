package pki

import (
	"crypto"
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
	"strconv"
	"strings"
	"time"

	"ikev2-provision/internal/command"
)

// Fake emulates the subset of the pki command line used by Tool so tests can
// run the real workflow without strongSwan installed. Keys are P-256 to keep
// tests fast; Tool never inspects the key algorithm.
//
// Plug it in with command.MockRunner{Func: fake.Handle}.
type Fake struct {
	// Generated counts --gen invocations.
	Generated int
	// SANOverride, when set, replaces the requested --san on issued certs.
	SANOverride string
	// Fail makes the named subcommand (e.g. "--issue") return an error.
	Fail map[string]error
}

// Handle implements command.MockRunner.Func.
func (f *Fake) Handle(call command.Call) ([]byte, error) {
	if len(call.Args) == 0 {
		return nil, errors.New("pki: no subcommand")
	}
	sub := call.Args[0]
	if err, ok := f.Fail[sub]; ok {
		return nil, err
	}
	flags := parseFlags(call.Args[1:])
	switch sub {
	case "--gen":
		f.Generated++
		return f.gen()
	case "--pub":
		return f.pub(flags.first("--in"))
	case "--self":
		return f.self(flags)
	case "--issue":
		return f.issue(flags, call.Stdin)
	}
	return nil, fmt.Errorf("pki: unsupported subcommand %s", sub)
}

func (f *Fake) gen() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func (f *Fake) pub(keyPath string) ([]byte, error) {
	key, err := readFakeKey(keyPath)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (f *Fake) self(flags fakeFlags) ([]byte, error) {
	key, err := readFakeKey(flags.first("--in"))
	if err != nil {
		return nil, err
	}
	days, _ := strconv.Atoi(flags.first("--lifetime"))
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               parseDN(flags.first("--dn")),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, days),
		IsCA:                  flags.has("--ca"),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func (f *Fake) issue(flags fakeFlags, stdin []byte) ([]byte, error) {
	block, _ := pem.Decode(stdin)
	if block == nil {
		return nil, errors.New("pki --issue: no public key on stdin")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	caKey, err := readFakeKey(flags.first("--cakey"))
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(flags.first("--cacert"))
	if err != nil {
		return nil, err
	}
	caCert, err := parseCertificate(caPEM)
	if err != nil {
		return nil, err
	}

	san := flags.first("--san")
	if f.SANOverride != "" {
		san = f.SANOverride
	}
	days, _ := strconv.Atoi(flags.first("--lifetime"))
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      parseDN(flags.first("--dn")),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, days),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	for _, flag := range flags.all("--flag") {
		if flag == "serverAuth" {
			tmpl.ExtKeyUsage = append(tmpl.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
		}
	}
	if ip := net.ParseIP(san); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else if san != "" {
		tmpl.DNSNames = []string{san}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, pub, caKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func readFakeKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM key", path)
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

type fakeFlags map[string][]string

func parseFlags(args []string) fakeFlags {
	out := fakeFlags{}
	for i := 0; i < len(args); i++ {
		name := args[i]
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			out[name] = append(out[name], args[i+1])
			i++
			continue
		}
		out[name] = append(out[name], "")
	}
	return out
}

func (f fakeFlags) first(name string) string {
	if v := f[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (f fakeFlags) all(name string) []string {
	return f[name]
}

func (f fakeFlags) has(name string) bool {
	_, ok := f[name]
	return ok
}

func parseDN(dn string) pkix.Name {
	var name pkix.Name
	for _, part := range strings.Split(dn, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "C":
			name.Country = append(name.Country, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST":
			name.Province = append(name.Province, v)
		}
	}
	return name
}
