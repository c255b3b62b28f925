package pki

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"
)

// CertInfo is what the operator needs to distribute trust out of band.
type CertInfo struct {
	Path        string       `json:"path"`
	Subject     string       `json:"subject"`
	Issuer      string       `json:"issuer"`
	SHA256      string       `json:"sha256"`
	SHA1        string       `json:"sha1"`
	IPAddresses []netip.Addr `json:"ipAddresses,omitempty"`
	NotBefore   time.Time    `json:"notBefore"`
	NotAfter    time.Time    `json:"notAfter"`
	IsCA        bool         `json:"isCA"`
}

// HasIP reports whether addr is among the certificate's IP SANs.
func (c CertInfo) HasIP(addr netip.Addr) bool {
	for _, ip := range c.IPAddresses {
		if ip == addr.Unmap() {
			return true
		}
	}
	return false
}

// Inspect parses the first PEM certificate in path.
func Inspect(path string) (CertInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CertInfo{}, err
	}
	cert, err := parseCertificate(data)
	if err != nil {
		return CertInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	info := Describe(cert)
	info.Path = path
	return info, nil
}

// Describe summarises a parsed certificate.
func Describe(cert *x509.Certificate) CertInfo {
	sum256 := sha256.Sum256(cert.Raw)
	sum1 := sha1.Sum(cert.Raw)
	info := CertInfo{
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		SHA256:    fingerprint(sum256[:]),
		SHA1:      fingerprint(sum1[:]),
		NotBefore: cert.NotBefore.UTC(),
		NotAfter:  cert.NotAfter.UTC(),
		IsCA:      cert.IsCA,
	}
	for _, ip := range cert.IPAddresses {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			info.IPAddresses = append(info.IPAddresses, addr.Unmap())
		}
	}
	return info
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
	// pki writes DER when --outform is omitted.
	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}
	return nil, errors.New("no certificate found")
}

func isPrivateKeyPEM(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil && strings.HasSuffix(block.Type, "PRIVATE KEY")
}

// fingerprint renders a digest as colon separated upper-case hex.
func fingerprint(sum []byte) string {
	encoded := strings.ToUpper(hex.EncodeToString(sum))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(encoded); i += 2 {
		parts = append(parts, encoded[i:i+2])
	}
	return strings.Join(parts, ":")
}
