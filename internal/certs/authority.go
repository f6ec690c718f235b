package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ErrCertificateProvisioning wraps key generation and signing failures.
var ErrCertificateProvisioning = errors.New("certs: certificate provisioning failed")

const keyBits = 2048

// Profile describes the subjects and names baked into issued certificates.
type Profile struct {
	RootSubject   string
	LeafSubject   string
	DNSNames      []string
	ValidityYears int
}

// DefaultProfile mirrors the names used by the earthquake monitor hosts.
func DefaultProfile() Profile {
	return Profile{
		RootSubject:   "KyoshinMonitorProxy",
		LeafSubject:   "*.bosai.go.jp",
		DNSNames:      []string{"*.bosai.go.jp", "*.lmoni.bosai.go.jp", "*.kmoni.bosai.go.jp"},
		ValidityYears: 2,
	}
}

// Bundle pairs a certificate with its private key.
type Bundle struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// Thumbprint returns the upper-case hex SHA-1 digest of the certificate DER.
func (b *Bundle) Thumbprint() string {
	if b == nil || b.Cert == nil {
		return ""
	}
	return Thumbprint(b.Cert.Raw)
}

// TLSCertificate builds a serving certificate whose chain ends with the issuers.
func (b *Bundle) TLSCertificate(issuers ...*Bundle) tls.Certificate {
	chain := [][]byte{b.Cert.Raw}
	for _, issuer := range issuers {
		if issuer != nil && issuer.Cert != nil {
			chain = append(chain, issuer.Cert.Raw)
		}
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  b.Key,
		Leaf:        b.Cert,
	}
}

// Thumbprint digests DER bytes the same way certificate stores key entries.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NewRootCA creates a self-signed CA valid from the start of now's UTC day.
func NewRootCA(profile Profile, now time.Time) (*Bundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate root key: %v", ErrCertificateProvisioning, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	notBefore, notAfter := validity(now, profile.ValidityYears)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: profile.RootSubject},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SignatureAlgorithm:    x509.SHA512WithRSA,
	}
	return sign(template, template, &key.PublicKey, key, key)
}

// IssueLeaf signs a server/client certificate for profile.DNSNames with root.
func IssueLeaf(root *Bundle, profile Profile, now time.Time) (*Bundle, error) {
	if root == nil || root.Cert == nil || root.Key == nil {
		return nil, fmt.Errorf("%w: issuing root unavailable", ErrCertificateProvisioning)
	}
	if len(profile.DNSNames) == 0 {
		return nil, fmt.Errorf("%w: no DNS names", ErrCertificateProvisioning)
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate leaf key: %v", ErrCertificateProvisioning, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	notBefore, notAfter := validity(now, profile.ValidityYears)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: profile.LeafSubject},
		DNSNames:              append([]string(nil), profile.DNSNames...),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA512WithRSA,
	}
	return sign(template, root.Cert, &key.PublicKey, root.Key, key)
}

func sign(template, parent *x509.Certificate, pub *rsa.PublicKey, signer, key *rsa.PrivateKey) (*Bundle, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: sign %q: %v", ErrCertificateProvisioning, template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrCertificateProvisioning, template.Subject.CommonName, err)
	}
	return &Bundle{Cert: cert, Key: key}, nil
}

func validity(now time.Time, years int) (time.Time, time.Time) {
	if years <= 0 {
		years = 2
	}
	utc := now.UTC()
	start := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(years, 0, 0)
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: serial: %v", ErrCertificateProvisioning, err)
	}
	return serial, nil
}
