package certs

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRootCAShape(t *testing.T) {
	now := time.Date(2026, 3, 11, 14, 46, 18, 0, time.FixedZone("JST", 9*3600))
	root, err := NewRootCA(DefaultProfile(), now)
	require.NoError(t, err)

	cert := root.Cert
	require.True(t, cert.IsCA)
	require.Equal(t, "KyoshinMonitorProxy", cert.Subject.CommonName)
	require.Equal(t, x509.SHA512WithRSA, cert.SignatureAlgorithm)
	require.Equal(t, 2048, root.Key.N.BitLen())
	require.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	require.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), cert.NotBefore)
	require.Equal(t, time.Date(2028, 3, 11, 0, 0, 0, 0, time.UTC), cert.NotAfter)
}

func TestIssueLeafChainsToRoot(t *testing.T) {
	now := time.Now()
	root, err := NewRootCA(DefaultProfile(), now)
	require.NoError(t, err)
	leaf, err := IssueLeaf(root, DefaultProfile(), now)
	require.NoError(t, err)

	cert := leaf.Cert
	require.False(t, cert.IsCA)
	require.Equal(t, "*.bosai.go.jp", cert.Subject.CommonName)
	require.ElementsMatch(t, []string{"*.bosai.go.jp", "*.lmoni.bosai.go.jp", "*.kmoni.bosai.go.jp"}, cert.DNSNames)
	require.ElementsMatch(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	require.Equal(t, x509.SHA512WithRSA, cert.SignatureAlgorithm)

	pool := x509.NewCertPool()
	pool.AddCert(root.Cert)
	for _, host := range []string{"www.kmoni.bosai.go.jp", "www.lmoni.bosai.go.jp", "smi.lmoniexp.bosai.go.jp"} {
		_, err := cert.Verify(x509.VerifyOptions{DNSName: host, Roots: pool, CurrentTime: now})
		if host == "smi.lmoniexp.bosai.go.jp" {
			require.Error(t, err, "wildcards cover a single label")
			continue
		}
		require.NoError(t, err, host)
	}

	tlsCert := leaf.TLSCertificate(root)
	require.Len(t, tlsCert.Certificate, 2)
	require.Equal(t, leaf.Cert, tlsCert.Leaf)
}

func TestIssueLeafRequiresRootAndNames(t *testing.T) {
	_, err := IssueLeaf(nil, DefaultProfile(), time.Now())
	require.ErrorIs(t, err, ErrCertificateProvisioning)

	root, err := NewRootCA(DefaultProfile(), time.Now())
	require.NoError(t, err)
	profile := DefaultProfile()
	profile.DNSNames = nil
	_, err = IssueLeaf(root, profile, time.Now())
	require.ErrorIs(t, err, ErrCertificateProvisioning)
}

func TestThumbprintFormat(t *testing.T) {
	require.Equal(t, "DA39A3EE5E6B4B0D3255BFEF95601890AFD80709", Thumbprint(nil))

	var empty *Bundle
	require.Empty(t, empty.Thumbprint())
}
