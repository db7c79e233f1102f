package v1sig

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-apksign/apksign/internal/digestalgo"
	"github.com/go-apksign/apksign/internal/manifest"
)

func selfSigned(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestExpectedNames(t *testing.T) {
	names := ExpectedNames([]Signer{
		{SafeName: "CERT"},
		{SafeName: "OTHER"},
	})
	assert.Equal(t, []string{
		"META-INF/MANIFEST.MF",
		"META-INF/CERT.SF", "META-INF/CERT.RSA",
		"META-INF/OTHER.SF", "META-INF/OTHER.RSA",
	}, names)
}

func TestBuildManifestAndSignaturesRoundTrip(t *testing.T) {
	cert, key := selfSigned(t, "test")
	signer := Signer{SafeName: "CERT", Cert: cert, Key: key, SigAlg: digestalgo.SHA256}

	digests := map[string][]byte{
		"classes.dex": {1, 2, 3, 4},
	}
	manifestBytes, err := BuildManifest(nil, digests, digestalgo.SHA256, []int{2}, "1.0 (Android)")
	require.NoError(t, err)

	m, err := manifest.ParseManifest(bytes.NewReader(manifestBytes))
	require.NoError(t, err)
	assert.Contains(t, string(manifestBytes), "Manifest-Version: 1.0")
	assert.Contains(t, string(manifestBytes), "X-Android-APK-Signed: 2")
	assert.NotEmpty(t, m["classes.dex"])

	entries, err := BuildSignatures(manifestBytes, digests, []Signer{signer}, "1.0 (Android)")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "META-INF/CERT.SF", entries[0].Name)
	assert.Equal(t, "META-INF/CERT.RSA", entries[1].Name)
	assert.NotEmpty(t, entries[1].Bytes)
}

func TestBuildManifestPreservesInputMainSection(t *testing.T) {
	main := manifest.Attributes{"Manifest-Version: 1.0", "Custom-Attr: hello"}
	out, err := BuildManifest(main, nil, digestalgo.SHA1, nil, "1.0 (Android)")
	require.NoError(t, err)
	assert.Contains(t, string(out), "Custom-Attr: hello")
	assert.NotContains(t, string(out), "X-Android-APK-Signed")
}

func TestSigExtensionDefaultsToRSA(t *testing.T) {
	_, key := selfSigned(t, "x")
	assert.Equal(t, ".RSA", sigExtension(key))
}
