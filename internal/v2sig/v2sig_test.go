package v2sig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-apksign/apksign/internal/digestalgo"
)

func selfSigned(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestBuildRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	cert := selfSigned(t, key)

	entries := []byte("entries-region")
	centralDir := []byte("central-directory")
	eocd := make([]byte, 22)
	binary.LittleEndian.PutUint32(eocd[:4], 0x06054b50)

	block, err := Build(entries, centralDir, eocd, []Signer{{Cert: cert, Key: key, SigAlg: digestalgo.SHA256}})
	require.NoError(t, err)

	assert.True(t, len(block) > 16+8+8)
	assert.Equal(t, ApkSigningBlockMagic, string(block[len(block)-16:]))

	sizeFirst := binary.LittleEndian.Uint64(block[:8])
	sizeLast := binary.LittleEndian.Uint64(block[len(block)-24 : len(block)-16])
	assert.Equal(t, sizeFirst, sizeLast, "size-of-block must be repeated identically at both ends")
}

func TestBuildECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := selfSigned(t, key)

	eocd := make([]byte, 22)
	block, err := Build([]byte("e"), []byte("c"), eocd, []Signer{{Cert: cert, Key: key, SigAlg: digestalgo.SHA256}})
	require.NoError(t, err)
	assert.NotEmpty(t, block)
}

func TestBuildRequiresAtLeastOneSigner(t *testing.T) {
	_, err := Build(nil, nil, make([]byte, 22), nil)
	assert.Error(t, err)
}

func TestPadCentralDirectory(t *testing.T) {
	assert.EqualValues(t, 0, PadCentralDirectory(1000, 96, false))

	got := PadCentralDirectory(1000, 96, true)
	assert.EqualValues(t, (4096-((1000+96)%4096))%4096, got)

	exact := PadCentralDirectory(4000, 96, true)
	assert.EqualValues(t, 0, exact)
}

func TestRewriteEOCD(t *testing.T) {
	eocd := make([]byte, 22)
	out := RewriteEOCD(eocd, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(out[16:20]))
	assert.Len(t, eocd, 22)
	assert.Zero(t, binary.LittleEndian.Uint32(eocd[16:20]), "RewriteEOCD must not mutate its input")
}

func TestV2AlgorithmID(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0102), v2AlgorithmID(&rsaKey.PublicKey, digestalgo.SHA256))
	assert.Equal(t, uint32(0x0103), v2AlgorithmID(&rsaKey.PublicKey, digestalgo.SHA512))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0201), v2AlgorithmID(&ecKey.PublicKey, digestalgo.SHA256))
}
