package signengine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genRSASigner(t *testing.T, name string) SignerConfig {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return SignerConfig{Name: name, PrivateKey: key, CertChain: []*x509.Certificate{selfSignedCert(t, key, name)}}
}

func genECDSASigner(t *testing.T, name string) SignerConfig {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return SignerConfig{Name: name, PrivateKey: key, CertChain: []*x509.Certificate{selfSignedCert(t, key, name)}}
}

func selfSignedCert(t *testing.T, signer crypto.Signer, cn string) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// writeOutputEntry simulates the driver streaming an output entry's bytes
// through the engine's OnOutputEntry/Sink/Done protocol.
func writeOutputEntry(t *testing.T, e *Engine, name string, content []byte) {
	t.Helper()
	req, err := e.OnOutputEntry(name)
	require.NoError(t, err)
	if req == nil {
		return
	}
	sink, err := req.Sink()
	require.NoError(t, err)
	_, err = sink.Write(content)
	require.NoError(t, err)
	require.NoError(t, req.Done())
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

// S1: cold v1+v2 signing with a single RSA signer produces MANIFEST.MF plus
// one .SF/.RSA pair, and the full lifecycle commits cleanly.
func TestColdSigningSingleRSASigner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, cfg)

	writeOutputEntry(t, e, "classes.dex", []byte("dex bytes"))
	writeOutputEntry(t, e, "res/layout/main.xml", []byte("xml bytes"))

	artifacts, err := e.EmitV1()
	require.NoError(t, err)
	require.NotNil(t, artifacts)
	require.Len(t, artifacts.Entries, 3)
	assert.Equal(t, "META-INF/MANIFEST.MF", artifacts.Entries[0].Name)
	assert.Equal(t, "META-INF/CERT.SF", artifacts.Entries[1].Name)
	assert.Equal(t, "META-INF/CERT.RSA", artifacts.Entries[2].Name)

	for _, entry := range artifacts.Entries {
		writeOutputEntry(t, e, entry.Name, entry.Bytes)
	}

	eocd := make([]byte, 22)
	v2, err := e.EmitV2([]byte("entries"), []byte("central-dir"), eocd, true)
	require.NoError(t, err)
	require.NotNil(t, v2)
	assert.NotEmpty(t, v2.BlockBytes)

	require.NoError(t, e.Commit())
	require.NoError(t, e.Close())
}

// S2: signature-digest algorithm selection is gated by minSdkVersion.
func TestAlgorithmSelectionAcrossMinSdk(t *testing.T) {
	low := DefaultConfig()
	low.MinSdkVersion = 15
	low.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, low)
	writeOutputEntry(t, e, "a.txt", []byte("x"))
	artifacts, err := e.EmitV1()
	require.NoError(t, err)
	assert.Contains(t, string(artifacts.Entries[0].Bytes), "SHA1-Digest:")

	high := DefaultConfig()
	high.MinSdkVersion = 21
	high.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e2 := newTestEngine(t, high)
	writeOutputEntry(t, e2, "a.txt", []byte("x"))
	artifacts2, err := e2.EmitV1()
	require.NoError(t, err)
	assert.Contains(t, string(artifacts2.Entries[0].Bytes), "SHA-256-Digest:")
}

// S2b: an ECDSA signer below minSdkVersion 18 is rejected at construction.
func TestECDSASignerRejectedBelowMinSdk18(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 17
	cfg.Signers = []SignerConfig{genECDSASigner(t, "cert")}
	_, err := NewEngine(cfg)
	require.Error(t, err)
	assert.True(t, Is(err, ErrInvalidKey))
}

// S3: two signers whose names collide after safe-name normalization fail
// construction.
func TestDuplicateSafeSignerNamesRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "alpha.beta"), genRSASigner(t, "alpha!beta")}
	_, err := NewEngine(cfg)
	require.Error(t, err)
	assert.True(t, Is(err, ErrInvalidConfig))
}

// S4: a second emission with no entry changes produces nothing new to
// write (the manifest-stable, nothing-stale branch).
func TestSecondEmissionWithNoChangesIsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, cfg)

	writeOutputEntry(t, e, "a.txt", []byte("stable content"))
	first, err := e.EmitV1()
	require.NoError(t, err)
	require.NotNil(t, first)
	for _, entry := range first.Entries {
		writeOutputEntry(t, e, entry.Name, entry.Bytes)
	}

	second, err := e.EmitV1()
	require.NoError(t, err)
	assert.Nil(t, second, "no entries changed since the last emission, so nothing should be re-emitted")
}

// S5: changing an entry's content after a first emission invalidates the
// manifest and triggers full re-signing.
func TestEntryChangeTriggersReemission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, cfg)

	writeOutputEntry(t, e, "a.txt", []byte("version one"))
	first, err := e.EmitV1()
	require.NoError(t, err)
	for _, entry := range first.Entries {
		writeOutputEntry(t, e, entry.Name, entry.Bytes)
	}

	require.NoError(t, e.OnOutputEntryRemoved("a.txt"))
	writeOutputEntry(t, e, "a.txt", []byte("version two, different length"))

	second, err := e.EmitV1()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Entries[0].Bytes, second.Entries[0].Bytes)
}

// S6: a debuggable APK is refused when DebuggablePermitted is false, and
// signing is blocked as a state violation until the manifest is observed.
func TestDebuggableRefusal(t *testing.T) {
	var d debuggableState

	err := d.enforce(false)
	assert.True(t, Is(err, ErrStateViolation), "must fail before the manifest has been observed")

	d.known = true
	d.debuggable = true
	err = d.enforce(false)
	assert.True(t, Is(err, ErrSignatureRefusedDebuggable))

	d.debuggable = false
	assert.NoError(t, d.enforce(false))

	assert.NoError(t, d.enforce(true), "permitted debuggable signing never fails regardless of state")
}

func TestEntryClassification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, cfg)

	assert.Equal(t, EngineOwned, e.classify("META-INF/MANIFEST.MF"))
	assert.Equal(t, EngineOwned, e.classify("META-INF/CERT.SF"))
	assert.Equal(t, EngineOwned, e.classify("META-INF/CERT.RSA"))
	assert.Equal(t, Drop, e.classify("META-INF/OTHER.RSA"))
	assert.Equal(t, Drop, e.classify("META-INF/OTHER.SF"))
	assert.Equal(t, PassThrough, e.classify("classes.dex"))
	assert.Equal(t, PassThrough, e.classify("META-INF/services/SomeInterface"))
}

func TestPreserveOtherSignersUnsupported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	cfg.PreserveOtherSigners = true
	_, err := NewEngine(cfg)
	require.Error(t, err)
	assert.True(t, Is(err, ErrUnsupported))
}

func TestClosedEngineRejectsFurtherCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Close())

	_, err := e.OnInputEntry("a.txt")
	assert.True(t, Is(err, ErrStateViolation))

	err = e.Close()
	assert.True(t, Is(err, ErrStateViolation), "closing twice fails")
}

func TestCommitFailsWhileV1Pending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSdkVersion = 21
	cfg.Signers = []SignerConfig{genRSASigner(t, "cert")}
	e := newTestEngine(t, cfg)

	writeOutputEntry(t, e, "a.txt", []byte("x"))
	err := e.Commit()
	assert.True(t, Is(err, ErrStateViolation), "v1 has never been emitted")
}
