package signengine

import (
	"crypto"
	"crypto/x509"
	"regexp"
	"strings"

	"github.com/go-apksign/apksign/internal/digestalgo"
	"github.com/go-apksign/apksign/internal/v1sig"
	"github.com/go-apksign/apksign/internal/v2sig"
)

// SignerConfig is one signer's immutable identity: a logical name, its
// private key, and its certificate chain (chain[0]'s public key must match
// privateKey). Created by the engine's builder, destroyed with the engine.
type SignerConfig struct {
	Name       string
	PrivateKey crypto.PrivateKey
	CertChain  []*x509.Certificate
}

func (c SignerConfig) validate() error {
	if c.Name == "" {
		return newErr(ErrInvalidConfig, "signer name must not be empty")
	}
	if len(c.CertChain) == 0 {
		return newErr(ErrInvalidConfig, "signer %q: certificate chain must have at least one certificate", c.Name)
	}
	if c.PrivateKey == nil {
		return newErr(ErrInvalidConfig, "signer %q: private key must not be nil", c.Name)
	}
	return nil
}

// safeSignerName derives the on-disk base filename (e.g. META-INF/NAME.SF)
// from a signer's logical name: uppercased, restricted to
// [A-Z0-9_-], matching the teacher's JAR-signing-file naming convention.
var unsafeChars = regexp.MustCompile(`[^A-Z0-9_-]`)

func safeSignerName(name string) string {
	upper := strings.ToUpper(name)
	safe := unsafeChars.ReplaceAllString(upper, "_")
	if safe == "" {
		safe = "CERT"
	}
	if len(safe) > 8 {
		safe = safe[:8]
	}
	return safe
}

// signerSet is the immutable collection of signer configurations derived
// at construction: per-signer v1 signature-digest algorithms, the single
// strongest content-digest algorithm, and the per-signer v2 configs. It is
// built once by newSignerSet and never mutated afterward.
type signerSet struct {
	v1Signers        []v1sig.Signer
	v2Signers        []v2sig.Signer
	contentDigestAlg digestalgo.Algorithm
	expectedV1Names  map[string]bool
}

// newSignerSet validates cfgs, derives each signer's v1 signature-digest
// algorithm from its key type and minSdkVersion (internal/digestalgo),
// and picks the engine-wide content-digest algorithm as the strongest of
// all signers' chosen algorithms, so that no signer's content coverage is
// weakened (spec.md §3 V1SignerConfig rationale).
func newSignerSet(cfgs []SignerConfig, minSdkVersion int) (*signerSet, error) {
	if len(cfgs) == 0 {
		return nil, newErr(ErrInvalidConfig, "at least one signer is required")
	}

	seenSafeNames := map[string]string{}
	var v1Signers []v1sig.Signer
	var v2Signers []v2sig.Signer
	var sigAlgs []digestalgo.Algorithm

	for _, cfg := range cfgs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		safe := safeSignerName(cfg.Name)
		if prior, ok := seenSafeNames[safe]; ok {
			return nil, newErr(ErrInvalidConfig, "signer %q collides with %q after safe-name normalization to %q", cfg.Name, prior, safe)
		}
		seenSafeNames[safe] = cfg.Name

		pub := cfg.CertChain[0].PublicKey
		alg, err := digestalgo.ForSigningKey(pub, minSdkVersion)
		if err != nil {
			return nil, wrapErr(ErrInvalidKey, err, "signer "+cfg.Name)
		}
		sigAlgs = append(sigAlgs, alg)

		v1Signers = append(v1Signers, v1sig.Signer{
			SafeName: safe,
			Cert:     cfg.CertChain[0],
			Key:      cfg.PrivateKey,
			SigAlg:   alg,
		})
		v2Signers = append(v2Signers, v2sig.Signer{
			Cert:   cfg.CertChain[0],
			Key:    cfg.PrivateKey,
			SigAlg: alg,
		})
	}

	names := map[string]bool{}
	for _, n := range v1sig.ExpectedNames(v1Signers) {
		names[n] = true
	}

	return &signerSet{
		v1Signers:        v1Signers,
		v2Signers:        v2Signers,
		contentDigestAlg: digestalgo.Strongest(sigAlgs...),
		expectedV1Names:  names,
	}, nil
}

// isEngineOwned reports whether name is one of the v1 artifact names this
// signer set will emit.
func (s *signerSet) isEngineOwned(name string) bool {
	return s.expectedV1Names[name]
}
