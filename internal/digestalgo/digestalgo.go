// Package digestalgo encodes the digest-algorithm selection rules shared by
// the v1 and v2 signing pipelines: which hash a given signer's key may use
// at a given minSdkVersion, and the total order used to pick "the strongest
// of" several algorithms.
package digestalgo

import (
	"crypto"
	"crypto/dsa" //lint:ignore SA1019 DSA keys are still a supported legacy v1 signer type
	"crypto/ecdsa"
	"crypto/rsa"

	"github.com/pkg/errors"
)

// Algorithm is a content- or signature-digest algorithm, ordered weakest
// first so that comparison (<) gives "weaker than".
type Algorithm int

const (
	SHA1 Algorithm = iota
	SHA256
	SHA512
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA-256"
	case SHA512:
		return "SHA-512"
	default:
		return "unknown"
	}
}

// ManifestAttr is the MANIFEST.MF/.SF attribute key used for a digest under
// this algorithm, e.g. "SHA1-Digest" or "SHA-256-Digest".
func (a Algorithm) ManifestAttr() string {
	return a.String() + "-Digest"
}

// Hash returns the crypto.Hash implementing a.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case SHA1:
		return crypto.SHA1
	case SHA256:
		return crypto.SHA256
	case SHA512:
		return crypto.SHA512
	default:
		panic("digestalgo: unknown algorithm")
	}
}

// Strongest returns the strongest (highest) algorithm among algs. Panics if
// algs is empty — callers (SignerSet construction) must guarantee at least
// one signer exists before calling this.
func Strongest(algs ...Algorithm) Algorithm {
	if len(algs) == 0 {
		panic("digestalgo: Strongest called with no algorithms")
	}
	best := algs[0]
	for _, a := range algs[1:] {
		if a > best {
			best = a
		}
	}
	return best
}

// ForSigningKey selects the v1 signature-digest algorithm for pub at
// minSdkVersion, following the same API-level gating autograph's apk2
// signer and the teacher's ECDSA/RSA branch both encode: SHA-1 for
// minSdkVersion below 18 (Android's first release with ECDSA/SHA-256
// v1 signature support), SHA-256 at or above; ECDSA additionally
// requires minSdkVersion >= 18 outright, regardless of the digest chosen.
func ForSigningKey(pub crypto.PublicKey, minSdkVersion int) (Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		if minSdkVersion < 18 {
			return SHA1, nil
		}
		return SHA256, nil
	case *dsa.PublicKey:
		// DSA v1 signing was never extended past SHA-1 in the Android
		// toolchain; any minSdkVersion gets SHA-1.
		return SHA1, nil
	case *ecdsa.PublicKey:
		if minSdkVersion < 18 {
			return 0, errors.Errorf("ECDSA keys require minSdkVersion >= 18, got %d", minSdkVersion)
		}
		return SHA256, nil
	default:
		return 0, errors.Errorf("unsupported public key type %T", pub)
	}
}
