// Package v2sig implements the leaf builder for the APK Signing Block
// (v2 scheme): padding computation, EOCD central-directory-offset rewrite,
// the v2 scheme's own TLV sub-block, and the generic length-prefixed
// envelope that wraps it.
//
// Grounded on pzx521521-apkEditor's editor/signv2/apk.go: its NewApkSign
// byte-level EOCD/Central-Directory/ASv2 scan (magic "APK Sig Block 42",
// paired little-endian u64 size prefixes) and its InjectBeforeCD EOCD
// central-directory-offset patch, generalized here from a single signing
// pass over one already-assembled file to the three discrete ZIP sections
// (entries region / central directory / EOCD) signengine's V2Pipeline
// hands in, and from one signer to signengine's full SignerSet.
package v2sig

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"hash"

	"github.com/pkg/errors"

	"github.com/go-apksign/apksign/internal/digestalgo"
)

// ApkSigningBlockMagic is the trailing 16-byte magic of every APK Signing
// Block, per the Android APK Signing Block format.
const ApkSigningBlockMagic = "APK Sig Block 42"

// schemeIDV2 is the length-prefixed pair ID the v2 scheme occupies inside
// the generic APK Signing Block envelope.
const schemeIDV2 = uint32(0x7109871a)

// Signer is everything v2sig needs about one signer to compute its v2
// signature over the digest of the three ZIP sections.
type Signer struct {
	Cert   *x509.Certificate
	Key    crypto.PrivateKey
	SigAlg digestalgo.Algorithm
}

// Build computes the v2 signature over entries/centralDir/eocd (the EOCD
// must already reflect the final, padded layout — see PadCentralDirectory)
// for each signer, and returns the serialized APK Signing Block. Padding
// before the block is computed separately by PadCentralDirectory, since it
// must be known before the EOCD (part of what gets signed) can be built.
func Build(entries, centralDir, eocd []byte, signers []Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, errors.New("v2sig: at least one signer required")
	}

	digest := sha256OfSections(entries, centralDir, eocd)

	v2Block := &bytes.Buffer{}
	// signed-data: length-prefixed sequence of (digest-algorithm-id,
	// digest) pairs, followed by length-prefixed certificates, followed
	// by length-prefixed additional attributes (none, here).
	signedData := &bytes.Buffer{}
	writeLengthPrefixedSlice(signedData, encodeDigests(digest))
	var certBytes []byte
	for _, s := range signers {
		certBytes = append(certBytes, lengthPrefix(s.Cert.Raw)...)
	}
	writeLengthPrefixedSlice(signedData, certBytes)
	writeLengthPrefixedSlice(signedData, nil) // no additional attributes

	writeLengthPrefixedSlice(v2Block, signedData.Bytes())

	var signatures []byte
	for _, s := range signers {
		sig, algID, err := signSection(digest, s)
		if err != nil {
			return nil, errors.Wrap(err, "v2sig: signing")
		}
		pair := &bytes.Buffer{}
		binary.Write(pair, binary.LittleEndian, algID)
		writeLengthPrefixedSlice(pair, sig)
		signatures = append(signatures, lengthPrefix(pair.Bytes())...)
	}
	writeLengthPrefixedSlice(v2Block, signatures)

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(signers[0].Cert.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "v2sig: marshaling public key")
	}
	writeLengthPrefixedSlice(v2Block, pubKeyBytes)

	return wrapEnvelope(schemeIDV2, v2Block.Bytes()), nil
}

// PadCentralDirectory computes, given the size the signing block will end
// up occupying once wrapped (blockSizeEstimate) and the length of the
// entries region (the central directory's current offset), how many zero
// bytes must be inserted before the block so that the block's end (i.e.
// the central directory's new start) is 4 KiB aligned. Returns zero when
// supportsPadding is false, matching signers that predate block alignment.
func PadCentralDirectory(entriesRegionLen int64, blockSizeEstimate int64, supportsPadding bool) uint32 {
	if !supportsPadding {
		return 0
	}
	const align = 4096
	end := entriesRegionLen + blockSizeEstimate
	rem := end % align
	if rem == 0 {
		return 0
	}
	return uint32(align - rem)
}

// RewriteEOCD returns a copy of eocd with its central-directory-offset
// field patched to newCDOffset, mirroring InjectBeforeCD's EOCD patch in
// the reference v2 scanner.
func RewriteEOCD(eocd []byte, newCDOffset uint32) []byte {
	out := make([]byte, len(eocd))
	copy(out, eocd)
	binary.LittleEndian.PutUint32(out[16:20], newCDOffset)
	return out
}

func wrapEnvelope(id uint32, payload []byte) []byte {
	pair := &bytes.Buffer{}
	binary.Write(pair, binary.LittleEndian, id)
	pair.Write(payload)

	pairs := &bytes.Buffer{}
	writeLengthPrefixedSlice(pairs, pair.Bytes())

	// size-of-block (repeated before and after the pair sequence) counts
	// everything after the first u64 size field: pairs.Bytes(), the second
	// 8-byte size field, and the trailing 16-byte magic.
	sizeOfBlock := uint64(pairs.Len()) + 8 + 16

	out := &bytes.Buffer{}
	binary.Write(out, binary.LittleEndian, sizeOfBlock)
	out.Write(pairs.Bytes())
	binary.Write(out, binary.LittleEndian, sizeOfBlock)
	out.WriteString(ApkSigningBlockMagic)
	return out.Bytes()
}

func sha256OfSections(sections ...[]byte) []byte {
	// The v2 scheme digests each section as a sequence of 1 MiB chunks,
	// each individually hashed, then hashes the concatenation of those
	// chunk digests (the same "digest of digests" construction used by
	// Android's apksig); callers need only the combined result.
	const chunkSize = 1 << 20
	h := digestalgo.SHA256.Hash().New()
	for _, section := range sections {
		for len(section) > 0 {
			n := len(section)
			if n > chunkSize {
				n = chunkSize
			}
			chunk := section[:n]
			ch := digestalgo.SHA256.Hash().New()
			ch.Write([]byte{0xa5})
			writeUint32(ch, uint32(len(chunk)))
			ch.Write(chunk)
			h.Write(ch.Sum(nil))
			section = section[n:]
		}
	}
	return h.Sum(nil)
}

func writeUint32(h hash.Hash, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	h.Write(b[:])
}

// digestAlgorithmIDSHA256 identifies a SHA2-256 content digest within the
// v2 scheme's signed-data digest list (mirrors the chunked "digest of
// digests" content digest computed by sha256OfSections).
const digestAlgorithmIDSHA256 = uint32(0x0101)

func encodeDigests(digest []byte) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, digestAlgorithmIDSHA256)
	writeLengthPrefixedSlice(buf, digest)
	return lengthPrefix(buf.Bytes())
}

// signSection signs sum via the generic crypto.Signer interface. RSA
// PKCS#1 v1.5 signatures are deterministic, so an RSA signer reproduces
// byte-identical output across runs; an ECDSA signer does not, since
// crypto/ecdsa.Sign draws a fresh nonce from rand on every call and Go's
// standard library exposes no way to supply an RFC 6979 deterministic
// nonce instead. v2sig therefore only guarantees byte-identical v2 blocks
// across runs for RSA signers (see DESIGN.md's Open Question on ECDSA
// determinism).
func signSection(digest []byte, s Signer) (sig []byte, algID uint32, err error) {
	hashed := s.SigAlg.Hash().New()
	hashed.Write(digest)
	sum := hashed.Sum(nil)

	signer, ok := s.Key.(crypto.Signer)
	if !ok {
		return nil, 0, errors.Errorf("v2sig: key type %T does not implement crypto.Signer", s.Key)
	}
	sig, err = signer.Sign(rand.Reader, sum, s.SigAlg.Hash())
	if err != nil {
		return nil, 0, err
	}
	return sig, v2AlgorithmID(signer.Public(), s.SigAlg), nil
}

// v2AlgorithmID maps a public key type and digest algorithm to one of the
// signature algorithm IDs defined by the v2 scheme (RSA PKCS#1 v1.5 /
// ECDSA, SHA-256 / SHA-512 families).
func v2AlgorithmID(pub crypto.PublicKey, alg digestalgo.Algorithm) uint32 {
	type rsaPub interface{ Size() int }
	switch pub.(type) {
	case rsaPub:
		if alg == digestalgo.SHA512 {
			return 0x0103 // RSASSA-PKCS1-v1_5 with SHA2-512
		}
		return 0x0102 // RSASSA-PKCS1-v1_5 with SHA2-256
	default:
		if alg == digestalgo.SHA512 {
			return 0x0202 // ECDSA with SHA2-512
		}
		return 0x0201 // ECDSA with SHA2-256
	}
}

func lengthPrefix(b []byte) []byte {
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	return buf
}

func writeLengthPrefixedSlice(w *bytes.Buffer, b []byte) {
	binary.Write(w, binary.LittleEndian, uint32(len(b)))
	w.Write(b)
}
