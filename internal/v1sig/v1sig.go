// Package v1sig implements the leaf builder for APK v1 (JAR) signing: the
// MANIFEST.MF, per-signer .SF, and per-signer PKCS#7 signature block byte
// formats. It is invoked by signengine as a plain function — it never
// imports signengine back.
//
// Grounded on the teacher's apksigner.go signZip/writeSignatureFile, and
// manifest.go, generalized from a single signer to an ordered SignerSet.
package v1sig

import (
	"bytes"
	"crypto"
	"crypto/dsa" //lint:ignore SA1019 legacy v1 signer key type
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"sort"
	"strconv"
	"strings"

	"go.mozilla.org/pkcs7"

	"github.com/pkg/errors"

	"github.com/go-apksign/apksign/internal/digestalgo"
	"github.com/go-apksign/apksign/internal/manifest"
)

// Entry is one (name, bytes) pair the driver must write as a JAR entry.
type Entry struct {
	Name  string
	Bytes []byte
}

// Signer is everything v1sig needs to know about one signer: its on-disk
// safe name, its certificate/key, and its chosen signature-digest
// algorithm (selected by signengine via internal/digestalgo before this
// package is ever called).
type Signer struct {
	SafeName string
	Cert     *x509.Certificate
	Key      crypto.PrivateKey
	SigAlg   digestalgo.Algorithm
}

// ExpectedNames returns the entry names this package will emit for signers,
// without actually signing anything — used by EntryPolicy to classify
// entries as ENGINE_OWNED.
func ExpectedNames(signers []Signer) []string {
	names := []string{"META-INF/MANIFEST.MF"}
	for _, s := range signers {
		names = append(names, "META-INF/"+s.SafeName+".SF")
		names = append(names, "META-INF/"+s.SafeName+sigExtension(s.Key))
	}
	return names
}

func sigExtension(key crypto.PrivateKey) string {
	switch key.(type) {
	case *ecdsa.PrivateKey:
		return ".EC"
	case *dsa.PrivateKey:
		return ".DSA"
	default:
		return ".RSA"
	}
}

// BuildManifest serializes the MANIFEST.MF bytes from mainSection (the
// input manifest's main section, borrowed verbatim when present),
// per-entry digests under contentDigestAlg, and the outer schemes applied
// (used to synthesize the X-Android-APK-Signed hint). It does not sign
// anything; callers diff the returned bytes against a previous emission to
// decide whether .SF/signature blocks must be regenerated.
func BuildManifest(mainSection manifest.Attributes, digests map[string][]byte, contentDigestAlg digestalgo.Algorithm, appliedSchemes []int, createdBy string) ([]byte, error) {
	main := normalizeMainSection(mainSection, createdBy, appliedSchemes)
	m := manifest.Manifest{"": main}
	for name, digest := range digests {
		m[name] = manifest.Attributes{
			contentDigestAlg.ManifestAttr() + ": " + base64enc(digest),
		}
	}
	return m.Bytes()
}

func normalizeMainSection(mainSection manifest.Attributes, createdBy string, appliedSchemes []int) manifest.Attributes {
	out := manifest.Attributes{}
	hasVersion, hasCreatedBy := false, false
	for _, attr := range mainSection {
		if strings.HasPrefix(attr, "Manifest-Version: ") {
			hasVersion = true
		}
		if strings.HasPrefix(attr, "Created-By: ") {
			hasCreatedBy = true
		}
		if strings.HasPrefix(attr, "X-Android-APK-Signed: ") {
			continue // recomputed below
		}
		out = append(out, attr)
	}
	if !hasVersion {
		out = append(manifest.Attributes{"Manifest-Version: 1.0"}, out...)
	}
	if !hasCreatedBy {
		out = append(out, "Created-By: "+createdBy)
	}
	if len(appliedSchemes) > 0 {
		strs := make([]string, len(appliedSchemes))
		for i, s := range appliedSchemes {
			strs[i] = strconv.Itoa(s)
		}
		out = append(out, "X-Android-APK-Signed: "+strings.Join(strs, ", "))
	}
	return out
}

// BuildSignatures signs manifestBytes on behalf of each signer, producing
// its .SF file and PKCS#7 signature block. Returns entries in the
// deterministic order required by spec: .SF then signature block, signer
// by signer, signers sorted by safe name.
func BuildSignatures(manifestBytes []byte, digests map[string][]byte, signers []Signer, createdBy string) ([]Entry, error) {
	sorted := append([]Signer(nil), signers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SafeName < sorted[j].SafeName })

	m, err := manifest.ParseManifest(bytes.NewReader(manifestBytes))
	if err != nil {
		return nil, errors.Wrap(err, "v1sig: parsing regenerated manifest")
	}

	var out []Entry
	for _, s := range sorted {
		sfBytes, err := buildSF(manifestBytes, m, s.SigAlg, createdBy)
		if err != nil {
			return nil, errors.Wrapf(err, "v1sig: building %s.SF", s.SafeName)
		}
		out = append(out, Entry{Name: "META-INF/" + s.SafeName + ".SF", Bytes: sfBytes})

		sig, err := sign(sfBytes, s.Cert, s.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "v1sig: signing %s.SF", s.SafeName)
		}
		out = append(out, Entry{Name: "META-INF/" + s.SafeName + sigExtension(s.Key), Bytes: sig})
	}
	return out, nil
}

func buildSF(manifestBytes []byte, m manifest.Manifest, alg digestalgo.Algorithm, createdBy string) ([]byte, error) {
	hasher := alg.Hash().New()
	hasher.Write(manifestBytes)

	sf := manifest.Manifest{
		"": manifest.Attributes{
			"Signature-Version: 1.0",
			"Created-By: " + createdBy,
			alg.ManifestAttr() + "-Manifest: " + base64enc(hasher.Sum(nil)),
		},
	}
	names := make([]string, 0, len(m))
	for name := range m {
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := alg.Hash().New()
		if _, err := m.WriteEntry(h, name); err != nil {
			return nil, err
		}
		h.Write([]byte("\r\n"))
		sf[name] = manifest.Attributes{alg.ManifestAttr() + ": " + base64enc(h.Sum(nil))}
	}
	return sf.Bytes()
}

func sign(data []byte, cert *x509.Certificate, privkey crypto.PrivateKey) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, err
	}
	if err := sd.AddSigner(cert, privkey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, err
	}
	sd.Detach()
	return sd.Finish()
}

func base64enc(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}
