// Command apksigner is the reference driver for the signengine core: it
// reads an unsigned APK, walks its entries through the engine's
// classification and digesting protocol, writes the resulting v1-signed
// archive, then splices in the v2 APK Signing Block. The driver owns every
// piece of I/O the core refuses to: the ZIP reader/writer, key/cert
// loading, and all logging.
package main

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"io"
	"io/ioutil"
	"os"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-apksign/apksign/internal/v1sig"
	"github.com/go-apksign/apksign/internal/zipio"
	"github.com/go-apksign/apksign/signengine"
)

var (
	infile   = flag.String("i", "unsigned.apk", "input unsigned zip `archive`")
	outfile  = flag.String("o", "signed.apk", "name of signed output zip `archive` to create")
	keyfile  = flag.String("k", "key.pk8", "private key for signing, in PKCS#8 format")
	certfile = flag.String("c", "key.x509.pem", "certificate for signing")
	name     = flag.String("name", "CERT", "logical signer name, used to derive META-INF/<NAME>.{SF,RSA,DSA,EC}")

	minSdk      = flag.Int("min-sdk", 1, "minSdkVersion, gates signature-digest algorithm selection")
	v1          = flag.Bool("v1", true, "enable legacy JAR (v1) signing")
	v2          = flag.Bool("v2", true, "enable APK Signing Block (v2) signing")
	debuggable  = flag.Bool("allow-debuggable", true, "permit signing APKs with android:debuggable=true")
	supportsPad = flag.Bool("zip-align", true, "insert 4 KiB alignment padding before the v2 signing block")
)

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		die(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("signing failed", zap.Error(err))
		die(err)
	}
	logger.Info("signed", zap.String("output", *outfile))
}

func die(err error) {
	os.Stderr.WriteString("error: " + err.Error() + "\n")
	os.Exit(1)
}

func run(logger *zap.Logger) error {
	cert, key, err := loadIdentity(*keyfile, *certfile)
	if err != nil {
		return err
	}

	cfg := signengine.DefaultConfig()
	cfg.V1Enabled = *v1
	cfg.V2Enabled = *v2
	cfg.DebuggablePermitted = *debuggable
	cfg.MinSdkVersion = *minSdk
	cfg.Signers = []signengine.SignerConfig{{
		Name:       *name,
		PrivateKey: key,
		CertChain:  []*x509.Certificate{cert},
	}}

	engine, err := signengine.NewEngine(cfg)
	if err != nil {
		return errors.Wrap(err, "constructing signengine")
	}
	defer engine.Close()

	zr, err := zip.OpenReader(*infile)
	if err != nil {
		return errors.Wrapf(err, "opening %s", *infile)
	}
	defer zr.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if err := signZip(engine, &zr.Reader, zw, logger); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "closing intermediate zip")
	}

	final, err := applyV2(engine, buf.Bytes())
	if err != nil {
		return err
	}

	if err := engine.Commit(); err != nil {
		return errors.Wrap(err, "committing signing session")
	}

	if err := ioutil.WriteFile(*outfile, final, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", *outfile)
	}
	return nil
}

func loadIdentity(keyPath, certPath string) (*x509.Certificate, interface{}, error) {
	rawKey, err := ioutil.ReadFile(keyPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(rawKey)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing PKCS8 key %s", keyPath)
	}

	rawCert, err := ioutil.ReadFile(certPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading certificate")
	}
	block, _ := pem.Decode(rawCert)
	if block == nil {
		return nil, nil, errors.Errorf("%s: no PEM block found", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing certificate %s", certPath)
	}
	return cert, key, nil
}

// signZip walks the input zip's entries in name order (for determinism,
// matching the teacher's signZip), classifies each with the engine, copies
// PASS_THROUGH entries through (mirroring data into any InspectionRequest
// the engine opened for it), skips DROP and ENGINE_OWNED entries, then
// writes whatever v1 artifacts EmitV1 returns.
func signZip(engine *signengine.Engine, r *zip.Reader, zw *zip.Writer, logger *zap.Logger) error {
	files := append([]*zip.File(nil), r.File...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		instr, err := engine.OnInputEntry(f.Name)
		if err != nil {
			return errors.Wrapf(err, "classifying input entry %s", f.Name)
		}
		if instr.Request != nil {
			if err := streamInto(f, instr.Request); err != nil {
				return errors.Wrapf(err, "buffering input entry %s", f.Name)
			}
		}
		if instr.Policy != signengine.PassThrough {
			logger.Debug("skipping input entry", zap.String("name", f.Name), zap.Stringer("policy", instr.Policy))
			continue
		}
		if err := copyEntry(engine, f, zw); err != nil {
			return err
		}
	}

	artifacts, err := engine.EmitV1()
	if err != nil {
		return errors.Wrap(err, "emitting v1 signature")
	}
	if artifacts != nil {
		for _, e := range artifacts.Entries {
			if err := writeEngineOwnedEntry(engine, zw, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeEngineOwnedEntry writes one engine-emitted v1 artifact and, via the
// same OnOutputEntry/Sink/Done protocol used for pass-through entries,
// hands its bytes back to the engine's engine-owned buffer so a later
// Commit can verify the driver actually wrote what was emitted.
func writeEngineOwnedEntry(engine *signengine.Engine, zw *zip.Writer, e v1sig.Entry) error {
	req, err := engine.OnOutputEntry(e.Name)
	if err != nil {
		return errors.Wrapf(err, "opening output inspection for v1 artifact %s", e.Name)
	}
	w, err := zw.Create(e.Name)
	if err != nil {
		return errors.Wrapf(err, "creating v1 artifact %s", e.Name)
	}
	dst := io.Writer(w)
	if req != nil {
		sink, err := req.Sink()
		if err != nil {
			return err
		}
		dst = io.MultiWriter(w, sink)
	}
	if _, err := dst.Write(e.Bytes); err != nil {
		return errors.Wrapf(err, "writing v1 artifact %s", e.Name)
	}
	if req != nil {
		if err := req.Done(); err != nil {
			return errors.Wrapf(err, "finishing inspection of v1 artifact %s", e.Name)
		}
	}
	return nil
}

// copyEntry streams f's contents into a fresh entry in zw, also feeding the
// same bytes into any InspectionRequest OnOutputEntry opens for this name
// (the v1 content digest and, for AndroidManifest.xml, the debuggable-bit
// observer).
func copyEntry(engine *signengine.Engine, f *zip.File, zw *zip.Writer) error {
	req, err := engine.OnOutputEntry(f.Name)
	if err != nil {
		return errors.Wrapf(err, "opening output inspection for %s", f.Name)
	}

	header := f.FileHeader
	w, err := zw.CreateHeader(&header)
	if err != nil {
		return errors.Wrapf(err, "creating output entry %s", f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "opening input entry %s", f.Name)
	}
	defer rc.Close()

	dst := io.Writer(w)
	if req != nil {
		sink, err := req.Sink()
		if err != nil {
			return err
		}
		dst = io.MultiWriter(w, sink)
	}
	if _, err := io.Copy(dst, rc); err != nil {
		return errors.Wrapf(err, "copying entry %s", f.Name)
	}
	if req != nil {
		if err := req.Done(); err != nil {
			return errors.Wrapf(err, "finishing inspection of %s", f.Name)
		}
	}
	return nil
}

func streamInto(f *zip.File, req signengine.InspectionRequest) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	sink, err := req.Sink()
	if err != nil {
		return err
	}
	if _, err := io.Copy(sink, rc); err != nil {
		return err
	}
	return req.Done()
}

// applyV2 splits the v1-signed archive into its sections, asks the engine
// to compute the v2 signing block against them, and splices the result
// back in.
func applyV2(engine *signengine.Engine, v1Signed []byte) ([]byte, error) {
	sections, err := zipio.Split(v1Signed)
	if err != nil {
		return nil, errors.Wrap(err, "splitting intermediate zip into sections")
	}

	artifact, err := engine.EmitV2(sections.Entries, sections.CentralDirectory, sections.EOCD, *supportsPad)
	if err != nil {
		return nil, errors.Wrap(err, "emitting v2 signing block")
	}
	if artifact == nil {
		return v1Signed, nil
	}
	return sections.InjectBeforeCentralDirectory(artifact.PaddingBefore, artifact.BlockBytes), nil
}
