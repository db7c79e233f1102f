// Package signengine is the core orchestration engine for APK signing:
// the stateful, streaming core described by this repository's
// specification. It decides, per ZIP entry, whether the entry is passed
// through, dropped, or replaced by engine-emitted signature entries; it
// computes v1 (JAR) manifests/signatures and the v2 APK Signing Block; it
// detects and recovers from concurrent mutation of the driver's output;
// and it refuses to sign APKs declared debuggable when configured to.
//
// The surrounding ZIP reader/writer, the v1/v2 byte-format leaf builders,
// the CLI front-end, key-store loading, and binary AndroidManifest parsing
// are all external collaborators the engine calls into, never re-implements.
package signengine

import (
	"github.com/go-apksign/apksign/internal/v1sig"
)

// Config is the builder-validated configuration for a new Engine.
type Config struct {
	// V1Enabled turns on legacy JAR signing. Default true.
	V1Enabled bool
	// V2Enabled turns on the APK Signing Block scheme. Default true.
	V2Enabled bool
	// DebuggablePermitted allows signing APKs whose manifest declares
	// android:debuggable=true. Default true.
	DebuggablePermitted bool
	// PreserveOtherSigners is recognized but not implemented; enabling it
	// fails engine construction with ErrUnsupported.
	PreserveOtherSigners bool
	// CreatedBy is the short string recorded in manifest/.SF Created-By
	// attributes. Default "1.0 (Android)".
	CreatedBy string
	// MinSdkVersion gates signature-digest algorithm selection. Must be >= 1.
	MinSdkVersion int
	// Signers is the set of signer identities to sign with. Must have at
	// least one entry.
	Signers []SignerConfig
}

// DefaultConfig returns a Config with the spec's documented defaults
// (V1Enabled, V2Enabled, DebuggablePermitted all true; CreatedBy set) and
// zero-value Signers/MinSdkVersion left for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		V1Enabled:           true,
		V2Enabled:           true,
		DebuggablePermitted: true,
		CreatedBy:           "1.0 (Android)",
	}
}

// EntryInstruction is returned from onInputEntry: what the driver should do
// with an input entry, plus an optional InspectionRequest (only non-nil for
// the input manifest, which the engine wants to borrow verbatim).
type EntryInstruction struct {
	Policy  EntryPolicy
	Request InspectionRequest
}

// Engine is the public façade described by spec.md §4.7: it owns the
// lifecycle, threads entries between EntryPolicy/SignerSet/V1Pipeline/
// V2Pipeline/DebuggablePolicy, sequences v1 then v2, and handles
// invalidation and close.
type Engine struct {
	cfg     Config
	signers *signerSet

	v1 *v1Pipeline
	v2 *v2Pipeline

	debuggable debuggableState

	closed bool
}

// NewEngine validates cfg and constructs an Engine. Fails with
// ErrInvalidConfig if Signers is empty or CreatedBy is empty, with
// ErrUnsupported if PreserveOtherSigners is set, and with ErrInvalidKey if
// a signer's key cannot be mapped to a supported algorithm set for
// MinSdkVersion.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Signers) == 0 {
		return nil, newErr(ErrInvalidConfig, "at least one signer is required")
	}
	if cfg.CreatedBy == "" {
		return nil, newErr(ErrInvalidConfig, "CreatedBy must not be empty")
	}
	if cfg.MinSdkVersion < 1 {
		return nil, newErr(ErrInvalidConfig, "MinSdkVersion must be >= 1, got %d", cfg.MinSdkVersion)
	}
	if cfg.PreserveOtherSigners {
		return nil, newErr(ErrUnsupported, "preserve-other-signers is not implemented")
	}

	signers, err := newSignerSet(cfg.Signers, cfg.MinSdkVersion)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		signers: signers,
		v1:      newV1Pipeline(signers.contentDigestAlg, cfg.V1Enabled),
		v2:      newV2Pipeline(cfg.V2Enabled),
	}, nil
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return newErr(ErrStateViolation, "engine is closed")
	}
	return nil
}

// NotifyInputSigningBlock reports the input APK's existing APK Signing
// Block bytes, if any. Accepted (but presently ignored) only when
// PreserveOtherSigners is set; since that feature is unimplemented, this
// is currently always a no-op for an already-validated engine.
func (e *Engine) NotifyInputSigningBlock(block []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	// preserve-other-signers is rejected at construction, so there is
	// nothing to do here today; the hook exists so a future
	// implementation has a place to record the block.
	return nil
}

// OnInputEntry classifies an input entry and, for the input manifest,
// returns a BufferRequest so its main section can be borrowed verbatim
// into the new manifest. The engine never reads entry data otherwise.
func (e *Engine) OnInputEntry(name string) (EntryInstruction, error) {
	if err := e.checkOpen(); err != nil {
		return EntryInstruction{}, err
	}
	policy := e.classify(name)
	if name == "META-INF/MANIFEST.MF" && e.cfg.V1Enabled {
		return EntryInstruction{Policy: policy, Request: e.v1.openInputManifest()}, nil
	}
	return EntryInstruction{Policy: policy}, nil
}

// OnInputEntryRemoved is the pure classification of a removed input entry;
// it does not mutate engine state.
func (e *Engine) OnInputEntryRemoved(name string) (EntryPolicy, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.classify(name), nil
}

// OnOutputEntry invalidates v2 (any output mutation can change the final
// ZIP layout) and, for v1-covered or engine-owned entries, opens the
// appropriate digest/buffer request — a FanOutRequest when an entry needs
// two requests (AndroidManifest.xml, which v1 digests and DebuggablePolicy
// must read back to parse the debuggable bit).
func (e *Engine) OnOutputEntry(name string) (InspectionRequest, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.v2.invalidate()

	isAndroidManifest := name == "AndroidManifest.xml"
	isEngineOwned := e.cfg.V1Enabled && e.signers.isEngineOwned(name)
	isV1Covered := e.cfg.V1Enabled && e.classify(name) == PassThrough && !isEngineOwned

	var reqs []InspectionRequest
	if isEngineOwned {
		reqs = append(reqs, e.v1.openEngineOwnedBuffer(name))
	} else if isV1Covered {
		reqs = append(reqs, e.v1.openDigest(name))
	}
	if isAndroidManifest {
		reqs = append(reqs, newManifestObserver(&e.debuggable))
	}

	switch len(reqs) {
	case 0:
		return nil, nil
	case 1:
		return reqs[0], nil
	default:
		return NewFanOutRequest(reqs...)
	}
}

// OnOutputEntryRemoved invalidates v2 and updates V1Pipeline accordingly
// (dropping any pending digest request and re-asserting v1Pending).
func (e *Engine) OnOutputEntryRemoved(name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.v2.invalidate()
	e.v1.onOutputEntryRemoved(name)
	if name == "AndroidManifest.xml" {
		e.debuggable.invalidate()
	}
	return nil
}

// V1Artifacts is the ordered list of v1 entries the driver must write.
type V1Artifacts struct {
	Entries []v1sig.Entry
}

// EmitV1 runs the v1 signature-generation protocol (spec.md §4.4) and
// returns the artifacts to add, or nil if v1 is disabled or there is
// nothing new to add.
func (e *Engine) EmitV1() (*V1Artifacts, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !e.cfg.V1Enabled {
		return nil, nil
	}
	var appliedSchemes []int
	if e.cfg.V2Enabled {
		appliedSchemes = append(appliedSchemes, 2)
	}
	entries, err := e.v1.emit(e.signers, e.cfg.CreatedBy, appliedSchemes, &e.debuggable, e.cfg.DebuggablePermitted)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
	}
	return &V1Artifacts{Entries: entries}, nil
}

// EmitV2 computes the v2 signing block over the final ZIP sections.
// Requires v1 to be fulfilled first if v1 is enabled.
func (e *Engine) EmitV2(entriesRegion, centralDir, eocd []byte, supportsPadding bool) (*V2Artifact, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if !e.cfg.V2Enabled {
		return nil, nil
	}
	v1Pending := e.cfg.V1Enabled && e.v1.pending
	if err := e.debuggable.enforce(e.cfg.DebuggablePermitted); err != nil {
		return nil, err
	}
	return e.v2.emit(entriesRegion, centralDir, eocd, supportsPadding, e.signers, v1Pending)
}

// Commit verifies v1 and v2, if enabled, have been fully satisfied by the
// driver; otherwise fails with ErrStateViolation.
func (e *Engine) Commit() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.cfg.V1Enabled {
		if e.v1.pending {
			return newErr(ErrStateViolation, "v1 signature is still pending")
		}
		if err := e.v1.finalize(); err != nil {
			return err
		}
	}
	if e.cfg.V2Enabled && e.v2.pending {
		return newErr(ErrStateViolation, "v2 signature is still pending")
	}
	return nil
}

// Close releases all buffers and cached state. Any further call to the
// engine fails with ErrStateViolation.
func (e *Engine) Close() error {
	if e.closed {
		return newErr(ErrStateViolation, "engine is already closed")
	}
	e.closed = true
	e.v1 = nil
	e.v2 = nil
	e.signers = nil
	return nil
}
